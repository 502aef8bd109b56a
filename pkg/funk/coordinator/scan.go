package coordinator

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// ScanResult is the result of a range scan
type ScanResult struct {
	Version     uint64           // The directory version used for the scan
	Entries     []sharding.Entry // Entries in ring order from the start of the range
	ShardErrors map[string]error // Errors per shard
}

type scanOutcome struct {
	shard   string
	entries []sharding.Entry
	err     error
}

// scanShard streams a range from one shard. Entries the shard holds but
// doesn't own in the pinned directory are skipped so entries that are being
// copied during a migration are only returned once.
func (c *Coordinator) scanShard(ctx context.Context, lease *routing.Lease, shard string, r sharding.KeyRange, filter func(sharding.Entry) bool) scanOutcome {
	dir := lease.Directory()
	ret := scanOutcome{shard: shard}
	for attempt := 0; ; attempt++ {
		ret.entries = nil
		ret.err = c.callShard(ctx, dir, shard, "scan", func(ctx context.Context, store sharding.Store) error {
			return store.StreamRange(ctx, r, func(e sharding.Entry) error {
				owner, err := dir.Locate(e.Key)
				if err != nil {
					return err
				}
				if owner != shard || (filter != nil && !filter(e)) {
					return nil
				}
				ret.entries = append(ret.entries, e)
				return nil
			})
		})
		// The scan is only retried while the pinned directory is current.
		// Ownership of the range may have moved otherwise.
		if ret.err == nil || attempt >= c.params.Retries || !transient(ctx, ret.err) || !lease.Current() {
			return ret
		}
		c.sink.LogRetry(shard)
		if err := c.backoff(ctx, attempt); err != nil {
			ret.err = err
			return ret
		}
	}
}

// ScanRange returns the entries in a key range from every shard that owns a
// part of it. The optional filter is applied on the entries before they are
// returned. Shard failures are handled the same way as for FanOut.
func (c *Coordinator) ScanRange(ctx context.Context, r sharding.KeyRange, filter func(sharding.Entry) bool, opts FanOutOptions) (ScanResult, error) {
	ctx, cancel := c.fanOutContext(ctx, opts)
	defer cancel()

	lease := c.table.Acquire()
	defer lease.Release()
	dir := lease.Directory()

	ret := ScanResult{
		Version:     dir.Version(),
		ShardErrors: make(map[string]error),
	}
	shards, err := dir.LocateRange(r)
	if err != nil {
		return ret, err
	}

	results := make(chan scanOutcome, len(shards))
	pending := make(map[string]bool, len(shards))
	for _, id := range shards {
		pending[id] = true
		pin := lease.Clone()
		go func(id string) {
			defer pin.Release()
			results <- c.scanShard(ctx, pin, id, r, filter)
		}(id)
	}

collect:
	for len(pending) > 0 {
		select {
		case o := <-results:
			delete(pending, o.shard)
			if o.err != nil {
				ret.ShardErrors[o.shard] = timeoutError(ctx, o.shard, o.err)
				continue
			}
			ret.Entries = append(ret.Entries, o.entries...)
		case <-ctx.Done():
			break collect
		}
	}
	for _, id := range sortedIDs(pending) {
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrShardTimeout, id)
		}
		ret.ShardErrors[id] = err
	}

	sort.Slice(ret.Entries, func(i, j int) bool {
		// Positions relative to the start of the range
		pi := dir.Hash(ret.Entries[i].Key) - r.Start - 1
		pj := dir.Hash(ret.Entries[j].Key) - r.Start - 1
		if pi != pj {
			return pi < pj
		}
		return bytes.Compare(ret.Entries[i].Key, ret.Entries[j].Key) < 0
	})

	if err := c.fanOutError(ret.ShardErrors, len(shards), len(ret.ShardErrors) == len(shards), opts); err != nil {
		if errors.Is(err, ErrFanOutFailed) {
			ret.Entries = nil
		}
		return ret, err
	}
	return ret, nil
}
