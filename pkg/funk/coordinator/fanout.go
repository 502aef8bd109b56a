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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/metrics"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// FanOutOptions controls multi-shard requests
type FanOutOptions struct {
	// AllOrNothing fails the entire request if any shard fails
	AllOrNothing bool
	// Timeout bounds the request. Shards that haven't responded when it
	// expires are reported with ErrShardTimeout. Zero uses the coordinator
	// default and the deadline of the context.
	Timeout time.Duration

	// mirror repeats successful sub-requests on the owners in the
	// directory a running migration moves to. Set by the write calls.
	mirror bool
}

// BatchOp runs one sub-request against a shard with the keys it owns. It
// must return one value per key, in the same order as the keys.
type BatchOp[T any] func(ctx context.Context, store sharding.Store, keys [][]byte) ([]T, error)

// FanOutResult holds the results of a fan-out in the same order as the
// keys in the request. Values for keys that failed are zero values.
type FanOutResult[T any] struct {
	Version     uint64           // The directory version used for routing
	Values      []T              // One value per key
	Errors      []error          // One error per key, nil if the key succeeded
	ShardErrors map[string]error // Errors per shard
}

// OK returns true if the key at index i succeeded
func (f FanOutResult[T]) OK(i int) bool {
	return f.Errors[i] == nil
}

// group is the keys that are sent to a single shard. idx is the position of
// each key in the original request.
type group struct {
	shard string
	idx   []int
	keys  [][]byte
}

// groupKeys groups the keys by owner. Groups are in the order the shards are
// first seen and keys keep their relative order.
func groupKeys(dir *sharding.Directory, keys [][]byte) ([]group, error) {
	pos := make(map[string]int)
	var ret []group
	for i, k := range keys {
		owner, err := dir.Locate(k)
		if err != nil {
			return nil, err
		}
		n, ok := pos[owner]
		if !ok {
			n = len(ret)
			pos[owner] = n
			ret = append(ret, group{shard: owner})
		}
		ret[n].idx = append(ret[n].idx, i)
		ret[n].keys = append(ret[n].keys, k)
	}
	return ret, nil
}

// outcome is the result of a group. vals and errs are indexed like the
// keys in the group.
type outcome[T any] struct {
	shard     string
	idx       []int
	vals      []T
	errs      []error
	shardErrs map[string]error
}

// runGroup sends a group to its shard. Transient errors are retried on the
// same shard while the directory is unchanged. If the directory has changed
// the keys are located again and may be split over several shards.
func runGroup[T any](ctx context.Context, c *Coordinator, lease *routing.Lease, g group, method string, op BatchOp[T], mirror bool, retries int) outcome[T] {
	out := outcome[T]{
		shard:     g.shard,
		idx:       g.idx,
		vals:      make([]T, len(g.keys)),
		errs:      make([]error, len(g.keys)),
		shardErrs: make(map[string]error),
	}
	dir := lease.Directory()
	shard := g.shard
	var err error
	for attempt := 0; ; attempt++ {
		var vals []T
		err = c.callShard(ctx, dir, shard, method, func(ctx context.Context, store sharding.Store) error {
			var err error
			vals, err = op(ctx, store, g.keys)
			if err == nil && len(vals) != len(g.keys) {
				err = fmt.Errorf("batch returned %d values for %d keys", len(vals), len(g.keys))
			}
			return err
		})
		if err == nil {
			copy(out.vals, vals)
			if mirror {
				mirrorGroup(ctx, c, lease.Version(), shard, g, method, op, &out)
			}
			return out
		}
		if attempt >= retries || !transient(ctx, err) {
			break
		}
		c.sink.LogRetry(shard)
		if berr := c.backoff(ctx, attempt); berr != nil {
			err = berr
			break
		}
		if lease.Current() {
			continue
		}
		next := c.table.Acquire()
		defer next.Release()
		groups, gerr := groupKeys(next.Directory(), g.keys)
		if gerr != nil {
			err = gerr
			break
		}
		lease, dir = next, next.Directory()
		if len(groups) == 1 {
			shard = groups[0].shard
			continue
		}
		// The keys are now spread over several shards
		for _, sub := range groups {
			so := runGroup(ctx, c, next, sub, method, op, mirror, retries-attempt-1)
			for j, local := range so.idx {
				out.vals[local] = so.vals[j]
				out.errs[local] = so.errs[j]
			}
			for id, serr := range so.shardErrs {
				out.shardErrs[id] = serr
			}
		}
		return out
	}
	for j := range out.errs {
		out.errs[j] = err
	}
	out.shardErrs[shard] = err
	return out
}

// mirrorGroup repeats a batched write on the shards that own the keys in
// the migration target. Keys that can't be mirrored are reported as failed.
func mirrorGroup[T any](ctx context.Context, c *Coordinator, version uint64, shard string, g group, method string, op BatchOp[T], out *outcome[T]) {
	target := c.mirrorTarget(version)
	if target == nil {
		return
	}
	groups, err := groupKeys(target, g.keys)
	if err != nil {
		for j := range out.errs {
			out.errs[j] = err
		}
		out.shardErrs[shard] = err
		return
	}
	for _, sub := range groups {
		if sub.shard == shard {
			continue
		}
		err := c.callRetry(ctx, target, sub.shard, method, func(ctx context.Context, store sharding.Store) error {
			_, err := op(ctx, store, sub.keys)
			return err
		})
		if err == nil {
			continue
		}
		err = fmt.Errorf("%w: shard %s in v%d: %w", ErrMirrorFailed, sub.shard, target.Version(), err)
		for _, j := range sub.idx {
			out.errs[j] = err
		}
		out.shardErrs[sub.shard] = err
	}
}

// timeoutError maps deadline errors to ErrShardTimeout once the fan-out
// deadline has passed
func timeoutError(ctx context.Context, shard string, err error) error {
	if errors.Is(err, ErrShardTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrShardTimeout, shard)
	}
	return err
}

// fanOutContext applies the timeout for a fan-out
func (c *Coordinator) fanOutContext(ctx context.Context, opts FanOutOptions) (context.Context, context.CancelFunc) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.params.Timeout
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// fanOutError applies the partial failure policy and logs the result
func (c *Coordinator) fanOutError(shardErrs map[string]error, shards int, allFailed bool, opts FanOutOptions) error {
	if len(shardErrs) == 0 {
		c.sink.LogFanOut(metrics.FanOutComplete)
		return nil
	}
	perr := &PartialFanOutError{Errors: shardErrs, Shards: shards}
	if allFailed || opts.AllOrNothing {
		c.sink.LogFanOut(metrics.FanOutFailed)
		return fmt.Errorf("%w: %w", ErrFanOutFailed, perr)
	}
	c.sink.LogFanOut(metrics.FanOutPartial)
	return perr
}

// FanOut groups the keys by owner and sends one batched sub-request to each
// shard concurrently. The results are returned in the order of the keys.
//
// If some shards fail the results from the others are returned together
// with a *PartialFanOutError. If every shard fails, or any shard fails in
// all-or-nothing mode, the error wraps ErrFanOutFailed. Shards that don't
// respond before the deadline are reported with ErrShardTimeout; the call
// returns when the deadline expires.
func FanOut[T any](ctx context.Context, c *Coordinator, keys [][]byte, method string, op BatchOp[T], opts FanOutOptions) (FanOutResult[T], error) {
	ctx, cancel := c.fanOutContext(ctx, opts)
	defer cancel()

	lease := c.table.Acquire()
	defer lease.Release()

	ret := FanOutResult[T]{
		Version:     lease.Version(),
		Values:      make([]T, len(keys)),
		Errors:      make([]error, len(keys)),
		ShardErrors: make(map[string]error),
	}
	if len(keys) == 0 {
		return ret, nil
	}
	groups, err := groupKeys(lease.Directory(), keys)
	if err != nil {
		return ret, err
	}

	// The channel is buffered so shards that respond after the deadline
	// don't block.
	results := make(chan outcome[T], len(groups))
	pending := make(map[string]group, len(groups))
	for _, g := range groups {
		pending[g.shard] = g
		// Shards may respond after the call has returned so every
		// sub-request holds its own pin on the version.
		pin := lease.Clone()
		go func(g group) {
			defer pin.Release()
			results <- runGroup(ctx, c, pin, g, method, op, opts.mirror, c.params.Retries)
		}(g)
	}

collect:
	for len(pending) > 0 {
		select {
		case o := <-results:
			delete(pending, o.shard)
			for j, i := range o.idx {
				if o.errs[j] != nil {
					ret.Errors[i] = timeoutError(ctx, o.shard, o.errs[j])
					continue
				}
				ret.Values[i] = o.vals[j]
			}
			for id, serr := range o.shardErrs {
				ret.ShardErrors[id] = timeoutError(ctx, id, serr)
			}
		case <-ctx.Done():
			break collect
		}
	}
	for id, g := range pending {
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrShardTimeout, id)
		}
		ret.ShardErrors[id] = err
		for _, i := range g.idx {
			ret.Errors[i] = err
		}
	}

	allFailed := true
	for _, e := range ret.Errors {
		if e == nil {
			allFailed = false
			break
		}
	}
	if err := c.fanOutError(ret.ShardErrors, len(groups), allFailed, opts); err != nil {
		if errors.Is(err, ErrFanOutFailed) {
			ret.Values = make([]T, len(keys))
		}
		return ret, err
	}
	return ret, nil
}

// MultiGet reads several keys. Keys that don't exist get a nil value.
func (c *Coordinator) MultiGet(ctx context.Context, keys [][]byte, opts FanOutOptions) (FanOutResult[[]byte], error) {
	return FanOut(ctx, c, keys, "multiget", func(ctx context.Context, store sharding.Store, keys [][]byte) ([][]byte, error) {
		ret := make([][]byte, len(keys))
		for i, k := range keys {
			v, err := store.Get(ctx, k)
			if errors.Is(err, sharding.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			ret[i] = v
		}
		return ret, nil
	}, opts)
}

// MultiPut writes several entries. If a key is repeated the last value is
// used. Writes are mirrored to the migration target like Put.
func (c *Coordinator) MultiPut(ctx context.Context, entries []sharding.Entry, opts FanOutOptions) (FanOutResult[bool], error) {
	opts.mirror = true
	values := make(map[string][]byte, len(entries))
	keys := make([][]byte, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
		values[string(e.Key)] = e.Value
	}
	return FanOut(ctx, c, keys, "multiput", func(ctx context.Context, store sharding.Store, keys [][]byte) ([]bool, error) {
		ret := make([]bool, len(keys))
		for i, k := range keys {
			if err := store.Put(ctx, k, values[string(k)]); err != nil {
				return nil, err
			}
			ret[i] = true
		}
		return ret, nil
	}, opts)
}
