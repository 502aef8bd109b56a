// Package coordinator routes requests to the shards that own the keys. Every
// request pins the directory version it started with; retries go to the
// same shard while that version is current and are re-resolved otherwise.
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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/metrics"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Parameters for the coordinator
type Parameters struct {
	Retries      int           `kong:"help='Retries for transient shard errors',default='3'"`
	RetryBackoff time.Duration `kong:"help='Initial backoff between retries',default='25ms'"`
	Timeout      time.Duration `kong:"help='Default fan-out timeout (0 = use the caller deadline)',default='0s'"`
}

// DefaultParameters returns the default coordinator parameters
func DefaultParameters() Parameters {
	return Parameters{
		Retries:      3,
		RetryBackoff: 25 * time.Millisecond,
	}
}

// Coordinator routes single-key and multi-key requests to shards
type Coordinator struct {
	params   Parameters
	table    *routing.Table
	resolver sharding.Resolver
	sink     metrics.Sink
	mutex    *sync.RWMutex
	counts   map[string]*atomic.Uint64
}

// New creates a new coordinator
func New(table *routing.Table, resolver sharding.Resolver, params Parameters, sink metrics.Sink) *Coordinator {
	if params.Retries < 0 {
		params.Retries = 0
	}
	if params.RetryBackoff <= 0 {
		params.RetryBackoff = DefaultParameters().RetryBackoff
	}
	if sink == nil {
		sink = metrics.NewBlackHoleSink()
	}
	return &Coordinator{
		params:   params,
		table:    table,
		resolver: resolver,
		sink:     sink,
		mutex:    &sync.RWMutex{},
		counts:   make(map[string]*atomic.Uint64),
	}
}

// Op is an operation on a single shard store
type Op func(ctx context.Context, store sharding.Store) error

func (c *Coordinator) counter(shardID string) *atomic.Uint64 {
	c.mutex.RLock()
	ret, ok := c.counts[shardID]
	c.mutex.RUnlock()
	if ok {
		return ret
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if ret, ok = c.counts[shardID]; !ok {
		ret = &atomic.Uint64{}
		c.counts[shardID] = ret
	}
	return ret
}

// RequestCounts returns the number of requests sent to each shard since the
// coordinator was created
func (c *Coordinator) RequestCounts() map[string]uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	ret := make(map[string]uint64, len(c.counts))
	for id, n := range c.counts {
		ret[id] = n.Load()
	}
	return ret
}

// callShard runs the operation on a shard in the directory
func (c *Coordinator) callShard(ctx context.Context, dir *sharding.Directory, shardID, method string, op Op) error {
	shard, ok := dir.Shard(shardID)
	if !ok {
		return fmt.Errorf("%w: %s", sharding.ErrUnknownShard, shardID)
	}
	if shard.Health == sharding.Unreachable {
		return fmt.Errorf("%w: %s is marked as unreachable", sharding.ErrShardUnreachable, shardID)
	}
	store, err := c.resolver.Store(shard)
	if err != nil {
		return err
	}
	c.counter(shardID).Add(1)
	c.sink.LogRequest(shardID, method)
	return op(ctx, store)
}

// transient returns true for errors that might go away if retried. Timeouts
// of a sub-call are retried as long as the caller is still waiting.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, sharding.ErrShardUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return status.Code(err) == codes.Unavailable
}

// backoff waits before the next retry
func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	d := c.params.RetryBackoff << attempt
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Route is the shard and directory version that served a single-key request
type Route struct {
	ShardID string `json:"shardId"`
	Version uint64 `json:"version"`
}

// callRetry runs the operation on a shard in a fixed directory and retries
// transient errors.
func (c *Coordinator) callRetry(ctx context.Context, dir *sharding.Directory, shardID, method string, op Op) error {
	for attempt := 0; ; attempt++ {
		err := c.callShard(ctx, dir, shardID, method, op)
		if err == nil || attempt >= c.params.Retries || !transient(ctx, err) {
			return err
		}
		c.sink.LogRetry(shardID)
		if err := c.backoff(ctx, attempt); err != nil {
			return err
		}
	}
}

// mirrorTarget returns the directory a running migration moves to if it is
// newer than the version a request was routed with.
func (c *Coordinator) mirrorTarget(version uint64) *sharding.Directory {
	target := c.table.Target()
	if target == nil || target.Version() <= version {
		return nil
	}
	return target
}

// mirror repeats a write on the owner of the key in the migration target.
// The current owner has already applied it, so a copy of the range that
// starts later picks it up as well.
func (c *Coordinator) mirror(ctx context.Context, version uint64, key []byte, owner, method string, op Op) error {
	target := c.mirrorTarget(version)
	if target == nil {
		return nil
	}
	dest, err := target.Locate(key)
	if err != nil {
		return err
	}
	if dest == owner {
		return nil
	}
	if err := c.callRetry(ctx, target, dest, method, op); err != nil {
		return fmt.Errorf("%w: shard %s in v%d: %w", ErrMirrorFailed, dest, target.Version(), err)
	}
	return nil
}

// RouteSingle runs the operation on the shard that owns the key. The result
// of the operation is returned unchanged together with the shard and version
// that served it. Transient errors are retried; if the directory has changed
// in the meantime the key is located again.
func (c *Coordinator) RouteSingle(ctx context.Context, key []byte, method string, op Op) (Route, error) {
	return c.route(ctx, key, method, op, false)
}

// RouteWrite is RouteSingle for operations that modify the key. While a
// migration is running the write is applied to the owner in the target
// directory as well, so it isn't lost when the ranges are cut over.
func (c *Coordinator) RouteWrite(ctx context.Context, key []byte, method string, op Op) (Route, error) {
	return c.route(ctx, key, method, op, true)
}

func (c *Coordinator) route(ctx context.Context, key []byte, method string, op Op, mirror bool) (Route, error) {
	lease := c.table.Acquire()
	defer func() {
		lease.Release()
	}()
	owner, err := lease.Directory().Locate(key)
	if err != nil {
		return Route{}, err
	}
	for attempt := 0; ; attempt++ {
		route := Route{ShardID: owner, Version: lease.Version()}
		err = c.callShard(ctx, lease.Directory(), owner, method, op)
		if err == nil && mirror {
			// The lease is held until the mirror is done so the source
			// version stays reachable.
			err = c.mirror(ctx, lease.Version(), key, owner, method, op)
			return route, err
		}
		if err == nil || attempt >= c.params.Retries || !transient(ctx, err) {
			return route, err
		}
		c.sink.LogRetry(owner)
		if err := c.backoff(ctx, attempt); err != nil {
			return route, err
		}
		if !lease.Current() {
			lease.Release()
			lease = c.table.Acquire()
			if owner, err = lease.Directory().Locate(key); err != nil {
				return Route{}, err
			}
		}
	}
}

// Get returns the value for a key
func (c *Coordinator) Get(ctx context.Context, key []byte) ([]byte, Route, error) {
	var ret []byte
	route, err := c.RouteSingle(ctx, key, "get", func(ctx context.Context, store sharding.Store) error {
		var err error
		ret, err = store.Get(ctx, key)
		return err
	})
	return ret, route, err
}

// Put stores a value
func (c *Coordinator) Put(ctx context.Context, key, value []byte) (Route, error) {
	return c.RouteWrite(ctx, key, "put", func(ctx context.Context, store sharding.Store) error {
		return store.Put(ctx, key, value)
	})
}

// Delete removes a key
func (c *Coordinator) Delete(ctx context.Context, key []byte) (Route, error) {
	return c.RouteWrite(ctx, key, "delete", func(ctx context.Context, store sharding.Store) error {
		return store.Delete(ctx, key)
	})
}

// Owner returns the shard that owns the key in the current directory
func (c *Coordinator) Owner(key []byte) (string, uint64, error) {
	dir := c.table.Current()
	owner, err := dir.Locate(key)
	return owner, dir.Version(), err
}

// sortedIDs returns the keys of a map in sorted order
func sortedIDs[T any](m map[string]T) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
