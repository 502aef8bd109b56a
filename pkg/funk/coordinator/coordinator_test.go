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
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/memstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testCluster struct {
	table   *routing.Table
	stores  map[string]*memstore.Store
	mutex   sync.Mutex
	wrapped map[string]sharding.Store
	coord   *Coordinator
}

func newTestCluster(t *testing.T, ids ...string) *testCluster {
	c := &testCluster{
		stores:  make(map[string]*memstore.Store),
		wrapped: make(map[string]sharding.Store),
	}
	var shards []sharding.Shard
	for _, id := range ids {
		shards = append(shards, sharding.NewShard(id, "", 1))
		c.stores[id] = memstore.New(sharding.MD5Hasher)
	}
	dir, err := sharding.NewDirectory(0, shards, sharding.DefaultReplicas, sharding.HashMD5)
	require.NoError(t, err)
	c.table = routing.NewTable(dir, routing.Parameters{RetainVersions: 2})
	t.Cleanup(c.table.Close)

	params := DefaultParameters()
	params.RetryBackoff = time.Millisecond
	c.coord = New(c.table, sharding.ResolverFunc(c.resolve), params, nil)
	return c
}

func (c *testCluster) resolve(shard sharding.Shard) (sharding.Store, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if w, ok := c.wrapped[shard.ID]; ok {
		return w, nil
	}
	s, ok := c.stores[shard.ID]
	if !ok {
		return nil, sharding.ErrShardUnreachable
	}
	return s, nil
}

func (c *testCluster) wrap(id string, s sharding.Store) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.wrapped[id] = s
}

// keysFor returns n keys owned by each of the shards
func (c *testCluster) keysFor(t *testing.T, n int) map[string][][]byte {
	dir := c.table.Current()
	ret := make(map[string][][]byte)
	for i := 0; ; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		owner, err := dir.Locate(key)
		require.NoError(t, err)
		if len(ret[owner]) < n {
			ret[owner] = append(ret[owner], key)
		}
		done := true
		for id := range c.stores {
			if len(ret[id]) < n {
				done = false
			}
		}
		if done {
			return ret
		}
	}
}

// slowStore blocks reads until the context is done
type slowStore struct {
	sharding.Store
}

func (s *slowStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// flakyStore fails the first calls to Get. The hook is called on every
// failure.
type flakyStore struct {
	sharding.Store
	failures atomic.Int32
	hook     func()
}

func (f *flakyStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if f.failures.Add(-1) >= 0 {
		if f.hook != nil {
			f.hook()
		}
		return nil, sharding.ErrShardUnreachable
	}
	return f.Store.Get(ctx, key)
}

// stuckStore ignores the context and blocks reads until the gate is opened
type stuckStore struct {
	sharding.Store
	gate chan struct{}
}

func (s *stuckStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	<-s.gate
	return s.Store.Get(ctx, key)
}

// brokenStore fails every write with an error that isn't retried
type brokenStore struct {
	sharding.Store
}

func (b *brokenStore) Put(ctx context.Context, key, value []byte) error {
	return errors.New("disk full")
}

func TestRouteSingle(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B", "C")

	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		_, err := c.coord.Put(ctx, key, key)
		assert.NoError(err)
	}
	total := 0
	for id, s := range c.stores {
		assert.NotZero(s.Len(), "Shard %s has no keys", id)
		total += s.Len()
	}
	assert.Equal(300, total)

	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		v, route, err := c.coord.Get(ctx, key)
		assert.NoError(err)
		assert.Equal(key, v)

		owner, ver, err := c.coord.Owner(key)
		assert.NoError(err)
		assert.Equal(uint64(0), ver)
		assert.Equal(Route{ShardID: owner, Version: ver}, route)
		_, err = c.stores[owner].Get(ctx, key)
		assert.NoError(err)
	}

	_, _, err := c.coord.Get(ctx, []byte("missing"))
	assert.ErrorIs(err, sharding.ErrNotFound)

	_, err = c.coord.Delete(ctx, []byte("k1"))
	assert.NoError(err)
	_, _, err = c.coord.Get(ctx, []byte("k1"))
	assert.ErrorIs(err, sharding.ErrNotFound)

	counts := c.coord.RequestCounts()
	sum := uint64(0)
	for _, n := range counts {
		sum += n
	}
	assert.Equal(uint64(300+300+1+1+1), sum)
}

func TestRetrySameShard(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B")
	keys := c.keysFor(t, 1)
	key := keys["A"][0]
	assert.NoError(c.stores["A"].Put(ctx, key, []byte("v")))

	flaky := &flakyStore{Store: c.stores["A"]}
	flaky.failures.Store(2)
	c.wrap("A", flaky)

	v, _, err := c.coord.Get(ctx, key)
	assert.NoError(err)
	assert.Equal([]byte("v"), v)
	assert.Equal(uint64(3), c.coord.RequestCounts()["A"])

	// Errors that aren't transient are returned at once
	c.wrap("A", &slowStore{Store: c.stores["A"]})
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = c.coord.Get(cctx, key)
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Equal(uint64(4), c.coord.RequestCounts()["A"])

	// Out of retries
	flaky = &flakyStore{Store: c.stores["A"]}
	flaky.failures.Store(10)
	c.wrap("A", flaky)
	_, _, err = c.coord.Get(ctx, key)
	assert.ErrorIs(err, sharding.ErrShardUnreachable)
}

// moveAllTo returns a hook that publishes a directory where a single shard
// owns every key
func moveAllTo(t *testing.T, c *testCluster, id string) func() {
	once := sync.Once{}
	return func() {
		once.Do(func() {
			cur := c.table.Current()
			next, err := cur.Next([]sharding.Shard{sharding.NewShard(id, "", 1)})
			require.NoError(t, err)
			require.NoError(t, c.table.Publish(next))
		})
	}
}

func TestRetryReResolves(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B")
	keys := c.keysFor(t, 5)
	for _, list := range keys {
		for _, k := range list {
			assert.NoError(c.stores["B"].Put(ctx, k, k))
		}
	}

	flaky := &flakyStore{Store: c.stores["A"], hook: moveAllTo(t, c, "B")}
	flaky.failures.Store(100)
	c.wrap("A", flaky)

	v, route, err := c.coord.Get(ctx, keys["A"][0])
	assert.NoError(err)
	assert.Equal(keys["A"][0], v)
	assert.Equal(uint64(1), c.coord.RequestCounts()["A"], "A isn't retried once the directory has changed")
	assert.Equal(uint64(1), c.table.Current().Version())
	assert.Equal(Route{ShardID: "B", Version: 1}, route, "The route is the one that served the request")
}

func TestFanOutRegroupsAfterPublish(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B", "C")
	keys := c.keysFor(t, 5)
	var all [][]byte
	for _, id := range []string{"A", "B", "C"} {
		for _, k := range keys[id] {
			all = append(all, k)
			assert.NoError(c.stores[id].Put(ctx, k, k))
			// C is the only owner after the publish
			assert.NoError(c.stores["C"].Put(ctx, k, k))
		}
	}

	flaky := &flakyStore{Store: c.stores["A"], hook: moveAllTo(t, c, "C")}
	flaky.failures.Store(100)
	c.wrap("A", flaky)

	res, err := c.coord.MultiGet(ctx, all, FanOutOptions{})
	assert.NoError(err)
	assert.Equal(uint64(0), res.Version)
	for i, k := range all {
		assert.True(res.OK(i))
		assert.Equal(k, res.Values[i])
	}
	assert.Empty(res.ShardErrors)
}

func TestFanOutKeepsCallerOrder(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B", "C", "D")

	var entries []sharding.Entry
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		entries = append(entries, sharding.Entry{Key: k, Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	res, err := c.coord.MultiPut(ctx, entries, FanOutOptions{})
	assert.NoError(err)
	for i := range entries {
		assert.True(res.Values[i])
	}

	keys := make([][]byte, 0, 250)
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	for i := 0; i < 50; i++ {
		keys = append(keys, []byte(fmt.Sprintf("missing-%d", i)))
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	got, err := c.coord.MultiGet(ctx, keys, FanOutOptions{})
	assert.NoError(err)
	assert.Len(got.Values, len(keys))
	for i, k := range keys {
		assert.NoError(got.Errors[i])
		var n int
		if _, err := fmt.Sscanf(string(k), "missing-%d", &n); err == nil {
			assert.Nil(got.Values[i])
			continue
		}
		_, err := fmt.Sscanf(string(k), "key-%d", &n)
		assert.NoError(err)
		assert.Equal(fmt.Sprintf("value-%d", n), string(got.Values[i]))
	}

	empty, err := c.coord.MultiGet(ctx, nil, FanOutOptions{})
	assert.NoError(err)
	assert.Empty(empty.Values)
}

func TestPartialFanOut(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B", "C")
	keys := c.keysFor(t, 1)
	req := [][]byte{keys["A"][0], keys["B"][0], keys["C"][0]}
	for _, id := range []string{"A", "B", "C"} {
		assert.NoError(c.stores[id].Put(ctx, keys[id][0], []byte(id)))
	}
	c.wrap("B", &slowStore{Store: c.stores["B"]})

	start := time.Now()
	res, err := c.coord.MultiGet(ctx, req, FanOutOptions{Timeout: 100 * time.Millisecond})
	assert.Less(time.Since(start), 2*time.Second)

	var partial *PartialFanOutError
	assert.ErrorAs(err, &partial)
	assert.NotErrorIs(err, ErrFanOutFailed)
	assert.Len(partial.Errors, 1)
	assert.ErrorIs(partial.Errors["B"], ErrShardTimeout)
	assert.ErrorIs(err, ErrShardTimeout)

	assert.Equal([]byte("A"), res.Values[0])
	assert.Nil(res.Values[1])
	assert.ErrorIs(res.Errors[1], ErrShardTimeout)
	assert.Equal([]byte("C"), res.Values[2])

	// Any failure fails the request in all-or-nothing mode
	res, err = c.coord.MultiGet(ctx, req, FanOutOptions{Timeout: 50 * time.Millisecond, AllOrNothing: true})
	assert.ErrorIs(err, ErrFanOutFailed)
	assert.ErrorAs(err, &partial)
	for _, v := range res.Values {
		assert.Nil(v)
	}

	// The caller deadline is used when there's no timeout
	dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.coord.MultiGet(dctx, req, FanOutOptions{})
	assert.ErrorIs(err, ErrShardTimeout)
}

func TestFanOutAllShardsFail(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B")
	keys := c.keysFor(t, 2)
	for _, id := range []string{"A", "B"} {
		flaky := &flakyStore{Store: c.stores[id]}
		flaky.failures.Store(100)
		c.wrap(id, flaky)
	}
	req := append(keys["A"], keys["B"]...)
	_, err := c.coord.MultiGet(ctx, req, FanOutOptions{})
	assert.ErrorIs(err, ErrFanOutFailed)
	assert.ErrorIs(err, sharding.ErrShardUnreachable)

	var partial *PartialFanOutError
	assert.True(errors.As(err, &partial))
	assert.Equal(2, partial.Shards)
	assert.Contains(partial.Error(), "2 of 2 shards failed")
}

func TestScanRange(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B", "C")

	dir := c.table.Current()
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		_, err := c.coord.Put(ctx, k, k)
		assert.NoError(err)
		// Copies of entries that are owned by another shard, like the
		// ones left behind during a migration, are ignored
		owner, _ := dir.Locate(k)
		if owner != "A" {
			assert.NoError(c.stores["A"].Put(ctx, k, k))
		}
	}

	res, err := c.coord.ScanRange(ctx, sharding.FullRange(), nil, FanOutOptions{})
	assert.NoError(err)
	assert.Len(res.Entries, 500)
	seen := make(map[string]bool)
	last := uint64(0)
	for _, e := range res.Entries {
		assert.False(seen[string(e.Key)])
		seen[string(e.Key)] = true
		pos := dir.Hash(e.Key) - 1
		assert.GreaterOrEqual(pos, last)
		last = pos
	}

	half := sharding.KeyRange{Start: 0, End: 1 << 63}
	res, err = c.coord.ScanRange(ctx, half, func(e sharding.Entry) bool {
		return e.Key[len(e.Key)-1] == '7'
	}, FanOutOptions{})
	assert.NoError(err)
	assert.NotEmpty(res.Entries)
	for _, e := range res.Entries {
		assert.True(half.Contains(dir.Hash(e.Key)))
		assert.Equal(byte('7'), e.Key[len(e.Key)-1])
	}

	c.mutex.Lock()
	delete(c.stores, "C")
	c.mutex.Unlock()
	res, err = c.coord.ScanRange(ctx, sharding.FullRange(), nil, FanOutOptions{})
	var partial *PartialFanOutError
	assert.ErrorAs(err, &partial)
	assert.ErrorIs(partial.Errors["C"], sharding.ErrShardUnreachable)
	assert.NotEmpty(res.Entries)
}

func TestFanOutPinsVersionUntilShardsReturn(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B")
	keys := c.keysFor(t, 1)
	gate := make(chan struct{})
	c.wrap("B", &stuckStore{Store: c.stores["B"], gate: gate})

	res, err := c.coord.MultiGet(ctx, [][]byte{keys["A"][0], keys["B"][0]}, FanOutOptions{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(err, ErrShardTimeout)
	assert.Equal(uint64(0), res.Version)
	assert.Eventually(func() bool {
		return c.table.Pins(0) == 1
	}, 5*time.Second, time.Millisecond, "The sub-request for B still holds a pin")

	// Push version 0 out of the retention window. It stays reachable until
	// the last sub-request returns.
	for i := 0; i < 3; i++ {
		next, err := c.table.Current().Next(c.table.Current().Shards())
		assert.NoError(err)
		assert.NoError(c.table.Publish(next))
	}
	assert.True(c.table.Reachable(0))

	close(gate)
	assert.Eventually(func() bool {
		return !c.table.Reachable(0)
	}, 5*time.Second, time.Millisecond)

	// Scans pin the version the same way
	scanGate := make(chan struct{})
	c.wrap("A", &stuckScan{Store: c.stores["A"], gate: scanGate})
	_, err = c.coord.ScanRange(ctx, sharding.FullRange(), nil, FanOutOptions{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(err, ErrShardTimeout)
	ver := c.table.Current().Version()
	assert.Eventually(func() bool {
		return c.table.Pins(ver) == 1
	}, 5*time.Second, time.Millisecond)
	close(scanGate)
	assert.Eventually(func() bool {
		return c.table.Pins(ver) == 0
	}, 5*time.Second, time.Millisecond)
}

// stuckScan ignores the context and blocks scans until the gate is opened
type stuckScan struct {
	sharding.Store
	gate chan struct{}
}

func (s *stuckScan) StreamRange(ctx context.Context, r sharding.KeyRange, fn func(sharding.Entry) error) error {
	<-s.gate
	return nil
}

func TestWritesAreMirroredToMigrationTarget(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, "A", "B")
	c.mutex.Lock()
	c.stores["C"] = memstore.New(sharding.MD5Hasher)
	c.mutex.Unlock()

	current := c.table.Current()
	target, err := current.Next(append(current.Shards(), sharding.NewShard("C", "", 1)))
	assert.NoError(err)
	c.table.SetTarget(target)

	var entries []sharding.Entry
	for i := 0; i < 300; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		if i%2 == 0 {
			route, err := c.coord.Put(ctx, k, k)
			assert.NoError(err)
			assert.Equal(uint64(0), route.Version)
		} else {
			entries = append(entries, sharding.Entry{Key: k, Value: k})
		}
	}
	_, err = c.coord.MultiPut(ctx, entries, FanOutOptions{})
	assert.NoError(err)

	moved := 0
	for i := 0; i < 300; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		owner, _ := current.Locate(k)
		dest, _ := target.Locate(k)
		v, err := c.stores[owner].Get(ctx, k)
		assert.NoError(err)
		assert.Equal(k, v)
		v, err = c.stores[dest].Get(ctx, k)
		assert.NoError(err, "%s is on the new owner %s", k, dest)
		assert.Equal(k, v)
		if owner != dest {
			moved++
		}
	}
	assert.Greater(moved, 0)
	assert.Equal(moved, c.stores["C"].Len(), "Only the keys that move are mirrored")

	var key []byte
	for i := 0; key == nil; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		if dest, _ := target.Locate(k); dest == "C" {
			key = k
		}
	}
	_, err = c.coord.Delete(ctx, key)
	assert.NoError(err)
	_, err = c.stores["C"].Get(ctx, key)
	assert.ErrorIs(err, sharding.ErrNotFound, "Deletes are mirrored")

	// A failed mirror fails the write
	c.wrap("C", &brokenStore{Store: c.stores["C"]})
	_, err = c.coord.Put(ctx, key, []byte("new"))
	assert.ErrorIs(err, ErrMirrorFailed)
	res, err := c.coord.MultiPut(ctx, []sharding.Entry{{Key: key, Value: []byte("new")}}, FanOutOptions{})
	assert.ErrorIs(err, ErrMirrorFailed)
	assert.ErrorIs(res.Errors[0], ErrMirrorFailed)

	// Nothing is mirrored once the target is cleared or the request is
	// routed with the target directory itself
	c.wrap("C", c.stores["C"])
	requests := func() uint64 {
		sum := uint64(0)
		for _, n := range c.coord.RequestCounts() {
			sum += n
		}
		return sum
	}
	c.table.ClearTarget(target)
	before := requests()
	_, err = c.coord.Put(ctx, key, []byte("new"))
	assert.NoError(err)
	assert.Equal(before+1, requests())

	c.table.SetTarget(target)
	assert.NoError(c.table.Publish(target))
	before = requests()
	route, err := c.coord.Put(ctx, key, []byte("newer"))
	assert.NoError(err)
	assert.Equal(Route{ShardID: "C", Version: 1}, route)
	assert.Equal(before+1, requests())
	c.table.ClearTarget(target)
	assert.Nil(c.table.Target())
}
