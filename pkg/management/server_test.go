package management

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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk"
	"github.com/lab5e/ringfunk/pkg/funk/metrics"
	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/memstore"
	"github.com/stretchr/testify/require"
)

type memShards struct {
	mutex  sync.Mutex
	stores map[string]*memstore.Store
	onPut  func()
}

func (m *memShards) Store(shard sharding.Shard) (sharding.Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stores == nil {
		m.stores = make(map[string]*memstore.Store)
	}
	s, ok := m.stores[shard.ID]
	if !ok {
		s = memstore.New(sharding.MD5Hasher)
		m.stores[shard.ID] = s
	}
	if m.onPut != nil {
		return &hookStore{Store: s, hook: m.onPut}, nil
	}
	return s, nil
}

func (m *memShards) setOnPut(hook func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onPut = hook
}

// hookStore calls a function before every write
type hookStore struct {
	sharding.Store
	hook func()
}

func (h *hookStore) Put(ctx context.Context, key, value []byte) error {
	h.hook()
	return h.Store.Put(ctx, key, value)
}

// newTestServer launches a router with three in-memory shards and a test
// HTTP server in front of it.
func newTestServer(t *testing.T) (*funk.Router, *Client) {
	return newTestServerWith(t, &memShards{})
}

func newTestServerWith(t *testing.T, shards *memShards) (*funk.Router, *Client) {
	params := funk.DefaultParameters()
	params.NodeID = "test"
	params.Metrics = metrics.NoSink
	params.Management.Endpoint = "localhost:0"
	params.Routing = routing.Parameters{}
	params.Rebalance.RetryBackoff = time.Millisecond
	params.SampleInterval = time.Hour
	params.Hotspot.Interval = time.Hour

	topology := funk.Topology{}
	for _, id := range []string{"A", "B", "C"} {
		topology.Shards = append(topology.Shards, sharding.NewShard(id, "", 1))
	}
	router, err := funk.NewRouter(params, topology, shards)
	require.NoError(t, err)
	require.NoError(t, router.Start(context.Background()))

	srv := httptest.NewServer(NewServer(router, "").Handler())
	t.Cleanup(func() {
		router.Stop()
		srv.Close()
	})
	return router, NewClient(srv.URL)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func TestStatusAndDirectory(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	_, client := newTestServer(t)

	status, err := client.Status(ctx)
	assert.NoError(err)
	assert.Equal("ok", status.Status)
	assert.Equal("test", status.NodeID)
	assert.Equal(3, status.Shards)
	assert.Empty(status.ActiveMigration)

	dir, err := client.Directory(ctx)
	assert.NoError(err)
	assert.Equal(uint64(0), dir.Version)
	assert.Equal(sharding.HashMD5, dir.Hash)
	assert.Len(dir.Shards, 3)
	assert.Equal([]uint64{0}, dir.Reachable)
	owned := 0.0
	for _, s := range dir.Shards {
		assert.Equal(sharding.Healthy, s.Health)
		assert.Equal(dir.Replicas, s.VirtualNodes)
		owned += s.Owned
	}
	assert.InDelta(1.0, owned, 1e-9)
	assert.Equal(3*dir.Replicas, dir.VirtualNodes)
}

func TestKeyValue(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	router, client := newTestServer(t)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key/%d", i)
		route, err := client.Put(ctx, key, []byte("v"+key))
		assert.NoError(err)
		owner, _ := router.Directory().Locate([]byte(key))
		assert.Equal(owner, route.ShardID, "Put is routed to the owner")
	}
	v, route, err := client.Get(ctx, "key/7")
	assert.NoError(err)
	assert.Equal([]byte("vkey/7"), v)
	assert.Equal(uint64(0), route.Version)
	assert.NotEmpty(route.ShardID)

	route, err = client.Delete(ctx, "key/7")
	assert.NoError(err)
	owner, _ := router.Directory().Locate([]byte("key/7"))
	assert.Equal(owner, route.ShardID)
	_, _, err = client.Get(ctx, "key/7")
	assert.Equal(http.StatusNotFound, statusOf(err))

	res, err := client.MultiGet(ctx, MultiGetRequest{Keys: []string{"key/1", "key/7", "key/2"}})
	assert.NoError(err)
	assert.False(res.Partial)
	assert.Len(res.Results, 3)
	assert.Equal("key/1", res.Results[0].Key)
	assert.True(res.Results[0].Found)
	assert.Equal([]byte("vkey/1"), res.Results[0].Value)
	assert.False(res.Results[1].Found)
	assert.True(res.Results[2].Found)

	counts := router.Coordinator().RequestCounts()
	total := uint64(0)
	for _, c := range counts {
		total += c
	}
	assert.GreaterOrEqual(total, uint64(53))
}

func TestRouteHeadersAreFromTheServingRequest(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	shards := &memShards{}
	router, client := newTestServerWith(t, shards)

	// A new directory is published while the write is being served
	once := sync.Once{}
	var publishErr error
	shards.setOnPut(func() {
		once.Do(func() {
			next, err := router.Directory().WithHealth("A", sharding.Degraded)
			if err == nil {
				err = router.Table().Publish(next)
			}
			publishErr = err
		})
	})
	route, err := client.Put(ctx, "key", []byte("value"))
	assert.NoError(err)
	assert.NoError(publishErr)
	assert.Equal(uint64(1), router.Directory().Version())
	assert.Equal(uint64(0), route.Version, "The version is the one the write was routed with")
	owner, _ := router.Directory().Locate([]byte("key"))
	assert.Equal(owner, route.ShardID)

	_, err = client.ReweightShard(ctx, "A", sharding.MaxWeight+1)
	assert.Equal(http.StatusBadRequest, statusOf(err))
}

func TestShardAdministration(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	router, client := newTestServer(t)

	_, err := client.AddShard(ctx, sharding.NewShard("A", "", 1))
	assert.Equal(http.StatusConflict, statusOf(err))
	_, err = client.ReweightShard(ctx, "A", 0)
	assert.Equal(http.StatusBadRequest, statusOf(err))
	_, err = client.RemoveShard(ctx, "X")
	assert.Equal(http.StatusNotFound, statusOf(err))
	_, err = client.Migration(ctx, "unknown")
	assert.Equal(http.StatusNotFound, statusOf(err))

	id, err := client.AddShard(ctx, sharding.Shard{ID: "D"})
	assert.NoError(err)
	assert.NotEmpty(id)

	wctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	_, err = router.Rebalancer().Wait(wctx, id)
	assert.NoError(err)

	status, err := client.Migration(ctx, id)
	assert.NoError(err)
	assert.Equal(rebalance.Done, status.State)
	assert.Equal(uint64(1), status.TargetVersion)

	_, err = client.Abort(ctx, id)
	assert.Equal(http.StatusConflict, statusOf(err), "Finished plans can't be aborted")

	plans, err := client.Migrations(ctx)
	assert.NoError(err)
	assert.Len(plans, 1)

	dir, err := client.Directory(ctx)
	assert.NoError(err)
	assert.Equal(uint64(1), dir.Version)
	assert.Len(dir.Shards, 4)
	for _, s := range dir.Shards {
		if s.ID == "D" {
			assert.Equal(1, s.Weight, "Weight defaults to 1")
			assert.Equal(uint64(1), s.Epoch)
		}
	}

	snap, err := client.Hotspots(ctx)
	assert.NoError(err)
	assert.Len(snap.Shards, 4)
}

func TestEvents(t *testing.T) {
	assert := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, client := newTestServer(t)

	first := make(chan funk.Event, 1)
	done := make(chan funk.Event, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Events(ctx, func(ev funk.Event) error {
			select {
			case first <- ev:
			default:
			}
			if ev.Kind == funk.MigrationChanged && ev.Plan != nil && ev.Plan.State == rebalance.Done {
				select {
				case done <- ev:
				default:
				}
				cancel()
			}
			return nil
		})
	}()

	ev := <-first
	assert.Equal(funk.DirectoryPublished, ev.Kind)
	assert.Equal(3, ev.Shards)

	// The subscription is registered once the preset event is written
	id, err := client.RemoveShard(ctx, "C")
	assert.NoError(err)

	select {
	case ev := <-done:
		assert.Equal(id, ev.Plan.ID)
	case <-time.After(20 * time.Second):
		assert.Fail("No migration event")
	}
	assert.ErrorIs(<-errCh, context.Canceled)
}

func TestServerStartStop(t *testing.T) {
	assert := require.New(t)

	router, _ := newTestServer(t)
	srv := NewServer(router, "localhost:0")
	assert.NoError(srv.Start())
	assert.NotEqual("localhost:0", srv.Endpoint())

	status, err := NewClient(srv.Endpoint()).Status(context.Background())
	assert.NoError(err)
	assert.Equal("ok", status.Status)

	assert.NoError(srv.Stop())
	assert.NoError(srv.Stop())
}
