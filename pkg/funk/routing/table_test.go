package routing

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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestDirectory(t *testing.T, version uint64, ids ...string) *sharding.Directory {
	var shards []sharding.Shard
	for _, id := range ids {
		shards = append(shards, sharding.NewShard(id, "", 1))
	}
	dir, err := sharding.NewDirectory(version, shards, 16, "")
	require.NoError(t, err)
	return dir
}

func TestPublishRequiresNextVersion(t *testing.T) {
	assert := require.New(t)

	table := NewTable(newTestDirectory(t, 0, "A"), Parameters{RetainVersions: 2})
	defer table.Close()

	assert.ErrorIs(table.Publish(newTestDirectory(t, 0, "A", "B")), ErrStaleVersion)
	assert.ErrorIs(table.Publish(newTestDirectory(t, 2, "A", "B")), ErrStaleVersion)
	assert.Equal(uint64(0), table.Current().Version())

	published := make(chan uint64, 1)
	table.OnPublish(func(d *sharding.Directory) {
		published <- d.Version()
	})
	assert.NoError(table.Publish(newTestDirectory(t, 1, "A", "B")))
	assert.Equal(uint64(1), table.Current().Version())
	assert.Equal(uint64(1), <-published)

	assert.ErrorIs(table.Publish(newTestDirectory(t, 1, "A", "B", "C")), ErrStaleVersion)
}

// Versions 0, 1 and 2 are published while requests are pinned to version 0.
// Version 0 must be usable until the requests are done and then disappear.
func TestPinnedVersionIsRetainedUntilReleased(t *testing.T) {
	assert := require.New(t)

	table := NewTable(newTestDirectory(t, 0, "A", "B"), Parameters{RetainVersions: 1})
	defer table.Close()

	leases := []*Lease{table.Acquire(), table.Acquire(), table.Acquire()}
	for _, l := range leases {
		assert.Equal(uint64(0), l.Version())
		assert.True(l.Current())
	}
	assert.Equal(3, table.Pins(0))

	assert.NoError(table.Publish(newTestDirectory(t, 1, "A", "B", "C")))
	assert.NoError(table.Publish(newTestDirectory(t, 2, "A", "C")))

	assert.True(table.Reachable(0), "Pinned version must be reachable")
	assert.Equal([]uint64{0, 1, 2}, table.Versions())

	for _, l := range leases {
		assert.False(l.Current())
		id, err := l.Directory().Locate([]byte("some key"))
		assert.NoError(err)
		assert.Contains([]string{"A", "B"}, id)
	}

	gone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gone <- table.WaitUnreachable(ctx, 0)
	}()

	leases[0].Release()
	leases[1].Release()
	leases[1].Release()
	assert.True(table.Reachable(0), "One request is still in flight")

	leases[2].Release()
	assert.NoError(<-gone)
	assert.False(table.Reachable(0))
	assert.Equal([]uint64{1, 2}, table.Versions())

	_, ok := table.AcquireVersion(0)
	assert.False(ok)
	l, ok := table.AcquireVersion(1)
	assert.True(ok)
	l.Release()
}

func TestRetentionWindow(t *testing.T) {
	assert := require.New(t)

	table := NewTable(newTestDirectory(t, 0, "A"), Parameters{RetainVersions: 2})
	defer table.Close()

	for v := uint64(1); v <= 4; v++ {
		assert.NoError(table.Publish(newTestDirectory(t, v, "A")))
	}
	assert.Equal([]uint64{2, 3, 4}, table.Versions())
	_, ok := table.Lookup(1)
	assert.False(ok)
	d, ok := table.Lookup(3)
	assert.True(ok)
	assert.Equal(uint64(3), d.Version())

	// Unknown versions are unreachable
	assert.NoError(table.WaitUnreachable(context.Background(), 1))
	assert.NoError(table.WaitUnreachable(context.Background(), 99))
}

func TestDrainPeriodDiscardsOldVersions(t *testing.T) {
	assert := require.New(t)

	table := NewTable(newTestDirectory(t, 0, "A"), Parameters{RetainVersions: 5, DrainPeriod: 50 * time.Millisecond})
	defer table.Close()

	assert.NoError(table.Publish(newTestDirectory(t, 1, "A", "B")))
	assert.True(table.Reachable(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(table.WaitUnreachable(ctx, 0))
	assert.Equal([]uint64{1}, table.Versions())
}

// Without a drain period the retention window is count based only. With one,
// pinned versions outlive the drain period and are discarded on release.
func TestDrainPeriodInsideRetentionWindow(t *testing.T) {
	assert := require.New(t)

	now := time.Unix(0, 0)
	table := NewTable(newTestDirectory(t, 0, "A"), Parameters{RetainVersions: 2})
	defer table.Close()
	table.now = func() time.Time { return now }

	assert.NoError(table.Publish(newTestDirectory(t, 1, "A", "B")))
	now = now.Add(time.Hour)
	assert.NoError(table.Publish(newTestDirectory(t, 2, "A", "B", "C")))
	assert.Equal([]uint64{0, 1, 2}, table.Versions(), "Versions inside the window stay without a drain period")
	assert.NoError(table.Publish(newTestDirectory(t, 3, "A")))
	assert.Equal([]uint64{1, 2, 3}, table.Versions())

	drained := NewTable(newTestDirectory(t, 0, "A"), Parameters{RetainVersions: 2, DrainPeriod: time.Minute})
	defer drained.Close()
	drained.now = func() time.Time { return now }

	lease := drained.Acquire()
	assert.NoError(drained.Publish(newTestDirectory(t, 1, "A", "B")))
	now = now.Add(2 * time.Minute)
	assert.NoError(drained.Publish(newTestDirectory(t, 2, "A", "B", "C")))
	now = now.Add(2 * time.Minute)
	drained.sweep()
	assert.True(drained.Reachable(0), "Pinned versions survive the drain period")
	assert.False(drained.Reachable(1), "Unpinned versions past the drain period are discarded inside the window")

	lease.Release()
	assert.False(drained.Reachable(0))
	assert.Equal([]uint64{2}, drained.Versions())
}

func TestWaitUnreachableHonoursContext(t *testing.T) {
	assert := require.New(t)

	table := NewTable(newTestDirectory(t, 0, "A"), Parameters{RetainVersions: 2})
	defer table.Close()
	assert.NoError(table.Publish(newTestDirectory(t, 1, "A")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(table.WaitUnreachable(ctx, 0), context.DeadlineExceeded)
}

// Readers running concurrently with publishers should always see a complete
// directory and versions should never go backwards.
func TestConcurrentReadersAndPublisher(t *testing.T) {
	assert := require.New(t)

	table := NewTable(newTestDirectory(t, 0, "A"), Parameters{RetainVersions: 1})
	defer table.Close()

	const versions = 50
	wg := &sync.WaitGroup{}
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint64(0)
			for {
				l := table.Acquire()
				d := l.Directory()
				if d.Version() < last {
					errs <- fmt.Errorf("version went from %d to %d", last, d.Version())
				}
				last = d.Version()
				if d.Size() != int(d.Version()%3)+1 {
					errs <- fmt.Errorf("directory %d has %d shards", d.Version(), d.Size())
				}
				l.Release()
				if last == versions {
					return
				}
			}
		}()
	}
	ids := []string{"A", "B", "C"}
	for v := uint64(1); v <= versions; v++ {
		assert.NoError(table.Publish(newTestDirectory(t, v, ids[:v%3+1]...)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(err)
	}
	assert.Equal([]uint64{versions - 1, versions}, table.Versions())
}
