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
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
)

// ErrStaleVersion is returned when a directory is published with a version
// that doesn't follow the current version.
var ErrStaleVersion = errors.New("stale directory version")

// Default retention settings. The drain period bounds how long a superseded
// version stays reachable even inside the retention window. Migration cleanup
// waits for the source version to become unreachable, so with no drain period
// the source shard keeps its moved ranges until RetainVersions more
// directories have been published.
const (
	DefaultRetainVersions = 2
	DefaultDrainPeriod    = 30 * time.Second
)

// Parameters controls how long superseded directories are kept around.
type Parameters struct {
	RetainVersions int           `kong:"help='Number of superseded directory versions to keep',default='2'"`
	DrainPeriod    time.Duration `kong:"help='Time to keep unpinned superseded directory versions. Versions past the drain period are discarded even inside the RetainVersions window (0 = keep the whole window)',default='30s'"`
}

// discarded is the pin count for a version that has been removed from the
// table. Acquiring a pin on it gives a negative count.
const discarded = math.MinInt64 / 2

type version struct {
	dir          *sharding.Directory
	pins         atomic.Int64
	gone         chan struct{}
	supersededAt time.Time
}

func newVersion(dir *sharding.Directory) *version {
	return &version{dir: dir, gone: make(chan struct{})}
}

// tryPin pins the version unless it has been discarded.
func (v *version) tryPin() bool {
	if v.pins.Add(1) > 0 {
		return true
	}
	v.pins.Add(-1)
	return false
}

// Table holds the current directory and the superseded versions that are
// still reachable. Reading the current directory is a single atomic load.
// Publishing is serialized and only accepts the next version.
type Table struct {
	params   Parameters
	current  atomic.Pointer[version]
	target   atomic.Pointer[sharding.Directory]
	mutex    *sync.Mutex
	versions map[uint64]*version
	hooks    []func(*sharding.Directory)
	timer    *time.Timer
	now      func() time.Time
}

// NewTable creates a new table with an initial directory
func NewTable(initial *sharding.Directory, params Parameters) *Table {
	if params.RetainVersions < 0 {
		params.RetainVersions = 0
	}
	ret := &Table{
		params:   params,
		mutex:    &sync.Mutex{},
		versions: make(map[uint64]*version),
		now:      time.Now,
	}
	v := newVersion(initial)
	ret.versions[initial.Version()] = v
	ret.current.Store(v)
	return ret
}

// Current returns the current directory. It never blocks.
func (t *Table) Current() *sharding.Directory {
	return t.current.Load().dir
}

// SetTarget registers the directory a running migration moves to. Writers
// routed with an older version use it to apply their writes to the new
// owners as well.
func (t *Table) SetTarget(dir *sharding.Directory) {
	t.target.Store(dir)
	log.WithField("version", dir.Version()).Debug("Migration target set")
}

// ClearTarget removes the migration target if it is still the given
// directory.
func (t *Table) ClearTarget(dir *sharding.Directory) {
	if t.target.CompareAndSwap(dir, nil) {
		log.WithField("version", dir.Version()).Debug("Migration target cleared")
	}
}

// Target returns the directory a running migration moves to, or nil if no
// migration is running.
func (t *Table) Target() *sharding.Directory {
	return t.target.Load()
}

// OnPublish adds a function that is called with every new directory after
// it has been published. Hooks are called outside the table lock.
func (t *Table) OnPublish(hook func(*sharding.Directory)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.hooks = append(t.hooks, hook)
}

// Publish makes a new directory the current one. The version must be exactly
// one more than the current version. Readers see either the old or the new
// directory, never a mix of the two.
func (t *Table) Publish(next *sharding.Directory) error {
	t.mutex.Lock()
	cur := t.current.Load()
	if next.Version() != cur.dir.Version()+1 {
		t.mutex.Unlock()
		return fmt.Errorf("%w: current version is %d, published version is %d", ErrStaleVersion, cur.dir.Version(), next.Version())
	}
	nv := newVersion(next)
	t.versions[next.Version()] = nv
	cur.supersededAt = t.now()
	t.current.Store(nv)
	hooks := make([]func(*sharding.Directory), len(t.hooks))
	copy(hooks, t.hooks)
	t.sweepLocked()
	t.mutex.Unlock()

	log.WithFields(log.Fields{
		"version": next.Version(),
		"shards":  next.Size(),
	}).Info("Published directory")

	for _, hook := range hooks {
		hook(next)
	}
	return nil
}

// Lease pins a directory version while a request is in flight. A pinned
// version stays reachable until it is released.
type Lease struct {
	v     *version
	table *Table
	once  sync.Once
}

// Directory returns the pinned directory
func (l *Lease) Directory() *sharding.Directory {
	return l.v.dir
}

// Version returns the pinned version
func (l *Lease) Version() uint64 {
	return l.v.dir.Version()
}

// Current returns true if the pinned version is still the current version
func (l *Lease) Current() bool {
	return l.table.current.Load() == l.v
}

// Release releases the pin. It is safe to call Release more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.v.pins.Add(-1) == 0 && !l.Current() {
			l.table.sweep()
		}
	})
}

// Clone adds another pin on the same version. The lease must not have been
// released. Each clone is released on its own, which lets goroutines that
// may outlive the original lease keep the version reachable.
func (l *Lease) Clone() *Lease {
	l.v.pins.Add(1)
	return &Lease{v: l.v, table: l.table}
}

// Acquire pins the current directory.
func (t *Table) Acquire() *Lease {
	for {
		v := t.current.Load()
		if v.tryPin() {
			return &Lease{v: v, table: t}
		}
	}
}

// AcquireVersion pins a specific version if it is still reachable.
func (t *Table) AcquireVersion(ver uint64) (*Lease, bool) {
	t.mutex.Lock()
	v, ok := t.versions[ver]
	t.mutex.Unlock()
	if !ok || !v.tryPin() {
		return nil, false
	}
	return &Lease{v: v, table: t}, true
}

// Lookup returns a reachable directory version
func (t *Table) Lookup(ver uint64) (*sharding.Directory, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	v, ok := t.versions[ver]
	if !ok {
		return nil, false
	}
	return v.dir, true
}

// Reachable returns true if the version can still be used for requests
func (t *Table) Reachable(ver uint64) bool {
	_, ok := t.Lookup(ver)
	return ok
}

// Versions returns the reachable versions in ascending order
func (t *Table) Versions() []uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	ret := make([]uint64, 0, len(t.versions))
	for k := range t.versions {
		ret = append(ret, k)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Pins returns the number of in-flight requests using a version
func (t *Table) Pins(ver uint64) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	v, ok := t.versions[ver]
	if !ok {
		return 0
	}
	return int(v.pins.Load())
}

// WaitUnreachable blocks until the version has been discarded or the
// context is done. Versions that are unknown are treated as unreachable.
func (t *Table) WaitUnreachable(ctx context.Context, ver uint64) error {
	t.mutex.Lock()
	v, ok := t.versions[ver]
	t.mutex.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-v.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the background sweep timer
func (t *Table) Close() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Table) sweep() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.sweepLocked()
}

// sweepLocked discards superseded versions that are outside the retention
// window and not pinned. If a version is kept only because of the drain
// period a timer is set for the next sweep.
func (t *Table) sweepLocked() {
	cur := t.current.Load()
	now := t.now()
	var nextExpiry time.Duration
	for ver, v := range t.versions {
		if v == cur {
			continue
		}
		expired := cur.dir.Version()-ver > uint64(t.params.RetainVersions)
		if !expired && t.params.DrainPeriod > 0 {
			age := now.Sub(v.supersededAt)
			if age >= t.params.DrainPeriod {
				expired = true
			} else if remaining := t.params.DrainPeriod - age; nextExpiry == 0 || remaining < nextExpiry {
				nextExpiry = remaining
			}
		}
		if !expired {
			continue
		}
		if !v.pins.CompareAndSwap(0, discarded) {
			// Still in use. The last lease to be released will sweep again.
			continue
		}
		delete(t.versions, ver)
		close(v.gone)
		log.WithField("version", ver).Debug("Discarded directory version")
	}
	if nextExpiry > 0 {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.timer = time.AfterFunc(nextExpiry, t.sweep)
	}
}
