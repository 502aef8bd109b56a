package funk

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
	"sort"
	"sync"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/hotspot"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// probeResult is the result of a health check for a single shard
type probeResult struct {
	id     string
	report sharding.HealthReport
	err    error
}

// prober samples the load and checks the health of every shard in the
// current directory. The failure counter for a shard counts up on every
// failed check and is reset on success. When it reaches the limit the
// shard is marked as unreachable.
type prober struct {
	router     *Router
	mutex      *sync.Mutex
	failures   map[string]int
	lastCounts map[string]uint64
	lastProbe  time.Time
	now        func() time.Time
}

func newProber(r *Router) *prober {
	return &prober{
		router:     r,
		mutex:      &sync.Mutex{},
		failures:   make(map[string]int),
		lastCounts: make(map[string]uint64),
		now:        time.Now,
	}
}

func (p *prober) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// check runs the health checks concurrently
func (p *prober) check(ctx context.Context, dir *sharding.Directory) []probeResult {
	shards := dir.Shards()
	ret := make([]probeResult, len(shards))
	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			ret[i].id = shard.ID
			store, err := p.router.resolver.Store(shard)
			if err != nil {
				ret[i].err = err
				return nil
			}
			hctx, cancel := context.WithTimeout(ctx, p.router.params.HealthTimeout)
			defer cancel()
			ret[i].report, ret[i].err = store.Health(hctx)
			return nil
		})
	}
	_ = g.Wait()
	return ret
}

// probe takes one load sample per shard and updates the health states.
func (p *prober) probe(ctx context.Context) {
	dir := p.router.table.Current()
	results := p.check(ctx, dir)
	if ctx.Err() != nil {
		return
	}

	p.mutex.Lock()
	now := p.now()
	counts := p.router.coordinator.RequestCounts()
	elapsed := now.Sub(p.lastProbe).Seconds()
	first := p.lastProbe.IsZero()
	p.lastProbe = now

	changes := make(map[string]sharding.HealthState)
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		seen[res.id] = true
		rate := 0.0
		if !first && elapsed > 0 {
			rate = float64(counts[res.id]-p.lastCounts[res.id]) / elapsed
		}
		p.lastCounts[res.id] = counts[res.id]

		shard, _ := dir.Shard(res.id)
		state := shard.Health
		if res.err != nil {
			p.failures[res.id]++
			if p.failures[res.id] >= p.router.params.HealthFailures {
				state = sharding.Unreachable
			}
			log.WithError(res.err).WithFields(log.Fields{
				"shard":    res.id,
				"failures": p.failures[res.id],
			}).Debug("Health check failed")
		} else {
			p.failures[res.id] = 0
			state = res.report.State
		}
		if state != shard.Health {
			changes[res.id] = state
		}
		if first {
			continue
		}
		p.router.monitor.Record(res.id, hotspot.LoadSample{
			ShardID:      res.id,
			Timestamp:    now,
			RequestRate:  rate,
			StorageBytes: res.report.StorageBytes,
		})
	}
	for id := range p.failures {
		if !seen[id] {
			delete(p.failures, id)
			delete(p.lastCounts, id)
		}
	}
	p.mutex.Unlock()

	snapshot := p.router.monitor.Snapshot()
	p.router.sink.SetImbalance(snapshot.Score)
	for _, l := range snapshot.Shards {
		p.router.sink.SetShardLoad(l.ShardID, l.Normalized)
	}
	p.applyHealth(changes)
}

// applyHealth publishes a new directory version for each health change.
// Changes are deferred while a migration is running; the migration would
// have to be planned again otherwise. The next probe retries them.
func (p *prober) applyHealth(changes map[string]sharding.HealthState) {
	if len(changes) == 0 {
		return
	}
	if active, ok := p.router.rebalancer.Active(); ok {
		log.WithField("plan", active.ID).Debug("Health changes deferred until the migration completes")
		return
	}
	for _, id := range sortedKeys(changes) {
		state := changes[id]
		next, err := p.router.table.Current().WithHealth(id, state)
		if err != nil {
			// The shard has been removed
			continue
		}
		if err := p.router.table.Publish(next); err != nil {
			if !errors.Is(err, routing.ErrStaleVersion) {
				log.WithError(err).Warning("Unable to publish health change")
			}
			return
		}
		log.WithFields(log.Fields{
			"shard":   id,
			"health":  state.String(),
			"version": next.Version(),
		}).Info("Shard health changed")
		p.router.events.publish(Event{
			Kind:    HealthChanged,
			Version: next.Version(),
			ShardID: id,
			Health:  &state,
		})
	}
}

func sortedKeys[T any](m map[string]T) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
