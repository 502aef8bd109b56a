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
	"sync"

	"github.com/lab5e/ringfunk/pkg/funk/coordinator"
	"github.com/lab5e/ringfunk/pkg/funk/hotspot"
	"github.com/lab5e/ringfunk/pkg/funk/metrics"
	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
)

// ErrAlreadyStarted is returned when Start is called on a running router
var ErrAlreadyStarted = errors.New("router is already started")

// directorySyncer is implemented by resolvers that cache per-shard state,
// like the gRPC connection pool.
type directorySyncer interface {
	Sync(dir *sharding.Directory)
}

// Router wires the routing table, the hotspot monitor, the rebalancer and
// the query coordinator together. It runs the load sampler, the health
// checker and the hotspot trigger in the background.
type Router struct {
	params      Parameters
	table       *routing.Table
	store       *routing.DirectoryStore
	monitor     *hotspot.Monitor
	rebalancer  *rebalance.Rebalancer
	coordinator *coordinator.Coordinator
	resolver    sharding.Resolver
	sink        metrics.Sink
	events      *eventObserver
	probe       *prober
	mutex       *sync.Mutex
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
}

// NewRouter creates a router. If the parameters name a directory store the
// router resumes from the directory saved there, otherwise the first
// directory is built from the topology.
func NewRouter(params Parameters, topology Topology, resolver sharding.Resolver) (*Router, error) {
	var store *routing.DirectoryStore
	if params.DirectoryStore != "" {
		var err error
		if store, err = routing.OpenDirectoryStore(params.DirectoryStore); err != nil {
			return nil, err
		}
	}
	ret, err := NewRouterWithStore(params, topology, resolver, store)
	if err != nil && store != nil {
		store.Close()
	}
	return ret, err
}

// NewRouterWithStore creates a router with an existing directory store. The
// store can be nil. The router closes the store when it stops.
func NewRouterWithStore(params Parameters, topology Topology, resolver sharding.Resolver, store *routing.DirectoryStore) (*Router, error) {
	params.Final()

	var dir *sharding.Directory
	if store != nil {
		var err error
		if dir, err = store.Load(); err != nil {
			return nil, err
		}
		if dir != nil {
			log.WithFields(log.Fields{
				"version": dir.Version(),
				"shards":  dir.Size(),
			}).Info("Resuming from stored directory")
		}
	}
	if dir == nil {
		var err error
		if dir, err = topology.Directory(params.Replicas, params.Hash); err != nil {
			return nil, err
		}
		if store != nil {
			if err := store.Save(dir); err != nil {
				return nil, err
			}
		}
	}

	sink := metrics.NewSinkFromString(params.Metrics, params.NodeID)
	ret := &Router{
		params:   params,
		table:    routing.NewTable(dir, params.Routing),
		store:    store,
		monitor:  hotspot.NewMonitor(params.Hotspot),
		resolver: resolver,
		sink:     sink,
		events:   newEventObserver(),
		mutex:    &sync.Mutex{},
		wg:       &sync.WaitGroup{},
	}
	ret.rebalancer = rebalance.New(ret.table, resolver, params.Rebalance, sink)
	ret.coordinator = coordinator.New(ret.table, resolver, params.Coordinator, sink)
	ret.probe = newProber(ret)

	ret.onPublish(dir)
	if store != nil {
		ret.table.OnPublish(store.Persist)
	}
	ret.table.OnPublish(ret.onPublish)
	ret.rebalancer.OnChange(func(status rebalance.PlanStatus) {
		ret.events.publish(Event{
			Kind:    MigrationChanged,
			Version: status.SourceVersion,
			Plan:    &status,
		})
	})
	return ret, nil
}

// onPublish updates the components that depend on the current directory
func (r *Router) onPublish(dir *sharding.Directory) {
	r.monitor.Sync(dir)
	if s, ok := r.resolver.(directorySyncer); ok {
		s.Sync(dir)
	}
	r.sink.SetDirectoryVersion(dir.Version())
	r.sink.SetShardCount(dir.Size())
	r.events.publish(Event{
		Kind:    DirectoryPublished,
		Version: dir.Version(),
		Shards:  dir.Size(),
	})
}

// Start launches the background loops. They run until the context is done
// or Stop is called.
func (r *Router) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.probe.run(ctx, r.params.SampleInterval)
	}()
	go func() {
		defer r.wg.Done()
		r.monitor.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.hotspotLoop(ctx)
	}()
	log.WithFields(log.Fields{
		"nodeId":        r.params.NodeID,
		"version":       r.table.Current().Version(),
		"autoRebalance": r.params.AutoRebalance,
	}).Info("Router started")
	return nil
}

// hotspotLoop forwards rebalance requests from the monitor to the
// rebalancer when auto rebalancing is enabled.
func (r *Router) hotspotLoop(ctx context.Context) {
	for {
		select {
		case req := <-r.monitor.Requests():
			r.events.publish(Event{
				Kind:    HotspotDetected,
				Version: req.Version,
				ShardID: req.HotShard,
				Hotspot: &req,
			})
			if !r.params.AutoRebalance {
				log.WithField("hotShard", req.HotShard).Info("Hotspot detected, auto rebalance is disabled")
				continue
			}
			id, err := r.rebalancer.HandleHotspot(req)
			switch {
			case err == nil:
				log.WithFields(log.Fields{
					"planId":   id,
					"hotShard": req.HotShard,
				}).Info("Started hotspot rebalance")
			case errors.Is(err, rebalance.ErrRebalanceInProgress), errors.Is(err, rebalance.ErrNoChange), errors.Is(err, routing.ErrStaleVersion):
				log.WithError(err).Debug("Skipped hotspot rebalance")
			default:
				log.WithError(err).Warning("Unable to start hotspot rebalance")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the background loops and the rebalancer. Running migrations
// are cancelled.
func (r *Router) Stop() {
	r.mutex.Lock()
	cancel := r.cancel
	r.cancel = func() {}
	r.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.rebalancer.Close()
	r.table.Close()
	r.events.shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			log.WithError(err).Warning("Unable to close directory store")
		}
	}
	log.WithField("nodeId", r.params.NodeID).Info("Router stopped")
}

// NodeID returns the router's node ID
func (r *Router) NodeID() string {
	return r.params.NodeID
}

// Directory returns the current directory
func (r *Router) Directory() *sharding.Directory {
	return r.table.Current()
}

// Table returns the routing table
func (r *Router) Table() *routing.Table {
	return r.table
}

// Coordinator returns the query coordinator
func (r *Router) Coordinator() *coordinator.Coordinator {
	return r.coordinator
}

// Rebalancer returns the rebalancer
func (r *Router) Rebalancer() *rebalance.Rebalancer {
	return r.rebalancer
}

// Monitor returns the hotspot monitor
func (r *Router) Monitor() *hotspot.Monitor {
	return r.monitor
}

// Observe returns a channel with router events. Slow readers lose events.
func (r *Router) Observe() <-chan Event {
	return r.events.Observe()
}

// Unobserve stops the events on a channel returned by Observe
func (r *Router) Unobserve(ch <-chan Event) {
	r.events.Unobserve(ch)
}
