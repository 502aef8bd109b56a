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
	"sync"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/hotspot"
	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
)

// EventKind is the type of router event
type EventKind string

// Router events
const (
	// DirectoryPublished is emitted when a new directory version is published
	DirectoryPublished EventKind = "directory"
	// MigrationChanged is emitted when a migration plan changes state
	MigrationChanged EventKind = "migration"
	// HotspotDetected is emitted when the hotspot monitor requests a rebalance
	HotspotDetected EventKind = "hotspot"
	// HealthChanged is emitted when the health of a shard changes
	HealthChanged EventKind = "health"
)

// Event is a router event. The fields that are set depend on the kind.
type Event struct {
	Kind      EventKind                 `json:"kind"`
	Timestamp time.Time                 `json:"timestamp"`
	Version   uint64                    `json:"version"`
	Shards    int                       `json:"shards,omitempty"`
	ShardID   string                    `json:"shardId,omitempty"`
	Health    *sharding.HealthState     `json:"health,omitempty"`
	Plan      *rebalance.PlanStatus     `json:"plan,omitempty"`
	Hotspot   *hotspot.RebalanceRequest `json:"hotspot,omitempty"`
}

// eventBufferSize is the number of events buffered per observer
const eventBufferSize = 32

// eventObserver distributes events to observers. Observers that don't keep
// up lose events rather than blocking the router.
type eventObserver struct {
	mutex       *sync.Mutex
	subscribers []chan Event
	closed      bool
}

func newEventObserver() *eventObserver {
	return &eventObserver{
		mutex:       &sync.Mutex{},
		subscribers: make([]chan Event, 0),
	}
}

// Observe returns a channel with router events. The channel is closed when
// the router stops.
func (e *eventObserver) Observe() <-chan Event {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	ret := make(chan Event, eventBufferSize)
	if e.closed {
		close(ret)
		return ret
	}
	e.subscribers = append(e.subscribers, ret)
	return ret
}

// Unobserve closes and removes an event channel
func (e *eventObserver) Unobserve(ch <-chan Event) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i, v := range e.subscribers {
		if v == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			close(v)
			return
		}
	}
}

func (e *eventObserver) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, v := range e.subscribers {
		select {
		case v <- ev:
		default:
			log.WithField("kind", ev.Kind).Debug("Event observer is full, dropping event")
		}
	}
}

func (e *eventObserver) shutdown() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, v := range e.subscribers {
		close(v)
	}
	e.subscribers = make([]chan Event, 0)
	e.closed = true
}
