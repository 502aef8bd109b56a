package hotspot

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
	"math"
	"sync"
	"time"

	"github.com/aclements/go-moremath/stats"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
)

// Parameters for the hotspot monitor.
type Parameters struct {
	Threshold       float64       `kong:"help='Imbalance score that triggers a rebalance',default='2.0'"`
	Dwell           time.Duration `kong:"help='Time the imbalance must persist before a rebalance is requested',default='60s'"`
	WindowSize      int           `kong:"help='Number of samples kept per shard',default='500'"`
	WindowAge       time.Duration `kong:"help='Maximum age of samples',default='5m'"`
	Interval        time.Duration `kong:"help='Evaluation interval',default='5s'"`
	MaxWeightFactor int           `kong:"help='Maximum weight change factor for suggested weights',default='4'"`
}

// DefaultParameters returns the default monitor parameters
func DefaultParameters() Parameters {
	return Parameters{
		Threshold:       2.0,
		Dwell:           60 * time.Second,
		WindowSize:      500,
		WindowAge:       5 * time.Minute,
		Interval:        5 * time.Second,
		MaxWeightFactor: 4,
	}
}

// ShardLoad is the observed load for a single shard
type ShardLoad struct {
	ShardID      string  `json:"shardId"`
	Weight       int     `json:"weight"`
	Samples      int     `json:"samples"`
	Rate         float64 `json:"rate"`
	SmoothedRate float64 `json:"smoothedRate"`
	StorageBytes uint64  `json:"storageBytes"`
	Normalized   float64 `json:"normalized"`
}

// Snapshot is the state of the monitor at a point in time
type Snapshot struct {
	Timestamp     time.Time   `json:"timestamp"`
	Score         float64     `json:"score"`
	Threshold     float64     `json:"threshold"`
	BreachedSince time.Time   `json:"breachedSince,omitempty"`
	Shards        []ShardLoad `json:"shards"`
}

// RebalanceRequest is emitted when the load has been imbalanced for longer
// than the dwell time. The weights are suggestions; the monitor never
// changes the directory itself.
type RebalanceRequest struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   uint64         `json:"version"`
	HotShard  string         `json:"hotShard"`
	Score     float64        `json:"score"`
	Weights   map[string]int `json:"weights"`
}

// Monitor tracks the load for each shard and detects imbalances.
type Monitor struct {
	params      Parameters
	mutex       *sync.Mutex
	windows     map[string]*window
	weights     map[string]int
	order       []string
	version     uint64
	breachSince time.Time
	requests    chan RebalanceRequest
	now         func() time.Time
}

// NewMonitor creates a new monitor. Zero values in the parameters are
// replaced by the defaults.
func NewMonitor(params Parameters) *Monitor {
	def := DefaultParameters()
	if params.Threshold <= 0 {
		params.Threshold = def.Threshold
	}
	if params.WindowSize < 1 {
		params.WindowSize = def.WindowSize
	}
	if params.WindowAge <= 0 {
		params.WindowAge = def.WindowAge
	}
	if params.Interval <= 0 {
		params.Interval = def.Interval
	}
	if params.MaxWeightFactor < 1 {
		params.MaxWeightFactor = def.MaxWeightFactor
	}
	return &Monitor{
		params:   params,
		mutex:    &sync.Mutex{},
		windows:  make(map[string]*window),
		weights:  make(map[string]int),
		requests: make(chan RebalanceRequest, 1),
		now:      time.Now,
	}
}

// Sync updates the declared weights from a directory. Samples for shards
// that are no longer in the directory are dropped. A change in weights or
// shards resets the dwell timer.
func (m *Monitor) Sync(dir *sharding.Directory) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	weights := make(map[string]int, dir.Size())
	changed := len(m.weights) != dir.Size()
	for _, s := range dir.Shards() {
		weights[s.ID] = s.Weight
		if m.weights[s.ID] != s.Weight {
			changed = true
		}
	}
	if changed {
		// The ring has changed so the dwell time starts over
		m.breachSince = time.Time{}
	}
	m.weights = weights
	m.order = dir.ShardIDs()
	m.version = dir.Version()
	for id := range m.windows {
		if _, ok := m.weights[id]; !ok {
			delete(m.windows, id)
		}
	}
}

// Record adds a sample for a shard. Samples for shards that aren't in the
// directory yet are kept and used once the shard shows up.
func (m *Monitor) Record(shardID string, sample LoadSample) {
	sample.ShardID = shardID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	w, ok := m.windows[shardID]
	if !ok {
		w = newWindow(m.params.WindowSize)
		m.windows[shardID] = w
	}
	w.add(sample)
}

// loadsLocked computes the load for every shard in the directory.
func (m *Monitor) loadsLocked(now time.Time) []ShardLoad {
	cutoff := now.Add(-m.params.WindowAge)
	ret := make([]ShardLoad, 0, len(m.order))
	for _, id := range m.order {
		load := ShardLoad{ShardID: id, Weight: m.weights[id]}
		if w, ok := m.windows[id]; ok {
			rates := w.rates(cutoff)
			load.Samples = len(rates)
			if len(rates) > 0 {
				load.Rate = stats.Mean(rates)
			}
			load.SmoothedRate = w.ema.Average()
			if s, ok := w.latest(); ok {
				load.StorageBytes = s.StorageBytes
			}
		}
		if load.Weight > 0 {
			load.Normalized = load.Rate / float64(load.Weight)
		}
		ret = append(ret, load)
	}
	return ret
}

// score is the ratio between the highest and the mean normalized load. An
// idle cluster has a score of 0.
func score(loads []ShardLoad) float64 {
	if len(loads) == 0 {
		return 0
	}
	normalized := make([]float64, len(loads))
	for i, l := range loads {
		normalized[i] = l.Normalized
	}
	mean := stats.Mean(normalized)
	if mean <= 0 {
		return 0
	}
	_, max := stats.Bounds(normalized)
	return max / mean
}

// ImbalanceScore returns the current imbalance score
func (m *Monitor) ImbalanceScore() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return score(m.loadsLocked(m.now()))
}

// Snapshot returns the current load for all shards
func (m *Monitor) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := m.now()
	loads := m.loadsLocked(now)
	return Snapshot{
		Timestamp:     now,
		Score:         score(loads),
		Threshold:     m.params.Threshold,
		BreachedSince: m.breachSince,
		Shards:        loads,
	}
}

// Requests returns the channel for rebalance requests. The channel holds a
// single request; if nobody reads it newer requests are dropped.
func (m *Monitor) Requests() <-chan RebalanceRequest {
	return m.requests
}

// ShouldRebalance checks if the imbalance score has been above the threshold
// for the dwell time. When it returns true a rebalance request is emitted and
// the dwell timer restarts. The timer also restarts when the imbalance can't
// be improved by changing the weights.
func (m *Monitor) ShouldRebalance() bool {
	m.mutex.Lock()
	now := m.now()
	loads := m.loadsLocked(now)
	current := score(loads)
	if current <= m.params.Threshold {
		m.breachSince = time.Time{}
		m.mutex.Unlock()
		return false
	}
	if m.breachSince.IsZero() {
		m.breachSince = now
		log.WithFields(log.Fields{
			"score":     current,
			"threshold": m.params.Threshold,
		}).Info("Load imbalance detected")
	}
	if now.Sub(m.breachSince) < m.params.Dwell {
		m.mutex.Unlock()
		return false
	}
	req, ok := m.suggestLocked(loads, current, now)
	m.breachSince = now
	m.mutex.Unlock()

	if !ok {
		log.WithFields(log.Fields{
			"score":    req.Score,
			"hotShard": req.HotShard,
		}).Info("Load is imbalanced but new weights won't improve it")
		return false
	}

	select {
	case m.requests <- req:
		log.WithFields(log.Fields{
			"score":    req.Score,
			"hotShard": req.HotShard,
		}).Info("Requested rebalance")
	default:
		log.WithField("score", req.Score).Warning("Rebalance request dropped, previous request not handled")
	}
	return true
}

// suggestLocked builds a rebalance request with weights that would even out
// the normalized load. Each weight is scaled by mean/normalized, limited to
// MaxWeightFactor in both directions. The set is then scaled to the current
// total weight, or MaxWeightFactor per shard if that is larger so small
// weights can move, and each weight is clamped to [1, sharding.MaxWeight].
//
// The suggestion is only useful if it lowers the hot shard's share of the
// total weight. If it doesn't, ie nothing changes or the hot shard is
// already at the minimum, false is returned.
func (m *Monitor) suggestLocked(loads []ShardLoad, current float64, now time.Time) (RebalanceRequest, bool) {
	normalized := make([]float64, len(loads))
	for i, l := range loads {
		normalized[i] = l.Normalized
	}
	mean := stats.Mean(normalized)
	factor := float64(m.params.MaxWeightFactor)

	hot := 0
	raw := make([]float64, len(loads))
	sum := 0.0
	total := 0
	for i, l := range loads {
		if l.Normalized > loads[hot].Normalized {
			hot = i
		}
		scale := factor
		if l.Normalized > 0 {
			scale = math.Max(1/factor, math.Min(factor, mean/l.Normalized))
		}
		raw[i] = float64(l.Weight) * scale
		sum += raw[i]
		total += l.Weight
	}
	budget := math.Max(float64(total), float64(len(loads)*m.params.MaxWeightFactor))

	weights := make(map[string]int, len(loads))
	suggested := 0
	changed := false
	for i, l := range loads {
		w := int(math.Round(raw[i] * budget / sum))
		w = max(1, min(w, sharding.MaxWeight))
		weights[l.ShardID] = w
		suggested += w
		if w != l.Weight {
			changed = true
		}
	}
	req := RebalanceRequest{
		Timestamp: now,
		Version:   m.version,
		HotShard:  loads[hot].ShardID,
		Score:     current,
		Weights:   weights,
	}
	if !changed {
		return req, false
	}
	// The new share of the hot shard must be smaller than the old one
	if weights[req.HotShard]*total >= loads[hot].Weight*suggested {
		return req, false
	}
	return req, true
}

// Run evaluates the load at regular intervals until the context is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.params.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ShouldRebalance()
		case <-ctx.Done():
			return
		}
	}
}
