package rebalance

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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lab5e/ringfunk/pkg/funk/metrics"
	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/toolbox/fsmtool"
	log "github.com/sirupsen/logrus"
)

// Parameters for the rebalancer
type Parameters struct {
	Parallelism    int           `kong:"help='Number of ranges copied in parallel',default='4'"`
	CopyRetries    int           `kong:"help='Retries for transient copy errors',default='3'"`
	VerifyAttempts int           `kong:"help='Checksum attempts per range before the migration fails',default='3'"`
	MaxReplans     int           `kong:"help='Number of times a plan is recomputed if the directory changes during migration',default='3'"`
	RetryBackoff   time.Duration `kong:"help='Initial backoff for retries',default='100ms'"`
	CleanupTimeout time.Duration `kong:"help='Maximum time to wait for the old directory to drain before cleanup',default='5m'"`
	DiscardTimeout time.Duration `kong:"help='Timeout for discarding copied data on abort',default='30s'"`
	History        int           `kong:"help='Number of finished plans to keep',default='50'"`
}

// DefaultParameters returns the default rebalancer parameters
func DefaultParameters() Parameters {
	return Parameters{
		Parallelism:    4,
		CopyRetries:    3,
		VerifyAttempts: 3,
		MaxReplans:     3,
		RetryBackoff:   100 * time.Millisecond,
		CleanupTimeout: 5 * time.Minute,
		DiscardTimeout: 30 * time.Second,
		History:        50,
	}
}

// withDefaults fills in zero values
func (p Parameters) withDefaults() Parameters {
	def := DefaultParameters()
	if p.Parallelism <= 0 {
		p.Parallelism = def.Parallelism
	}
	if p.CopyRetries < 0 {
		p.CopyRetries = 0
	}
	if p.VerifyAttempts <= 0 {
		p.VerifyAttempts = def.VerifyAttempts
	}
	if p.MaxReplans < 0 {
		p.MaxReplans = 0
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = def.RetryBackoff
	}
	if p.CleanupTimeout <= 0 {
		p.CleanupTimeout = def.CleanupTimeout
	}
	if p.DiscardTimeout <= 0 {
		p.DiscardTimeout = def.DiscardTimeout
	}
	if p.History <= 0 {
		p.History = def.History
	}
	return p
}

// Kinds of migration plans
const (
	KindAddShard      = "add-shard"
	KindRemoveShard   = "remove-shard"
	KindReweightShard = "reweight-shard"
	KindApplyWeights  = "apply-weights"
)

// PlanStatus is a snapshot of a migration plan
type PlanStatus struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	State         State       `json:"state"`
	SourceVersion uint64      `json:"sourceVersion"`
	TargetVersion uint64      `json:"targetVersion"`
	Moves         []RangeMove `json:"moves"`
	Copied        int         `json:"copied"`
	Verified      int         `json:"verified"`
	MovedFraction float64     `json:"movedFraction"`
	Replans       int         `json:"replans"`
	CleanedUp     bool        `json:"cleanedUp"`
	Errors        []string    `json:"errors,omitempty"`
	Started       time.Time   `json:"started"`
	Updated       time.Time   `json:"updated"`
}

// migration is the running state of a plan. All fields are guarded by the
// mutex.
type migration struct {
	mutex     sync.Mutex
	id        string
	kind      string
	desire    desireFunc
	source    *sharding.Directory
	target    *sharding.Directory
	moves     []RangeMove
	fsm       *fsmtool.StateTransitionTable[State]
	replans   int
	cleanedUp bool
	abort     bool
	errors    []string
	started   time.Time
	updated   time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func (m *migration) status() PlanStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ret := PlanStatus{
		ID:            m.id,
		Kind:          m.kind,
		State:         m.fsm.CurrentState,
		SourceVersion: m.source.Version(),
		TargetVersion: m.target.Version(),
		Moves:         make([]RangeMove, len(m.moves)),
		MovedFraction: MovedFraction(m.moves),
		Replans:       m.replans,
		CleanedUp:     m.cleanedUp,
		Errors:        append([]string(nil), m.errors...),
		Started:       m.started,
		Updated:       m.updated,
	}
	copy(ret.Moves, m.moves)
	for _, mv := range m.moves {
		switch mv.State {
		case RangeCopied, RangeVerifying:
			ret.Copied++
		case RangeVerified, RangeCutOver, RangeDone:
			ret.Copied++
			ret.Verified++
		}
	}
	return ret
}

func (m *migration) state() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.fsm.CurrentState
}

func (m *migration) addError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.errors = append(m.errors, err.Error())
	m.updated = time.Now()
}

func (m *migration) setRange(i int, fn func(mv *RangeMove)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	fn(&m.moves[i])
	m.updated = time.Now()
}

func (m *migration) targetDirectory() *sharding.Directory {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.target
}

func (m *migration) move(i int) RangeMove {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.moves[i]
}

// Rebalancer runs migration plans. Only one plan runs at a time. Finished
// plans are kept for inspection.
type Rebalancer struct {
	params   Parameters
	table    *routing.Table
	resolver sharding.Resolver
	sink     metrics.Sink
	mutex    *sync.Mutex
	active   *migration
	plans    map[string]*migration
	order    []string
	hooks    []func(PlanStatus)
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
}

// New creates a new rebalancer. The resolver maps shards in both the current
// and the target directory to their stores.
func New(table *routing.Table, resolver sharding.Resolver, params Parameters, sink metrics.Sink) *Rebalancer {
	if sink == nil {
		sink = metrics.NewBlackHoleSink()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Rebalancer{
		params:   params.withDefaults(),
		table:    table,
		resolver: resolver,
		sink:     sink,
		mutex:    &sync.Mutex{},
		plans:    make(map[string]*migration),
		ctx:      ctx,
		cancel:   cancel,
		wg:       &sync.WaitGroup{},
	}
}

// OnChange adds a function that is called every time a plan changes state
func (r *Rebalancer) OnChange(hook func(PlanStatus)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Rebalancer) notify(m *migration) {
	r.mutex.Lock()
	hooks := make([]func(PlanStatus), len(r.hooks))
	copy(hooks, r.hooks)
	r.mutex.Unlock()
	if len(hooks) == 0 {
		return
	}
	status := m.status()
	for _, hook := range hooks {
		hook(status)
	}
}

// desireFunc gets a copy of the current shards and returns the desired
// list. It is called again if the plan must be recomputed.
type desireFunc func(current []sharding.Shard) ([]sharding.Shard, error)

// start plans a migration and runs it in the background.
func (r *Rebalancer) start(kind string, desire desireFunc) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.ctx.Err() != nil {
		return "", ErrClosed
	}
	if r.active != nil {
		return "", fmt.Errorf("%w (plan %s)", ErrRebalanceInProgress, r.active.id)
	}
	current := r.table.Current()
	shards, err := desire(current.Shards())
	if err != nil {
		return "", err
	}
	target, moves, err := Plan(current, shards)
	if err != nil {
		return "", err
	}
	now := time.Now()
	ctx, cancel := context.WithCancel(r.ctx)
	m := &migration{
		id:      uuid.NewString(),
		kind:    kind,
		desire:  desire,
		source:  current,
		target:  target,
		moves:   moves,
		fsm:     newStateTable(),
		started: now,
		updated: now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.active = m
	r.plans[m.id] = m
	r.order = append(r.order, m.id)
	r.pruneLocked()

	log.WithFields(log.Fields{
		"plan":   m.id,
		"kind":   kind,
		"source": current.Version(),
		"target": target.Version(),
		"ranges": len(moves),
		"moved":  fmt.Sprintf("%.3f", MovedFraction(moves)),
	}).Info("Starting migration")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(ctx, m)
	}()
	return m.id, nil
}

// pruneLocked removes the oldest finished plans from the history
func (r *Rebalancer) pruneLocked() {
	for len(r.order) > r.params.History {
		id := r.order[0]
		if m := r.plans[id]; m == r.active {
			return
		}
		delete(r.plans, id)
		r.order = r.order[1:]
	}
}

// finish releases the single flight lock for a plan
func (r *Rebalancer) finish(m *migration) {
	r.mutex.Lock()
	if r.active == m {
		r.active = nil
	}
	r.mutex.Unlock()
	close(m.done)
}

func (r *Rebalancer) lookup(planID string) (*migration, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	m, ok := r.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return m, nil
}

// Status returns the status of a plan
func (r *Rebalancer) Status(planID string) (PlanStatus, error) {
	m, err := r.lookup(planID)
	if err != nil {
		return PlanStatus{}, err
	}
	return m.status(), nil
}

// Active returns the status of the running plan
func (r *Rebalancer) Active() (PlanStatus, bool) {
	r.mutex.Lock()
	m := r.active
	r.mutex.Unlock()
	if m == nil {
		return PlanStatus{}, false
	}
	return m.status(), true
}

// Plans returns the status of all known plans, newest first
func (r *Rebalancer) Plans() []PlanStatus {
	r.mutex.Lock()
	list := make([]*migration, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.plans[id])
	}
	r.mutex.Unlock()

	ret := make([]PlanStatus, 0, len(list))
	for _, m := range list {
		ret = append(ret, m.status())
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Started.After(ret[j].Started) })
	return ret
}

// Wait blocks until the plan has finished or the context is done
func (r *Rebalancer) Wait(ctx context.Context, planID string) (PlanStatus, error) {
	m, err := r.lookup(planID)
	if err != nil {
		return PlanStatus{}, err
	}
	select {
	case <-m.done:
		return m.status(), nil
	case <-ctx.Done():
		return m.status(), ctx.Err()
	}
}

// Abort aborts a plan. Plans can only be aborted while planning or copying;
// after that the plan runs to completion or fails.
func (r *Rebalancer) Abort(planID string) error {
	m, err := r.lookup(planID)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	state := m.fsm.CurrentState
	if !state.Abortable() {
		m.mutex.Unlock()
		return fmt.Errorf("%w: plan %s is %s", ErrNotAbortable, planID, state)
	}
	m.abort = true
	m.mutex.Unlock()
	log.WithField("plan", planID).Info("Aborting migration")
	m.cancel()
	return nil
}

// Close cancels any running plan and waits for it to stop
func (r *Rebalancer) Close() {
	r.cancel()
	r.wg.Wait()
}
