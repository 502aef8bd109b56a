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
	"errors"
	"fmt"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/routing"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	"github.com/lab5e/ringfunk/pkg/toolbox"
	"github.com/lab5e/ringfunk/pkg/toolbox/fsmtool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// transition changes the state of the plan and notifies the hooks
func (r *Rebalancer) transition(m *migration, state State) bool {
	m.mutex.Lock()
	from := m.fsm.CurrentState
	ok := m.fsm.Apply(state, func(*fsmtool.StateTransitionTable[State]) {
		m.updated = time.Now()
	})
	m.mutex.Unlock()
	if !ok {
		return false
	}
	log.WithFields(log.Fields{
		"plan": m.id,
		"from": from,
		"to":   state,
	}).Info("Migration state changed")
	if state.Terminal() {
		r.sink.LogMigration(string(state))
	}
	r.notify(m)
	return true
}

// run drives a plan from copying to done. Anything that goes wrong before
// the cut-over fails (or aborts) the plan and discards the copied data.
// Errors after the cut-over are reported on the plan.
func (r *Rebalancer) run(ctx context.Context, m *migration) {
	defer r.finish(m)
	for {
		if err := r.migrate(ctx, m); err != nil {
			r.fail(m, err)
			return
		}
		err := r.cutover(ctx, m)
		if err == nil {
			break
		}
		if !errors.Is(err, routing.ErrStaleVersion) {
			r.fail(m, err)
			return
		}
		if err := r.replan(m, err); err != nil {
			r.fail(m, err)
			return
		}
	}
	r.cleanup(m)
	r.transition(m, Done)
}

// migrate copies and verifies all ranges
func (r *Rebalancer) migrate(ctx context.Context, m *migration) error {
	if !r.transition(m, Copying) {
		return errors.New("invalid plan state for copying")
	}
	m.mutex.Lock()
	target := m.target
	m.mutex.Unlock()
	// Writes are mirrored to the target from now on. Anything written
	// before this is picked up by the copy.
	r.table.SetTarget(target)
	if err := r.forEachRange(ctx, m, r.copyRange); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.transition(m, Verifying)
	return r.forEachRange(ctx, m, r.verifyRange)
}

// forEachRange runs the function for every range with bounded parallelism.
// The first error cancels the remaining ranges.
func (r *Rebalancer) forEachRange(ctx context.Context, m *migration, fn func(ctx context.Context, m *migration, i int) error) error {
	m.mutex.Lock()
	n := len(m.moves)
	m.mutex.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.params.Parallelism)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, m, i)
		})
	}
	return g.Wait()
}

// stores returns the source and destination stores for a move
func (r *Rebalancer) stores(m *migration, mv RangeMove) (sharding.Store, sharding.Store, error) {
	m.mutex.Lock()
	source, target := m.source, m.target
	m.mutex.Unlock()

	from, ok := source.Shard(mv.From)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", sharding.ErrUnknownShard, mv.From)
	}
	to, ok := target.Shard(mv.To)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", sharding.ErrUnknownShard, mv.To)
	}
	src, err := r.resolver.Store(from)
	if err != nil {
		return nil, nil, err
	}
	dst, err := r.resolver.Store(to)
	if err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// transient returns true for errors that are worth retrying
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, sharding.ErrShardUnreachable) || errors.Is(err, context.DeadlineExceeded)
}

// retry runs the function until it succeeds, fails with a permanent error or
// runs out of retries. The backoff doubles for each attempt.
func (r *Rebalancer) retry(ctx context.Context, fn func() error) error {
	backoff := r.params.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= r.params.CopyRetries || !transient(ctx, err) {
			return err
		}
		log.WithError(err).WithField("attempt", attempt+1).Debug("Retrying shard operation")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// copyOnce replaces the range on the destination with the entries from the
// source. Running it more than once gives the same result.
func copyOnce(ctx context.Context, src, dst sharding.Store, r sharding.KeyRange) (uint64, error) {
	if err := dst.DeleteRange(ctx, r); err != nil {
		return 0, err
	}
	var n uint64
	err := src.StreamRange(ctx, r, func(e sharding.Entry) error {
		n++
		return dst.Put(ctx, e.Key, e.Value)
	})
	return n, err
}

func (r *Rebalancer) copyRange(ctx context.Context, m *migration, i int) error {
	mv := m.move(i)
	src, dst, err := r.stores(m, mv)
	if err != nil {
		return err
	}
	m.setRange(i, func(mv *RangeMove) {
		mv.State = RangeCopying
		mv.Attempts++
	})
	var keys uint64
	err = r.retry(ctx, func() error {
		var err error
		keys, err = copyOnce(ctx, src, dst, mv.Range)
		return err
	})
	if err != nil {
		m.setRange(i, func(mv *RangeMove) {
			mv.State = RangeFailed
			mv.Error = err.Error()
		})
		return fmt.Errorf("copying %s: %w", mv, err)
	}
	m.setRange(i, func(mv *RangeMove) {
		mv.State = RangeCopied
		mv.Keys = keys
	})
	return nil
}

// verifyRange compares the checksums for the range. A mismatch re-copies the
// range until the attempts run out.
func (r *Rebalancer) verifyRange(ctx context.Context, m *migration, i int) error {
	mv := m.move(i)
	src, dst, err := r.stores(m, mv)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		m.setRange(i, func(mv *RangeMove) { mv.State = RangeVerifying })
		var want, got sharding.Checksum
		err := r.retry(ctx, func() error {
			var err error
			if want, err = src.ChecksumRange(ctx, mv.Range); err != nil {
				return err
			}
			got, err = dst.ChecksumRange(ctx, mv.Range)
			return err
		})
		if err != nil {
			m.setRange(i, func(mv *RangeMove) {
				mv.State = RangeFailed
				mv.Error = err.Error()
			})
			return fmt.Errorf("verifying %s: %w", mv, err)
		}
		if want == got {
			m.setRange(i, func(mv *RangeMove) { mv.State = RangeVerified })
			return nil
		}
		log.WithFields(log.Fields{
			"plan":       m.id,
			"range":      mv.String(),
			"sourceKeys": want.Count,
			"destKeys":   got.Count,
			"attempt":    attempt,
		}).Warning("Checksum mismatch")
		if attempt >= r.params.VerifyAttempts {
			err := fmt.Errorf("%w: %s after %d attempts (source has %d keys, destination has %d keys)",
				ErrRangeVerificationFailed, mv, attempt, want.Count, got.Count)
			m.setRange(i, func(mv *RangeMove) {
				mv.State = RangeFailed
				mv.Error = err.Error()
			})
			return err
		}
		if err := r.copyRange(ctx, m, i); err != nil {
			return err
		}
	}
}

// cutover publishes the target directory. Every range must be verified.
func (r *Rebalancer) cutover(ctx context.Context, m *migration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	target := m.target
	for _, mv := range m.moves {
		if mv.State != RangeVerified {
			m.mutex.Unlock()
			return fmt.Errorf("range %s is %s, not verified", mv, mv.State)
		}
	}
	m.mutex.Unlock()

	r.transition(m, CutOver)
	err := toolbox.TimeCall(fmt.Sprintf("Cut-over to directory v%d", target.Version()), func() error {
		return r.table.Publish(target)
	})
	if err != nil {
		return err
	}
	m.mutex.Lock()
	for i := range m.moves {
		m.moves[i].State = RangeCutOver
	}
	m.updated = time.Now()
	m.mutex.Unlock()
	r.notify(m)
	return nil
}

// replan recomputes the plan against the current directory after a failed
// cut-over. Data copied for the old plan is discarded first.
func (r *Rebalancer) replan(m *migration, cause error) error {
	m.mutex.Lock()
	if m.replans >= r.params.MaxReplans {
		m.mutex.Unlock()
		return fmt.Errorf("giving up after %d attempts: %w", m.replans+1, cause)
	}
	m.replans++
	m.mutex.Unlock()

	log.WithError(cause).WithField("plan", m.id).Info("Directory changed during migration, recomputing plan")
	r.table.ClearTarget(m.targetDirectory())
	r.discard(m)

	current := r.table.Current()
	shards, err := m.desire(current.Shards())
	if err != nil {
		return err
	}
	target, moves, err := Plan(current, shards)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	m.source = current
	m.target = target
	m.moves = moves
	m.mutex.Unlock()
	r.transition(m, Planning)
	return nil
}

// fail stops the plan. If an abort was requested and the plan is still
// abortable the plan ends as aborted, otherwise as failed. Nothing has been
// published at this point so the copied data is discarded.
func (r *Rebalancer) fail(m *migration, err error) {
	m.mutex.Lock()
	state := Failed
	if m.abort && m.fsm.CanTransition(m.fsm.CurrentState, Aborted) {
		state = Aborted
	}
	m.mutex.Unlock()

	if state == Failed {
		log.WithError(err).WithField("plan", m.id).Error("Migration failed")
	}
	m.addError(err)
	r.table.ClearTarget(m.targetDirectory())
	r.discard(m)
	r.transition(m, state)
}

// discard removes copied data from the destinations. Errors are recorded on
// the plan but don't stop the discard.
func (r *Rebalancer) discard(m *migration) {
	ctx, cancel := context.WithTimeout(context.Background(), r.params.DiscardTimeout)
	defer cancel()

	m.mutex.Lock()
	moves := append([]RangeMove(nil), m.moves...)
	m.mutex.Unlock()

	for i, mv := range moves {
		if mv.State == RangePending {
			continue
		}
		_, dst, err := r.stores(m, mv)
		if err == nil {
			err = dst.DeleteRange(ctx, mv.Range)
		}
		if err != nil {
			m.addError(fmt.Errorf("discarding %s: %w", mv, err))
			continue
		}
		m.setRange(i, func(mv *RangeMove) { mv.Keys = 0 })
	}
}

// cleanup removes the moved ranges from the sources once no request can
// reach the old directory. Until then writes through the old directory are
// still mirrored to the target. Errors are reported, the plan isn't rolled
// back.
func (r *Rebalancer) cleanup(m *migration) {
	m.mutex.Lock()
	source, target := m.source, m.target
	moves := append([]RangeMove(nil), m.moves...)
	m.mutex.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.params.CleanupTimeout)
	defer cancel()
	if err := r.table.WaitUnreachable(ctx, source.Version()); err != nil {
		err = fmt.Errorf("directory v%d is still in use, moved ranges are left on the source shards: %w", source.Version(), err)
		log.WithError(err).WithField("plan", m.id).Warning("Cleanup skipped")
		m.addError(err)
		// Keep mirroring until the last request on the old directory is done
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = r.table.WaitUnreachable(r.ctx, source.Version())
			r.table.ClearTarget(target)
		}()
		return
	}
	r.table.ClearTarget(target)

	clean := true
	for i, mv := range moves {
		shard, ok := source.Shard(mv.From)
		if !ok {
			continue
		}
		src, err := r.resolver.Store(shard)
		if err == nil {
			err = r.retry(ctx, func() error {
				return src.DeleteRange(ctx, mv.Range)
			})
		}
		if err != nil {
			clean = false
			log.WithError(err).WithFields(log.Fields{
				"plan":  m.id,
				"range": mv.String(),
			}).Warning("Could not clean up source range")
			m.addError(fmt.Errorf("cleaning up %s: %w", mv, err))
			continue
		}
		m.setRange(i, func(mv *RangeMove) { mv.State = RangeDone })
	}
	m.mutex.Lock()
	m.cleanedUp = clean
	m.mutex.Unlock()
}
