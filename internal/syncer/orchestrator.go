// Package syncer drains the offline queue against the remote mutation
// endpoint. It is the only component that removes or transforms queue
// entries after enqueue, and it guarantees at most one sync pass at a
// time.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/remote"

	"github.com/rs/zerolog"
)

// ErrSyncInFlight is returned by Retry when a pass is already running.
var ErrSyncInFlight = errors.New("syncer: sync pass already running")

// NetworkSignal is the connectivity feed the orchestrator reacts to.
type NetworkSignal interface {
	Subscribe() <-chan bool
	IsOnline() bool
}

// Orchestrator owns the idle/syncing/error state machine.
//
// idle -> syncing on an online edge or an explicit Retry; error ->
// syncing only via Retry, online edges are ignored while in error.
// Entries are processed oldest first; transient failures back off and
// re-attempt the entire remaining queue with a single unified delay,
// exhausted entries are parked in FailedUpdates, conflicted entries
// are discarded silently (server wins).
type Orchestrator struct {
	store  *queue.Store
	remote remote.Applier
	signal NetworkSignal
	policy RetryPolicy
	logger *zerolog.Logger

	inFlight atomic.Bool

	mu     sync.Mutex
	runCtx context.Context
}

func New(store *queue.Store, applier remote.Applier, signal NetworkSignal, policy RetryPolicy, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		remote: applier,
		signal: signal,
		policy: policy,
		logger: logger,
	}
}

// Run listens for online edges until ctx is done. Each true edge
// triggers a pass unless the queue is in error state, which only an
// explicit Retry clears.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	ch := o.signal.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-ch:
			if !online {
				continue
			}
			go o.syncPass(ctx, false)
		}
	}
}

// Retry starts a user-initiated pass, the only way out of the error
// state. Reports ErrSyncInFlight when a pass is already draining. The
// in-flight flag is claimed here, not in the spawned goroutine, so two
// simultaneous callers cannot both be told their pass started.
func (o *Orchestrator) Retry() error {
	if !o.inFlight.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	go o.runPass(o.baseCtx(), true)
	return nil
}

func (o *Orchestrator) baseCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

// Syncing reports whether a pass is currently draining.
func (o *Orchestrator) Syncing() bool {
	return o.inFlight.Load()
}

// syncPass drains the queue. The in-flight flag is the sole concurrency
// guard: a second trigger while draining is a no-op.
func (o *Orchestrator) syncPass(ctx context.Context, manual bool) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return
	}
	o.runPass(ctx, manual)
}

// runPass is the pass body. The caller owns the in-flight flag.
func (o *Orchestrator) runPass(ctx context.Context, manual bool) {
	defer o.inFlight.Store(false)

	snap := o.store.Snapshot()
	if snap.SyncStatus == models.SyncStatusError && !manual {
		o.logger.Debug().Msg("online while in error state, waiting for manual retry")
		return
	}
	if len(snap.Updates) == 0 {
		// A manual retry with nothing pending clears a stale error.
		if manual && snap.SyncStatus != models.SyncStatusIdle {
			o.finish(ctx, 0)
		}
		return
	}

	if err := o.store.MarkSyncStarted(ctx); err != nil {
		o.logger.Error().Err(err).Msg("cannot persist sync start")
		return
	}
	o.logger.Info().Int("pending", len(snap.Updates)).Bool("manual", manual).Msg("sync pass started")

	exhausted := 0
	for {
		if ctx.Err() != nil {
			return
		}

		upd, ok := o.store.Oldest()
		if !ok {
			break
		}

		err := o.remote.Apply(ctx, upd.EntityID, upd.FieldName, upd.Value)
		switch {
		case err == nil:
			// The dequeue is conditional on the stamp read before Apply:
			// a pair overwritten while its old value was in flight stays
			// queued and the new value goes out on the next iteration.
			if derr := o.store.Dequeue(ctx, upd.ID, upd.EnqueuedAt); derr != nil {
				o.logger.Error().Err(derr).Str("id", upd.ID).Msg("dequeue after success failed, aborting pass")
				o.failPass(ctx)
				return
			}
			metrics.IncApplied()

		case errors.Is(err, remote.ErrConflict):
			// Server wins: drop silently, no retry, no error surfaced.
			if derr := o.store.Dequeue(ctx, upd.ID, upd.EnqueuedAt); derr != nil {
				o.logger.Error().Err(derr).Str("id", upd.ID).Msg("dequeue after conflict failed, aborting pass")
				o.failPass(ctx)
				return
			}
			metrics.IncConflict()
			o.logger.Debug().
				Str("entity_id", upd.EntityID).
				Str("field_name", upd.FieldName).
				Msg("queued update discarded on conflict")

		case ctx.Err() != nil:
			return

		default:
			moved, merr := o.store.IncrementRetry(ctx, upd.ID, err.Error())
			if merr != nil {
				o.logger.Error().Err(merr).Str("id", upd.ID).Msg("retry bookkeeping failed, aborting pass")
				o.failPass(ctx)
				return
			}
			if moved {
				exhausted++
				continue
			}

			// One unified delay for the whole remaining batch, then
			// re-attempt from the oldest entry again.
			delay := o.policy.Delay(upd.RetryCount + 1)
			o.logger.Info().
				Str("entity_id", upd.EntityID).
				Str("field_name", upd.FieldName).
				Int("retry", upd.RetryCount+1).
				Dur("backoff", delay).
				Err(err).
				Msg("transient failure, backing off")
			if !sleep(ctx, delay) {
				return
			}
		}
	}

	o.finish(ctx, exhausted)
}

func (o *Orchestrator) finish(ctx context.Context, exhausted int) {
	status := models.SyncStatusIdle
	if exhausted > 0 {
		status = models.SyncStatusError
	}
	if err := o.store.SetSyncStatus(ctx, status); err != nil {
		o.logger.Error().Err(err).Str("status", status).Msg("cannot persist sync status")
		return
	}
	metrics.IncSyncPass(status)
	o.logger.Info().Str("status", status).Int("exhausted", exhausted).Msg("sync pass finished")
}

// failPass best-effort downgrades a pass aborted by a persist failure.
// Without it the persisted status stays "syncing" with no pass running,
// and the badge never offers the manual retry.
func (o *Orchestrator) failPass(ctx context.Context) {
	if err := o.store.SetSyncStatus(ctx, models.SyncStatusError); err != nil {
		o.logger.Error().Err(err).Msg("cannot downgrade aborted pass status")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
