/*
dispatcher.go - Trigger call sites for the grant transaction

PURPOSE:
  Two independent triggers converge on one idempotent operation:

  Signal: the web app reports "user opened the surface". Marks the user
          activated, then calls TryGrant immediately.
  Sweep:  periodic reconciliation. Scans activated, ungranted users and
          calls TryGrant for each, so a reward is delivered even when the
          signal call was dropped.

  Both may run concurrently against the same user; TryGrant's claim
  guarantees the reward is paid once.

FAILURE ISOLATION:
  A sweep logs and counts a failing record and moves on. Cancellation is
  honored between batches; grants already started run to completion.

SEE ALSO:
  - grant.go: TryGrant
  - api/scheduler.go: Runs Sweep on a fixed period
*/
package referral

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/referral-engine/metrics"
)

// Dispatcher exposes the signal and sweep triggers.
type Dispatcher struct {
	Engine *Engine
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

func NewDispatcher(engine *Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Engine: engine,
		Store:  engine.Store,
		Logger: logger.With(slog.String("component", "dispatcher")),
		Now:    time.Now,
	}
}

// =============================================================================
// SIGNAL PATH
// =============================================================================

// Signal records that userID opened the app and attempts the grant.
func (d *Dispatcher) Signal(ctx context.Context, userID UserID) (GrantResult, error) {
	if userID.IsZero() {
		return GrantResult{}, ErrInvalidInput
	}

	sctx, cancel := context.WithTimeout(ctx, d.Engine.Config.StoreTimeout)
	err := d.Store.UpdateUser(sctx, userID,
		UserCondition{ActivationSignaled: Bool(false), RewardGranted: Bool(false)},
		UserUpdate{ActivationSignaled: Bool(true)},
	)
	cancel()

	switch {
	case errors.Is(err, ErrUserNotFound):
		metrics.GrantOutcomes.WithLabelValues(string(TriggerSignal), string(OutcomeNotFound)).Inc()
		return GrantResult{UserID: userID, Outcome: OutcomeNotFound}, nil
	case errors.Is(err, ErrConditionFailed):
		// Already signaled or already granted.
	case err != nil:
		return GrantResult{UserID: userID}, classify("signal", err)
	}

	return d.Engine.tryGrant(ctx, userID, TriggerSignal)
}

// =============================================================================
// SWEEP PATH
// =============================================================================

// Sweep runs one reconciliation pass over all activated, ungranted users.
// The returned run is also saved when the store implements RunStore.
func (d *Dispatcher) Sweep(ctx context.Context, trigger Trigger) (SweepRun, error) {
	run := SweepRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    SweepRunning,
		StartedAt: d.Now().UTC(),
	}
	d.saveRun(run)

	batch := d.Engine.Config.SweepBatchSize
	var after UserID
	var sweepErr error

	for {
		if err := ctx.Err(); err != nil {
			run.Status = SweepCanceled
			run.Error = err.Error()
			break
		}

		lctx, cancel := context.WithTimeout(ctx, d.Engine.Config.StoreTimeout)
		users, err := d.Store.ListActivated(lctx, after, batch)
		cancel()
		if err != nil {
			sweepErr = classify("list activated", err)
			run.Status = SweepFailed
			run.Error = sweepErr.Error()
			d.Logger.Error("sweep aborted: listing candidates failed", slog.String("error", sweepErr.Error()))
			break
		}

		for _, u := range users {
			run.Scanned++
			// Detached from ctx so a stop request never interrupts a grant.
			res, err := d.Engine.tryGrant(context.WithoutCancel(ctx), u.ID, TriggerSweep)
			if err != nil {
				run.Failed++
				d.Logger.Warn("sweep grant failed",
					slog.String("user_id", u.ID.String()),
					slog.Bool("retryable", IsRetryable(err)),
					slog.String("error", err.Error()))
				continue
			}
			run.count(res.Outcome)
		}

		if len(users) < batch {
			run.Status = SweepCompleted
			break
		}
		after = users[len(users)-1].ID
	}

	completed := d.Now().UTC()
	run.CompletedAt = &completed
	d.saveRun(run)

	metrics.SweepRuns.WithLabelValues(string(run.Status)).Inc()
	metrics.SweepCandidates.Set(float64(run.Scanned))

	if run.Scanned > 0 || run.Status != SweepCompleted {
		d.Logger.Info("sweep finished",
			slog.String("run_id", run.ID),
			slog.String("status", string(run.Status)),
			slog.Int("scanned", run.Scanned),
			slog.Int("granted", run.Granted),
			slog.Int("already_granted", run.AlreadyGranted),
			slog.Int("failed", run.Failed))
	}
	return run, sweepErr
}

func (d *Dispatcher) saveRun(run SweepRun) {
	rs, ok := d.Store.(RunStore)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.Engine.Config.StoreTimeout)
	defer cancel()
	if err := rs.SaveSweepRun(ctx, run); err != nil {
		d.Logger.Warn("failed to save sweep run", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}
