/*
grant.go - The reward grant transaction

PURPOSE:
  TryGrant decides whether the referrer of a user has been rewarded and,
  if not, rewards them exactly once. It is the ONLY writer of
  RewardGranted, Balance and ReferralCount.

ALGORITHM:
  1. Read the referred user. Missing -> not_found. Already granted ->
     already_granted. No referrer -> no_referrer.
  2. ReferredBy == own id -> mark granted with no payout
     (self_referral_skipped).
  3. CLAIM: conditional update rewardGranted false -> true (and consume
     activationSignaled). If the condition fails another caller won the
     race -> already_granted.
  4. Credit the referrer: balance += amount, referralCount += 1.
  5. Append the ledger entry keyed by the referred user. A duplicate key
     maps to already_granted: the credit is undone, the claim is kept so
     the flag agrees with the entry already on file.
  6. Notify the referrer, best-effort and asynchronous.

ATOMICITY:
  With a TxStore, steps 3-5 run in one store transaction, so a failure
  mid-way leaves no state changed. The claim's compare-and-set is what
  serializes concurrent callers; the transaction only makes the follow-up
  writes all-or-nothing.

SEE ALSO:
  - dispatcher.go: Signal and sweep call sites
  - store.go: UpdateUser contract
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/referral-engine/metrics"
)

// Notifier delivers a chat message to a user. Best-effort: the engine
// never lets a notification failure affect a grant result.
type Notifier interface {
	Send(ctx context.Context, to UserID, text string) error
}

// errClaimLost means another caller already flipped RewardGranted.
var errClaimLost = errors.New("claim lost")

// Engine runs the reward grant transaction.
type Engine struct {
	Store    Store
	Ledger   *DefaultLedger
	Notifier Notifier
	Config   Config
	Logger   *slog.Logger
	Now      func() time.Time

	notifications sync.WaitGroup
}

// NewEngine creates an engine. notifier may be nil.
func NewEngine(store Store, notifier Notifier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:    store,
		Ledger:   NewLedger(store),
		Notifier: notifier,
		Config:   cfg,
		Logger:   logger.With(slog.String("component", "engine")),
		Now:      time.Now,
	}
}

// TryGrant attempts to reward the referrer of referredUserID.
// Safe to call concurrently and repeatedly for the same user.
func (e *Engine) TryGrant(ctx context.Context, referredUserID UserID) (GrantResult, error) {
	return e.tryGrant(ctx, referredUserID, TriggerManual)
}

// Wait blocks until in-flight notifications finish.
func (e *Engine) Wait() {
	e.notifications.Wait()
}

func (e *Engine) tryGrant(ctx context.Context, id UserID, trigger Trigger) (GrantResult, error) {
	if id.IsZero() {
		return GrantResult{}, ErrInvalidInput
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.Config.StoreTimeout)
	defer cancel()

	res, err := e.grant(ctx, id)
	e.observe(trigger, res, err, time.Since(start))
	return res, err
}

func (e *Engine) grant(ctx context.Context, id UserID) (GrantResult, error) {
	res := GrantResult{UserID: id}

	u, err := e.Store.GetUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		res.Outcome = OutcomeNotFound
		return res, nil
	}
	if err != nil {
		return res, classify("get user", err)
	}
	if err := u.validate(); err != nil {
		return res, err
	}

	switch {
	case u.RewardGranted:
		res.Outcome = OutcomeAlreadyGranted
		return res, nil
	case !u.HasReferrer():
		res.Outcome = OutcomeNoReferrer
		return res, nil
	case u.ReferredBy == id:
		return e.skipSelfReferral(ctx, id)
	}

	referrer := u.ReferredBy
	ref, err := e.Store.GetUser(ctx, referrer)
	if errors.Is(err, ErrUserNotFound) {
		return res, &CorruptRecordError{UserID: id, Reason: fmt.Sprintf("referrer %q does not exist", referrer)}
	}
	if err != nil {
		return res, classify("get referrer", err)
	}
	if err := ref.validate(); err != nil {
		return res, err
	}

	entry := LedgerEntry{
		ReferredUserID: id,
		ReferrerUserID: referrer,
		Amount:         e.Config.RewardAmount,
		GrantedAt:      e.Now().UTC(),
	}

	if tx, ok := e.Store.(TxStore); ok {
		err = tx.WithTx(ctx, func(s Store) error {
			return e.apply(ctx, s, entry, true)
		})
	} else {
		err = e.apply(ctx, e.Store, entry, false)
	}

	switch {
	case errors.Is(err, errClaimLost):
		res.Outcome = OutcomeAlreadyGranted
		return res, nil
	case errors.Is(err, ErrDuplicateLedgerEntry):
		if err := e.closeOnExistingEntry(ctx, id); err != nil {
			return res, err
		}
		res.Outcome = OutcomeAlreadyGranted
		return res, nil
	case err != nil:
		return res, classify("grant", err)
	}

	res.Outcome = OutcomeGranted
	res.ReferrerID = referrer
	res.Amount = entry.Amount

	e.Logger.Info("referral reward granted",
		slog.String("user_id", id.String()),
		slog.String("referrer_id", referrer.String()),
		slog.Int64("amount", entry.Amount))

	e.notify(referrer, u.DisplayName, entry.Amount)
	return res, nil
}

// apply runs claim, credit and ledger append against s. When transactional
// is false each step commits on its own and failures after the claim are
// reported as PartialGrantError.
func (e *Engine) apply(ctx context.Context, s Store, entry LedgerEntry, transactional bool) error {
	err := s.UpdateUser(ctx, entry.ReferredUserID,
		UserCondition{RewardGranted: Bool(false), ReferredBy: entry.ReferrerUserID},
		UserUpdate{RewardGranted: Bool(true), ActivationSignaled: Bool(false)},
	)
	if errors.Is(err, ErrConditionFailed) || errors.Is(err, ErrUserNotFound) {
		return errClaimLost
	}
	if err != nil {
		return classify("claim", err)
	}

	partial := func(step string, err error) error {
		if transactional {
			return err
		}
		pe := &PartialGrantError{UserID: entry.ReferredUserID, ReferrerID: entry.ReferrerUserID, Step: step, Err: err}
		e.Logger.Error("grant left partially applied", slog.String("error", pe.Error()))
		return pe
	}

	err = s.UpdateUser(ctx, entry.ReferrerUserID, UserCondition{},
		UserUpdate{BalanceDelta: entry.Amount, ReferralCountDelta: 1})
	if err != nil {
		return partial("credit referrer", classify("credit referrer", err))
	}

	err = e.Ledger.withStore(s).Record(ctx, entry)
	if errors.Is(err, ErrDuplicateLedgerEntry) {
		e.Logger.Warn("ledger entry already present after claim",
			slog.String("user_id", entry.ReferredUserID.String()),
			slog.String("referrer_id", entry.ReferrerUserID.String()))
		if !transactional {
			// The claim stays; the credit it paid for does not.
			rerr := s.UpdateUser(ctx, entry.ReferrerUserID, UserCondition{},
				UserUpdate{BalanceDelta: -entry.Amount, ReferralCountDelta: -1})
			if rerr != nil {
				return partial("reverse credit", classify("reverse credit", rerr))
			}
		}
		return err
	}
	if err != nil {
		return partial("append ledger", err)
	}
	return nil
}

// closeOnExistingEntry marks a user granted when the ledger already holds
// its entry but the transaction carrying the claim rolled back. The entry
// is the record of payment; the flag is brought in line with it so the
// sweep stops picking the user up.
func (e *Engine) closeOnExistingEntry(ctx context.Context, id UserID) error {
	err := e.Store.UpdateUser(ctx, id,
		UserCondition{RewardGranted: Bool(false)},
		UserUpdate{RewardGranted: Bool(true), ActivationSignaled: Bool(false)},
	)
	if err == nil {
		e.Logger.Warn("reward flag reconciled with existing ledger entry", slog.String("user_id", id.String()))
		return nil
	}
	if errors.Is(err, ErrConditionFailed) {
		return nil
	}
	return classify("close on existing entry", err)
}

// skipSelfReferral consumes a record whose referrer is itself. Registration
// never produces one; this resolves records written around it.
func (e *Engine) skipSelfReferral(ctx context.Context, id UserID) (GrantResult, error) {
	res := GrantResult{UserID: id}
	err := e.Store.UpdateUser(ctx, id,
		UserCondition{RewardGranted: Bool(false), ReferredBy: id},
		UserUpdate{RewardGranted: Bool(true), ActivationSignaled: Bool(false)},
	)
	if errors.Is(err, ErrConditionFailed) {
		res.Outcome = OutcomeAlreadyGranted
		return res, nil
	}
	if err != nil {
		return res, classify("skip self-referral", err)
	}

	e.Logger.Warn("self-referral found in storage, closed without payout",
		slog.String("user_id", id.String()))
	res.Outcome = OutcomeSelfReferralSkipped
	return res, nil
}

func (e *Engine) notify(to UserID, referredName string, amount int64) {
	if e.Notifier == nil {
		return
	}
	text := e.Config.FormatRewardMessage(referredName, amount)

	e.notifications.Add(1)
	go func() {
		defer e.notifications.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.NotificationsFailed.Inc()
				e.Logger.Error("notifier panicked", slog.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.Config.NotifyTimeout)
		defer cancel()

		if err := e.Notifier.Send(ctx, to, text); err != nil {
			metrics.NotificationsFailed.Inc()
			e.Logger.Warn("reward notification failed",
				slog.String("user_id", to.String()),
				slog.String("error", err.Error()))
		}
	}()
}

func (e *Engine) observe(trigger Trigger, res GrantResult, err error, took time.Duration) {
	outcome := string(res.Outcome)
	switch {
	case IsRetryable(err):
		outcome = "store_unavailable"
	case errors.Is(err, ErrCorruptRecord):
		outcome = "corrupt_record"
	case err != nil:
		outcome = "error"
	}
	metrics.GrantOutcomes.WithLabelValues(string(trigger), outcome).Inc()
	metrics.GrantDuration.Observe(took.Seconds())
	if res.Outcome == OutcomeGranted {
		metrics.CoinsGranted.Add(float64(res.Amount))
	}

	if err == nil {
		e.Logger.Debug("grant attempt",
			slog.String("trigger", string(trigger)),
			slog.String("user_id", res.UserID.String()),
			slog.String("outcome", outcome))
	}
}
