/*
Package referral provides the referral reward engine.

PURPOSE:
  User A shares a link, user B joins through it, and once B performs the
  qualifying action A is credited a one-time reward. This package decides,
  under concurrent and repeated triggering, whether that reward has already
  been paid and, if not, pays it exactly once.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserRecord:  One participant, keyed by a stable external identity
  - LedgerEntry: Proof-of-payment for one referred user
  - Outcome:     Expected results of a grant attempt (not errors)
  - SweepRun:    Audit record of one reconciliation sweep

DESIGN PRINCIPLES:
  1. Exactly once: the claim is a single conditional update in the store
  2. Write-once referrer: ReferredBy is never overwritten once set
  3. Ledger as guard: entries are keyed by referred user, duplicates rejected
  4. Triggers are thin: signal and sweep both call the same TryGrant

SEE ALSO:
  - grant.go: The reward grant transaction
  - store.go: Persistence interface
  - dispatcher.go: Signal and sweep triggers
*/
package referral

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID is the opaque external identity of a participant (a Telegram user id
// in the bot deployment). The empty value means "unset".
type UserID string

func (id UserID) String() string { return string(id) }

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool { return id == "" }

// =============================================================================
// USER RECORD
// =============================================================================

// UserRecord is one participant in the referral program.
//
// INVARIANTS:
//   - ReferredBy is write-once and never equals ID after registration.
//   - RewardGranted goes false -> true exactly once, via Engine.TryGrant.
//   - Balance and ReferralCount only change via Engine.TryGrant.
type UserRecord struct {
	ID          UserID
	DisplayName string
	AvatarRef   string

	Balance       int64
	ReferralCount int64

	ReferredBy         UserID
	ActivationSignaled bool
	RewardGranted      bool

	// Owned by task and withdrawal flows outside this package.
	TasksCompleted   int64
	TotalWithdrawals int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasReferrer reports whether a referrer is recorded.
func (u UserRecord) HasReferrer() bool { return !u.ReferredBy.IsZero() }

// validate fails closed on records the engine cannot reason about.
func (u UserRecord) validate() error {
	switch {
	case u.ID.IsZero():
		return &CorruptRecordError{UserID: u.ID, Reason: "empty id"}
	case u.Balance < 0:
		return &CorruptRecordError{UserID: u.ID, Reason: fmt.Sprintf("negative balance %d", u.Balance)}
	case u.ReferralCount < 0:
		return &CorruptRecordError{UserID: u.ID, Reason: fmt.Sprintf("negative referral count %d", u.ReferralCount)}
	}
	return nil
}

// =============================================================================
// CONDITIONAL UPDATES
// =============================================================================

// UserCondition is evaluated against the stored record in the same atomic
// step as the UserUpdate it guards. Nil fields are not checked.
type UserCondition struct {
	RewardGranted      *bool
	ActivationSignaled *bool

	// ReferredByUnset requires ReferredBy to be empty.
	ReferredByUnset bool
	// ReferredBy requires ReferredBy to equal this value (ignored when empty).
	ReferredBy UserID
}

// Matches reports whether u satisfies the condition.
func (c UserCondition) Matches(u UserRecord) bool {
	if c.RewardGranted != nil && u.RewardGranted != *c.RewardGranted {
		return false
	}
	if c.ActivationSignaled != nil && u.ActivationSignaled != *c.ActivationSignaled {
		return false
	}
	if c.ReferredByUnset && !u.ReferredBy.IsZero() {
		return false
	}
	if !c.ReferredBy.IsZero() && u.ReferredBy != c.ReferredBy {
		return false
	}
	return true
}

// UserUpdate is a partial update. Nil fields are left untouched; deltas are
// applied as atomic increments.
type UserUpdate struct {
	DisplayName        *string
	AvatarRef          *string
	ReferredBy         *UserID
	ActivationSignaled *bool
	RewardGranted      *bool

	BalanceDelta       int64
	ReferralCountDelta int64
}

// Apply mutates u in place. Store implementations without native partial
// updates use this to keep semantics identical across backends.
func (up UserUpdate) Apply(u *UserRecord) {
	if up.DisplayName != nil {
		u.DisplayName = *up.DisplayName
	}
	if up.AvatarRef != nil {
		u.AvatarRef = *up.AvatarRef
	}
	if up.ReferredBy != nil {
		u.ReferredBy = *up.ReferredBy
	}
	if up.ActivationSignaled != nil {
		u.ActivationSignaled = *up.ActivationSignaled
	}
	if up.RewardGranted != nil {
		u.RewardGranted = *up.RewardGranted
	}
	u.Balance += up.BalanceDelta
	u.ReferralCount += up.ReferralCountDelta
}

// Bool returns a pointer to b, for building conditions and updates.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry is the immutable proof that a referral was rewarded.
// Keyed by ReferredUserID: at most one entry per referred user.
type LedgerEntry struct {
	ReferredUserID UserID
	ReferrerUserID UserID
	Amount         int64
	GrantedAt      time.Time
}

// =============================================================================
// OUTCOMES
// =============================================================================

// Outcome is the expected result of a grant attempt. None of these are
// failures; callers branch on them but never log them as errors.
type Outcome string

const (
	OutcomeGranted             Outcome = "granted"
	OutcomeAlreadyGranted      Outcome = "already_granted"
	OutcomeNoReferrer          Outcome = "no_referrer"
	OutcomeNotFound            Outcome = "not_found"
	OutcomeSelfReferralSkipped Outcome = "self_referral_skipped"
)

// Eligible reports whether the outcome means the reward is (now or already) paid.
func (o Outcome) Eligible() bool {
	return o == OutcomeGranted || o == OutcomeAlreadyGranted
}

// GrantResult is returned by Engine.TryGrant.
type GrantResult struct {
	Outcome    Outcome
	UserID     UserID
	ReferrerID UserID // set when Outcome == OutcomeGranted
	Amount     int64  // set when Outcome == OutcomeGranted
}

// Trigger names the call site that invoked a grant attempt.
type Trigger string

const (
	TriggerSignal Trigger = "signal"
	TriggerSweep  Trigger = "sweep"
	TriggerManual Trigger = "manual"
)

// =============================================================================
// SWEEP RUN
// =============================================================================

// SweepStatus is the lifecycle state of a sweep run.
type SweepStatus string

const (
	SweepRunning   SweepStatus = "running"
	SweepCompleted SweepStatus = "completed"
	SweepCanceled  SweepStatus = "canceled"
	SweepFailed    SweepStatus = "failed"
)

// SweepRun records one pass of the reconciliation sweep.
type SweepRun struct {
	ID      string
	Trigger Trigger
	Status  SweepStatus

	Scanned        int
	Granted        int
	AlreadyGranted int
	NoReferrer     int
	SelfReferral   int
	NotFound       int
	Failed         int

	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (r *SweepRun) count(o Outcome) {
	switch o {
	case OutcomeGranted:
		r.Granted++
	case OutcomeAlreadyGranted:
		r.AlreadyGranted++
	case OutcomeNoReferrer:
		r.NoReferrer++
	case OutcomeSelfReferralSkipped:
		r.SelfReferral++
	case OutcomeNotFound:
		r.NotFound++
	}
}
