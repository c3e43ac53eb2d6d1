/*
errors.go - Centralized error types for the referral engine

ERROR CATEGORIES:
  1. Store errors - signals from the persistence layer that the engine
     maps to outcomes (ErrConditionFailed, ErrUserExists, ...)
  2. Availability - ErrStoreUnavailable, the only retryable error
  3. Integrity - ErrCorruptRecord, fail closed (no payout)

Expected outcomes (already granted, no referrer, ...) are NOT errors.
See Outcome in types.go.
*/
package referral

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUserNotFound is returned by the store when a user record is absent.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned by CreateUser when the id is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrConditionFailed is returned by UpdateUser when the stored record
	// does not satisfy the UserCondition. Nothing was written.
	ErrConditionFailed = errors.New("update condition failed")

	// ErrDuplicateLedgerEntry is returned when a ledger entry for the
	// referred user already exists.
	ErrDuplicateLedgerEntry = errors.New("duplicate ledger entry")

	// ErrLedgerEntryNotFound is returned when no entry exists for a user.
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")

	// ErrStoreUnavailable is returned when the store cannot be reached or
	// timed out. Retryable; no state was changed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCorruptRecord is returned when a stored record violates the data
	// model. The engine never pays out on a corrupt record.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrPartialGrant is returned when a non-transactional store failed
	// after the claim was committed. Requires operator attention.
	ErrPartialGrant = errors.New("grant claimed but not fully applied")

	// ErrInvalidInput is returned for malformed caller input (missing id).
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StoreError wraps a backend failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// Unavailable wraps err as a StoreError for op. Nil stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// CorruptRecordError describes a record the engine refused to act on.
type CorruptRecordError struct {
	UserID UserID
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record for user %q: %s", e.UserID, e.Reason)
}

func (e *CorruptRecordError) Unwrap() error {
	return ErrCorruptRecord
}

// PartialGrantError records which step failed after a committed claim.
type PartialGrantError struct {
	UserID     UserID
	ReferrerID UserID
	Step       string
	Err        error
}

func (e *PartialGrantError) Error() string {
	return fmt.Sprintf("grant for %q (referrer %q) failed at %s: %v", e.UserID, e.ReferrerID, e.Step, e.Err)
}

func (e *PartialGrantError) Unwrap() []error {
	return []error{ErrPartialGrant, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// A partial grant is not: the claim is already committed.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPartialGrant) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// classify turns raw context errors from a store call into StoreErrors so
// callers only need to check ErrStoreUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if !errors.Is(err, ErrStoreUnavailable) {
			return Unavailable(op, err)
		}
	}
	return err
}
