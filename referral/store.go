/*
store.go - Persistence interface for user records and the reward ledger

PURPOSE:
  Defines the interface between the engine and the document store. The
  engine needs only point reads, point creates, and ONE atomic primitive:
  a conditional single-record update (compare-and-set).

KEY INTERFACES:
  Store:   User records + ledger entries (required)
  TxStore: Transactional grouping of Store calls (optional, preferred)
  RunStore: Sweep run audit records (optional)

CONDITIONAL UPDATE CONTRACT:
  UpdateUser(ctx, id, cond, upd) must evaluate cond and apply upd in a
  single all-or-nothing step. If cond does not hold, nothing is written
  and ErrConditionFailed is returned. This is what makes concurrent
  signal-path and sweep-path grants race-safe without in-process locks.

LEDGER CONTRACT:
  CreateLedgerEntry is create-only, keyed by ReferredUserID. A second
  write for the same key returns ErrDuplicateLedgerEntry.

IMPLEMENTATIONS:
  - referral/store/memory.go: In-memory for testing/dev
  - store/sqlite/sqlite.go:   SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via gorm

SEE ALSO:
  - grant.go: The only writer of balance, referral count, reward flag
  - ledger.go: Higher-level ledger using Store
*/
package referral

import "context"

// =============================================================================
// STORE - Point CRUD + conditional update
// =============================================================================

// Store persists user records and ledger entries.
// Implementations must return ErrStoreUnavailable (or a StoreError) for
// backend failures so callers can distinguish retryable errors.
type Store interface {
	// GetUser returns the user record. ErrUserNotFound if absent.
	GetUser(ctx context.Context, id UserID) (*UserRecord, error)

	// CreateUser inserts a new record. ErrUserExists if the id is taken.
	CreateUser(ctx context.Context, u UserRecord) error

	// UpdateUser atomically checks cond and applies upd.
	// ErrUserNotFound if absent, ErrConditionFailed if cond does not hold.
	UpdateUser(ctx context.Context, id UserID, cond UserCondition, upd UserUpdate) error

	// ListActivated returns up to limit records with ActivationSignaled
	// true and RewardGranted false, ordered by id, with id > after.
	ListActivated(ctx context.Context, after UserID, limit int) ([]UserRecord, error)

	// CreateLedgerEntry appends an entry. ErrDuplicateLedgerEntry if one
	// already exists for entry.ReferredUserID.
	CreateLedgerEntry(ctx context.Context, entry LedgerEntry) error

	// GetLedgerEntry returns the entry for a referred user.
	// ErrLedgerEntryNotFound if absent.
	GetLedgerEntry(ctx context.Context, referred UserID) (*LedgerEntry, error)

	// LedgerEntriesByReferrer returns all entries naming referrer,
	// ordered by GrantedAt.
	LedgerEntriesByReferrer(ctx context.Context, referrer UserID) ([]LedgerEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
// The engine uses it to make claim + credit + ledger all-or-nothing.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RUN STORE - Sweep audit trail
// =============================================================================

// RunStore persists sweep runs for audit and the admin API.
type RunStore interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
