/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements referral.Store, referral.TxStore and referral.RunStore using
  SQLite. The default backend for the bot; store/postgres carries the same
  semantics for PostgreSQL.

INTERFACES IMPLEMENTED:
  referral.Store:    User records + reward ledger
  referral.TxStore:  Atomic claim + credit + ledger append
  referral.RunStore: Sweep audit trail

KEY TABLES:
  users:       One row per participant
  ref_rewards: Reward ledger, PRIMARY KEY referred_user_id (one per referral)
  sweep_runs:  Reconciliation sweep records

CONDITIONAL UPDATE:
  UpdateUser compiles the condition into the WHERE clause of a single
  UPDATE statement:

    UPDATE users SET reward_granted = 1, activation_signaled = 0, ...
    WHERE id = ? AND reward_granted = 0 AND referred_by = ?

  RowsAffected == 0 means either the row is missing or the condition did
  not hold; a follow-up existence check on the same connection tells the
  two apart.

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. SQLite allows one writer at
  a time anyway; the mutex keeps WithTx from interleaving with point calls.

WAL MODE:
  Opened with WAL (Write-Ahead Logging) and a busy timeout.

USAGE:
  store, err := sqlite.New("./data/referral.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - referral/store.go: Interface definitions
  - referral/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/referral-engine/referral"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return referral.Unavailable("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_ref TEXT NOT NULL DEFAULT '',
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		referral_count INTEGER NOT NULL DEFAULT 0 CHECK (referral_count >= 0),
		referred_by TEXT,
		activation_signaled BOOLEAN NOT NULL DEFAULT FALSE,
		reward_granted BOOLEAN NOT NULL DEFAULT FALSE,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		total_withdrawals INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Sweep candidates (hot path of the reconciliation scan)
	CREATE INDEX IF NOT EXISTS idx_users_activated
		ON users(id) WHERE activation_signaled = 1 AND reward_granted = 0;

	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by) WHERE referred_by IS NOT NULL;

	-- Reward ledger (append-only). The primary key is the second
	-- exactly-once guard after the reward_granted claim.
	CREATE TABLE IF NOT EXISTS ref_rewards (
		referred_user_id TEXT PRIMARY KEY,
		referrer_user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		granted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ref_rewards_referrer
		ON ref_rewards(referrer_user_id, granted_at);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		scanned INTEGER DEFAULT 0,
		granted INTEGER DEFAULT 0,
		already_granted INTEGER DEFAULT 0,
		no_referrer INTEGER DEFAULT 0,
		self_referral INTEGER DEFAULT 0,
		not_found INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// USER STORE (referral.Store interface)
// =============================================================================

const userColumns = `id, display_name, avatar_ref, balance, referral_count, referred_by,
	activation_signaled, reward_granted, tasks_completed, total_withdrawals, created_at, updated_at`

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id referral.UserID) (*referral.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUser(ctx, s.db, id)
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u referral.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createUser(ctx, s.db, u)
}

// UpdateUser applies a conditional partial update.
func (s *Store) UpdateUser(ctx context.Context, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateUser(ctx, s.db, id, cond, upd)
}

// ListActivated returns sweep candidates after the given id.
func (s *Store) ListActivated(ctx context.Context, after referral.UserID, limit int) ([]referral.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActivated(ctx, s.db, after, limit)
}

func getUser(ctx context.Context, db execer, id referral.UserID) (*referral.UserRecord, error) {
	row := db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrUserNotFound
	}
	if err != nil {
		return nil, wrap("get user", err)
	}
	return u, nil
}

func createUser(ctx context.Context, db execer, u referral.UserRecord) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.AvatarRef, u.Balance, u.ReferralCount,
		nullString(string(u.ReferredBy)),
		u.ActivationSignaled, u.RewardGranted, u.TasksCompleted, u.TotalWithdrawals,
		u.CreatedAt.Format(time.RFC3339Nano), u.UpdatedAt.Format(time.RFC3339Nano),
	)
	if isUniqueConstraintError(err) {
		return referral.ErrUserExists
	}
	return wrap("create user", err)
}

func updateUser(ctx context.Context, db execer, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	query, args := buildUpdate(id, cond, upd, time.Now().UTC())

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap("update user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update user", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return wrap("update user", err)
	}
	if exists == 0 {
		return referral.ErrUserNotFound
	}
	return referral.ErrConditionFailed
}

// buildUpdate compiles a conditional update into one UPDATE statement.
func buildUpdate(id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate, now time.Time) (string, []any) {
	var sets []string
	var args []any

	if upd.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *upd.DisplayName)
	}
	if upd.AvatarRef != nil {
		sets = append(sets, "avatar_ref = ?")
		args = append(args, *upd.AvatarRef)
	}
	if upd.ReferredBy != nil {
		sets = append(sets, "referred_by = ?")
		args = append(args, nullString(string(*upd.ReferredBy)))
	}
	if upd.ActivationSignaled != nil {
		sets = append(sets, "activation_signaled = ?")
		args = append(args, *upd.ActivationSignaled)
	}
	if upd.RewardGranted != nil {
		sets = append(sets, "reward_granted = ?")
		args = append(args, *upd.RewardGranted)
	}
	if upd.BalanceDelta != 0 {
		sets = append(sets, "balance = balance + ?")
		args = append(args, upd.BalanceDelta)
	}
	if upd.ReferralCountDelta != 0 {
		sets = append(sets, "referral_count = referral_count + ?")
		args = append(args, upd.ReferralCountDelta)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now.Format(time.RFC3339Nano))

	where := []string{"id = ?"}
	args = append(args, id)

	if cond.RewardGranted != nil {
		where = append(where, "reward_granted = ?")
		args = append(args, *cond.RewardGranted)
	}
	if cond.ActivationSignaled != nil {
		where = append(where, "activation_signaled = ?")
		args = append(args, *cond.ActivationSignaled)
	}
	if cond.ReferredByUnset {
		where = append(where, "(referred_by IS NULL OR referred_by = '')")
	}
	if !cond.ReferredBy.IsZero() {
		where = append(where, "referred_by = ?")
		args = append(args, cond.ReferredBy)
	}

	query := "UPDATE users SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return query, args
}

func listActivated(ctx context.Context, db execer, after referral.UserID, limit int) ([]referral.UserRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE activation_signaled = 1 AND reward_granted = 0 AND id > ?
		ORDER BY id ASC
		LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, wrap("list activated", err)
	}
	defer rows.Close()

	var users []referral.UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap("list activated", err)
		}
		users = append(users, *u)
	}
	return users, wrap("list activated", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*referral.UserRecord, error) {
	var u referral.UserRecord
	var referredBy sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&u.ID, &u.DisplayName, &u.AvatarRef, &u.Balance, &u.ReferralCount, &referredBy,
		&u.ActivationSignaled, &u.RewardGranted, &u.TasksCompleted, &u.TotalWithdrawals,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.ReferredBy = referral.UserID(referredBy.String)
	if u.CreatedAt, err = parseTime(u.ID, "created_at", createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(u.ID, "updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// CreateLedgerEntry appends a reward to the ledger.
func (s *Store) CreateLedgerEntry(ctx context.Context, entry referral.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLedgerEntry(ctx, s.db, entry)
}

// GetLedgerEntry returns the ledger entry for a referred user.
func (s *Store) GetLedgerEntry(ctx context.Context, referred referral.UserID) (*referral.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLedgerEntry(ctx, s.db, referred)
}

// LedgerEntriesByReferrer returns all rewards paid to a referrer.
func (s *Store) LedgerEntriesByReferrer(ctx context.Context, referrer referral.UserID) ([]referral.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerEntriesByReferrer(ctx, s.db, referrer)
}

func createLedgerEntry(ctx context.Context, db execer, e referral.LedgerEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ref_rewards (referred_user_id, referrer_user_id, amount, granted_at)
		VALUES (?, ?, ?, ?)`,
		e.ReferredUserID, e.ReferrerUserID, e.Amount, e.GrantedAt.UTC().Format(time.RFC3339Nano),
	)
	if isUniqueConstraintError(err) {
		return referral.ErrDuplicateLedgerEntry
	}
	return wrap("create ledger entry", err)
}

func getLedgerEntry(ctx context.Context, db execer, referred referral.UserID) (*referral.LedgerEntry, error) {
	var e referral.LedgerEntry
	var grantedAt string
	err := db.QueryRowContext(ctx, `
		SELECT referred_user_id, referrer_user_id, amount, granted_at
		FROM ref_rewards WHERE referred_user_id = ?`, referred,
	).Scan(&e.ReferredUserID, &e.ReferrerUserID, &e.Amount, &grantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, wrap("get ledger entry", err)
	}
	if e.GrantedAt, err = parseTime(e.ReferredUserID, "granted_at", grantedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func ledgerEntriesByReferrer(ctx context.Context, db execer, referrer referral.UserID) ([]referral.LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT referred_user_id, referrer_user_id, amount, granted_at
		FROM ref_rewards WHERE referrer_user_id = ?
		ORDER BY granted_at ASC, referred_user_id ASC`, referrer,
	)
	if err != nil {
		return nil, wrap("list ledger entries", err)
	}
	defer rows.Close()

	var entries []referral.LedgerEntry
	for rows.Next() {
		var e referral.LedgerEntry
		var grantedAt string
		if err := rows.Scan(&e.ReferredUserID, &e.ReferrerUserID, &e.Amount, &grantedAt); err != nil {
			return nil, wrap("list ledger entries", err)
		}
		if e.GrantedAt, err = parseTime(e.ReferredUserID, "granted_at", grantedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, wrap("list ledger entries", rows.Err())
}

// =============================================================================
// TRANSACTIONAL STORE (referral.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store referral.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return wrap("commit", sqlTx.Commit())
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetUser(ctx context.Context, id referral.UserID) (*referral.UserRecord, error) {
	return getUser(ctx, ts.tx, id)
}

func (ts *txStore) CreateUser(ctx context.Context, u referral.UserRecord) error {
	return createUser(ctx, ts.tx, u)
}

func (ts *txStore) UpdateUser(ctx context.Context, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	return updateUser(ctx, ts.tx, id, cond, upd)
}

func (ts *txStore) ListActivated(ctx context.Context, after referral.UserID, limit int) ([]referral.UserRecord, error) {
	return listActivated(ctx, ts.tx, after, limit)
}

func (ts *txStore) CreateLedgerEntry(ctx context.Context, e referral.LedgerEntry) error {
	return createLedgerEntry(ctx, ts.tx, e)
}

func (ts *txStore) GetLedgerEntry(ctx context.Context, referred referral.UserID) (*referral.LedgerEntry, error) {
	return getLedgerEntry(ctx, ts.tx, referred)
}

func (ts *txStore) LedgerEntriesByReferrer(ctx context.Context, referrer referral.UserID) ([]referral.LedgerEntry, error) {
	return ledgerEntriesByReferrer(ctx, ts.tx, referrer)
}

// =============================================================================
// SWEEP RUNS (referral.RunStore interface)
// =============================================================================

// SaveSweepRun inserts or updates a sweep run record.
func (s *Store) SaveSweepRun(ctx context.Context, r referral.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = nullString(r.CompletedAt.UTC().Format(time.RFC3339Nano))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs
		(id, trigger, status, scanned, granted, already_granted, no_referrer, self_referral,
		 not_found, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scanned = excluded.scanned,
			granted = excluded.granted,
			already_granted = excluded.already_granted,
			no_referrer = excluded.no_referrer,
			self_referral = excluded.self_referral,
			not_found = excluded.not_found,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Trigger, r.Status, r.Scanned, r.Granted, r.AlreadyGranted, r.NoReferrer,
		r.SelfReferral, r.NotFound, r.Failed, nullString(r.Error),
		r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return wrap("save sweep run", err)
}

// ListSweepRuns returns the most recent runs first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]referral.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger, status, scanned, granted, already_granted, no_referrer, self_referral,
		       not_found, failed, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, wrap("list sweep runs", err)
	}
	defer rows.Close()

	var runs []referral.SweepRun
	for rows.Next() {
		var r referral.SweepRun
		var runErr, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &r.Scanned, &r.Granted, &r.AlreadyGranted,
			&r.NoReferrer, &r.SelfReferral, &r.NotFound, &r.Failed, &runErr, &startedAt, &completedAt); err != nil {
			return nil, wrap("list sweep runs", err)
		}
		r.Error = runErr.String
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("sweep run %s: started_at %q: %w", r.ID, startedAt, referral.ErrCorruptRecord)
		}
		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("sweep run %s: completed_at %q: %w", r.ID, completedAt.String, referral.ErrCorruptRecord)
			}
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, wrap("list sweep runs", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

// parseTime reads a stored timestamp. A value that does not parse is
// schema drift and fails closed.
func parseTime(id referral.UserID, column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, &referral.CorruptRecordError{UserID: id, Reason: fmt.Sprintf("%s %q is not a timestamp", column, value)}
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// wrap marks backend failures as retryable store errors. Busy/locked
// databases and I/O errors are all transient from the engine's view.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, referral.ErrCorruptRecord) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", op, referral.ErrCorruptRecord, err)
	}
	return referral.Unavailable(op, err)
}
