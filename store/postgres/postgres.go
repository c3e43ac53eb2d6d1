/*
Package postgres provides a PostgreSQL-backed referral store using gorm.

PURPOSE:
  Production backend for deployments that already run PostgreSQL. Carries
  the same semantics as store/sqlite: the claim is one conditional UPDATE
  whose RowsAffected decides the race, and the ledger's primary key on
  referred_user_id rejects a second reward.

INTERFACES IMPLEMENTED:
  referral.Store, referral.TxStore, referral.RunStore

USAGE:
  store, err := postgres.New(os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/referral-engine/referral"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type userRow struct {
	ID                 string  `gorm:"primaryKey"`
	DisplayName        string  `gorm:"not null;default:''"`
	AvatarRef          string  `gorm:"not null;default:''"`
	Balance            int64   `gorm:"not null;default:0;check:balance >= 0"`
	ReferralCount      int64   `gorm:"not null;default:0;check:referral_count >= 0"`
	ReferredBy         *string `gorm:"index"`
	ActivationSignaled bool    `gorm:"not null;default:false;index:idx_users_activated,priority:1"`
	RewardGranted      bool    `gorm:"not null;default:false;index:idx_users_activated,priority:2"`
	TasksCompleted     int64   `gorm:"not null;default:0"`
	TotalWithdrawals   int64   `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (userRow) TableName() string { return "users" }

type ledgerRow struct {
	ReferredUserID string    `gorm:"primaryKey"`
	ReferrerUserID string    `gorm:"not null;index:idx_ref_rewards_referrer,priority:1"`
	Amount         int64     `gorm:"not null"`
	GrantedAt      time.Time `gorm:"not null;index:idx_ref_rewards_referrer,priority:2"`
}

func (ledgerRow) TableName() string { return "ref_rewards" }

type sweepRunRow struct {
	ID             string `gorm:"primaryKey"`
	Trigger        string `gorm:"not null"`
	Status         string `gorm:"not null;default:'running'"`
	Scanned        int
	Granted        int
	AlreadyGranted int
	NoReferrer     int
	SelfReferral   int
	NotFound       int
	Failed         int
	Error          string
	StartedAt      time.Time `gorm:"not null;index"`
	CompletedAt    *time.Time
}

func (sweepRunRow) TableName() string { return "sweep_runs" }

// =============================================================================
// STORE
// =============================================================================

// Store implements the referral storage interfaces on gorm.
type Store struct {
	db *gorm.DB
}

// New connects to PostgreSQL and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewFromDB(db)
}

// NewFromDB wraps an existing connection. The connection must be opened
// with TranslateError so duplicate keys surface as gorm.ErrDuplicatedKey.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&userRow{}, &ledgerRow{}, &sweepRunRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return referral.Unavailable("ping", err)
	}
	return referral.Unavailable("ping", sqlDB.PingContext(ctx))
}

// Truncate empties every table. Used by tests against a scratch database.
func (s *Store) Truncate() error {
	return s.db.Exec("TRUNCATE users, ref_rewards, sweep_runs").Error
}

func (s *Store) GetUser(ctx context.Context, id referral.UserID) (*referral.UserRecord, error) {
	var row userRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, referral.ErrUserNotFound
	}
	if err != nil {
		return nil, referral.Unavailable("get user", err)
	}
	u := row.toRecord()
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u referral.UserRecord) error {
	row := fromRecord(u)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return referral.ErrUserExists
	}
	return referral.Unavailable("create user", err)
}

func (s *Store) UpdateUser(ctx context.Context, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	q := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", string(id))
	if cond.RewardGranted != nil {
		q = q.Where("reward_granted = ?", *cond.RewardGranted)
	}
	if cond.ActivationSignaled != nil {
		q = q.Where("activation_signaled = ?", *cond.ActivationSignaled)
	}
	if cond.ReferredByUnset {
		q = q.Where("(referred_by IS NULL OR referred_by = '')")
	}
	if !cond.ReferredBy.IsZero() {
		q = q.Where("referred_by = ?", string(cond.ReferredBy))
	}

	res := q.Updates(updateColumns(upd, time.Now().UTC()))
	if res.Error != nil {
		return referral.Unavailable("update user", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return referral.Unavailable("update user", err)
	}
	if count == 0 {
		return referral.ErrUserNotFound
	}
	return referral.ErrConditionFailed
}

// updateColumns maps a partial update onto gorm column assignments.
func updateColumns(upd referral.UserUpdate, now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if upd.DisplayName != nil {
		cols["display_name"] = *upd.DisplayName
	}
	if upd.AvatarRef != nil {
		cols["avatar_ref"] = *upd.AvatarRef
	}
	if upd.ReferredBy != nil {
		cols["referred_by"] = nullable(string(*upd.ReferredBy))
	}
	if upd.ActivationSignaled != nil {
		cols["activation_signaled"] = *upd.ActivationSignaled
	}
	if upd.RewardGranted != nil {
		cols["reward_granted"] = *upd.RewardGranted
	}
	if upd.BalanceDelta != 0 {
		cols["balance"] = gorm.Expr("balance + ?", upd.BalanceDelta)
	}
	if upd.ReferralCountDelta != 0 {
		cols["referral_count"] = gorm.Expr("referral_count + ?", upd.ReferralCountDelta)
	}
	return cols
}

func (s *Store) ListActivated(ctx context.Context, after referral.UserID, limit int) ([]referral.UserRecord, error) {
	var rows []userRow
	err := s.db.WithContext(ctx).
		Where("activation_signaled = ? AND reward_granted = ? AND id > ?", true, false, string(after)).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, referral.Unavailable("list activated", err)
	}
	users := make([]referral.UserRecord, len(rows))
	for i, r := range rows {
		users[i] = r.toRecord()
	}
	return users, nil
}

func (s *Store) CreateLedgerEntry(ctx context.Context, e referral.LedgerEntry) error {
	row := ledgerRow{
		ReferredUserID: string(e.ReferredUserID),
		ReferrerUserID: string(e.ReferrerUserID),
		Amount:         e.Amount,
		GrantedAt:      e.GrantedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return referral.ErrDuplicateLedgerEntry
	}
	return referral.Unavailable("create ledger entry", err)
}

func (s *Store) GetLedgerEntry(ctx context.Context, referred referral.UserID) (*referral.LedgerEntry, error) {
	var row ledgerRow
	err := s.db.WithContext(ctx).First(&row, "referred_user_id = ?", string(referred)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, referral.ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, referral.Unavailable("get ledger entry", err)
	}
	e := row.toEntry()
	return &e, nil
}

func (s *Store) LedgerEntriesByReferrer(ctx context.Context, referrer referral.UserID) ([]referral.LedgerEntry, error) {
	var rows []ledgerRow
	err := s.db.WithContext(ctx).
		Where("referrer_user_id = ?", string(referrer)).
		Order("granted_at ASC, referred_user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, referral.Unavailable("list ledger entries", err)
	}
	entries := make([]referral.LedgerEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

// WithTx runs fn inside a database transaction. The Store handed to fn is
// bound to the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) SaveSweepRun(ctx context.Context, r referral.SweepRun) error {
	row := sweepRunRow{
		ID:             r.ID,
		Trigger:        string(r.Trigger),
		Status:         string(r.Status),
		Scanned:        r.Scanned,
		Granted:        r.Granted,
		AlreadyGranted: r.AlreadyGranted,
		NoReferrer:     r.NoReferrer,
		SelfReferral:   r.SelfReferral,
		NotFound:       r.NotFound,
		Failed:         r.Failed,
		Error:          r.Error,
		StartedAt:      r.StartedAt.UTC(),
		CompletedAt:    r.CompletedAt,
	}
	return referral.Unavailable("save sweep run", s.db.WithContext(ctx).Save(&row).Error)
}

func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]referral.SweepRun, error) {
	var rows []sweepRunRow
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, referral.Unavailable("list sweep runs", err)
	}
	runs := make([]referral.SweepRun, len(rows))
	for i, r := range rows {
		runs[i] = referral.SweepRun{
			ID:             r.ID,
			Trigger:        referral.Trigger(r.Trigger),
			Status:         referral.SweepStatus(r.Status),
			Scanned:        r.Scanned,
			Granted:        r.Granted,
			AlreadyGranted: r.AlreadyGranted,
			NoReferrer:     r.NoReferrer,
			SelfReferral:   r.SelfReferral,
			NotFound:       r.NotFound,
			Failed:         r.Failed,
			Error:          r.Error,
			StartedAt:      r.StartedAt,
			CompletedAt:    r.CompletedAt,
		}
	}
	return runs, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func fromRecord(u referral.UserRecord) userRow {
	return userRow{
		ID:                 string(u.ID),
		DisplayName:        u.DisplayName,
		AvatarRef:          u.AvatarRef,
		Balance:            u.Balance,
		ReferralCount:      u.ReferralCount,
		ReferredBy:         nullable(string(u.ReferredBy)),
		ActivationSignaled: u.ActivationSignaled,
		RewardGranted:      u.RewardGranted,
		TasksCompleted:     u.TasksCompleted,
		TotalWithdrawals:   u.TotalWithdrawals,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

func (r userRow) toRecord() referral.UserRecord {
	u := referral.UserRecord{
		ID:                 referral.UserID(r.ID),
		DisplayName:        r.DisplayName,
		AvatarRef:          r.AvatarRef,
		Balance:            r.Balance,
		ReferralCount:      r.ReferralCount,
		ActivationSignaled: r.ActivationSignaled,
		RewardGranted:      r.RewardGranted,
		TasksCompleted:     r.TasksCompleted,
		TotalWithdrawals:   r.TotalWithdrawals,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.ReferredBy != nil {
		u.ReferredBy = referral.UserID(*r.ReferredBy)
	}
	return u
}

func (r ledgerRow) toEntry() referral.LedgerEntry {
	return referral.LedgerEntry{
		ReferredUserID: referral.UserID(r.ReferredUserID),
		ReferrerUserID: referral.UserID(r.ReferrerUserID),
		Amount:         r.Amount,
		GrantedAt:      r.GrantedAt,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
