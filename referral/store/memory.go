// Package store provides in-memory referral.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements referral.Store, referral.TxStore and referral.RunStore.
// Every method holds mu for its whole duration, which is what makes
// UpdateUser a single atomic compare-and-set.
type Memory struct {
	mu     sync.RWMutex
	users  map[referral.UserID]referral.UserRecord
	ledger map[referral.UserID]referral.LedgerEntry
	runs   map[string]referral.SweepRun
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:  make(map[referral.UserID]referral.UserRecord),
		ledger: make(map[referral.UserID]referral.LedgerEntry),
		runs:   make(map[string]referral.SweepRun),
		now:    time.Now,
	}
}

func (m *Memory) GetUser(_ context.Context, id referral.UserID) (*referral.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) CreateUser(_ context.Context, u referral.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(u)
}

func (m *Memory) UpdateUser(_ context.Context, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, cond, upd)
}

func (m *Memory) ListActivated(_ context.Context, after referral.UserID, limit int) ([]referral.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listActivatedLocked(after, limit), nil
}

func (m *Memory) CreateLedgerEntry(_ context.Context, entry referral.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEntryLocked(entry)
}

func (m *Memory) GetLedgerEntry(_ context.Context, referred referral.UserID) (*referral.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntryLocked(referred)
}

func (m *Memory) LedgerEntriesByReferrer(_ context.Context, referrer referral.UserID) ([]referral.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByReferrerLocked(referrer), nil
}

// PutUser overwrites a record without any checks. Test fixtures use it to
// seed states that registration would never produce.
func (m *Memory) PutUser(u referral.UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// Users returns a copy of every record, ordered by id.
func (m *Memory) Users() []referral.UserRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]referral.UserRecord, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LedgerEntries returns a copy of every ledger entry.
func (m *Memory) LedgerEntries() []referral.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]referral.LedgerEntry, 0, len(m.ledger))
	for _, e := range m.ledger {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferredUserID < out[j].ReferredUserID })
	return out
}

// =============================================================================
// LOCKED HELPERS - caller holds mu
// =============================================================================

func (m *Memory) getLocked(id referral.UserID) (*referral.UserRecord, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, referral.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) createLocked(u referral.UserRecord) error {
	if _, ok := m.users[u.ID]; ok {
		return referral.ErrUserExists
	}
	now := m.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) updateLocked(id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	u, ok := m.users[id]
	if !ok {
		return referral.ErrUserNotFound
	}
	if !cond.Matches(u) {
		return referral.ErrConditionFailed
	}
	upd.Apply(&u)
	u.UpdatedAt = m.now().UTC()
	m.users[id] = u
	return nil
}

func (m *Memory) listActivatedLocked(after referral.UserID, limit int) []referral.UserRecord {
	var out []referral.UserRecord
	for _, u := range m.users {
		if u.ActivationSignaled && !u.RewardGranted && u.ID > after {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) createEntryLocked(entry referral.LedgerEntry) error {
	if _, ok := m.ledger[entry.ReferredUserID]; ok {
		return referral.ErrDuplicateLedgerEntry
	}
	m.ledger[entry.ReferredUserID] = entry
	return nil
}

func (m *Memory) getEntryLocked(referred referral.UserID) (*referral.LedgerEntry, error) {
	e, ok := m.ledger[referred]
	if !ok {
		return nil, referral.ErrLedgerEntryNotFound
	}
	return &e, nil
}

func (m *Memory) entriesByReferrerLocked(referrer referral.UserID) []referral.LedgerEntry {
	var out []referral.LedgerEntry
	for _, e := range m.ledger {
		if e.ReferrerUserID == referrer {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].ReferredUserID < out[j].ReferredUserID
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out
}

// =============================================================================
// RUN STORE
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run referral.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]referral.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]referral.SweepRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(referral.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()

	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	users  map[referral.UserID]referral.UserRecord
	ledger map[referral.UserID]referral.LedgerEntry
}

func (m *Memory) snapshot() memorySnapshot {
	users := make(map[referral.UserID]referral.UserRecord, len(m.users))
	for k, v := range m.users {
		users[k] = v
	}
	ledger := make(map[referral.UserID]referral.LedgerEntry, len(m.ledger))
	for k, v := range m.ledger {
		ledger[k] = v
	}
	return memorySnapshot{users: users, ledger: ledger}
}

func (m *Memory) restore(s memorySnapshot) {
	m.users = s.users
	m.ledger = s.ledger
}

// txView is the Store handed to WithTx callbacks; mu is already held.
type txView struct {
	parent *Memory
}

func (tv *txView) GetUser(_ context.Context, id referral.UserID) (*referral.UserRecord, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) CreateUser(_ context.Context, u referral.UserRecord) error {
	return tv.parent.createLocked(u)
}

func (tv *txView) UpdateUser(_ context.Context, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	return tv.parent.updateLocked(id, cond, upd)
}

func (tv *txView) ListActivated(_ context.Context, after referral.UserID, limit int) ([]referral.UserRecord, error) {
	return tv.parent.listActivatedLocked(after, limit), nil
}

func (tv *txView) CreateLedgerEntry(_ context.Context, entry referral.LedgerEntry) error {
	return tv.parent.createEntryLocked(entry)
}

func (tv *txView) GetLedgerEntry(_ context.Context, referred referral.UserID) (*referral.LedgerEntry, error) {
	return tv.parent.getEntryLocked(referred)
}

func (tv *txView) LedgerEntriesByReferrer(_ context.Context, referrer referral.UserID) ([]referral.LedgerEntry, error) {
	return tv.parent.entriesByReferrerLocked(referrer), nil
}
