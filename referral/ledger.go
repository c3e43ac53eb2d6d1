/*
ledger.go - Append-only record of granted referral rewards

PURPOSE:
  The ledger is the proof-of-payment for every rewarded referral. Each
  entry is keyed by the referred user's id, so the storage layer itself
  rejects a second reward for the same referral.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. ONE PER REFERRED USER: duplicate keys are rejected.
  3. IMMUTABLE AMOUNT: entries keep the amount in force when granted.

SEE ALSO:
  - store.go: Low-level persistence interface
  - grant.go: The only caller of Record
*/
package referral

import (
	"context"
	"errors"
	"time"
)

// Ledger is the read/append view over ledger entries.
type Ledger interface {
	// Record appends an entry. ErrDuplicateLedgerEntry if the referred
	// user already has one.
	Record(ctx context.Context, entry LedgerEntry) error

	// Entry returns the entry for a referred user, or nil if none exists.
	Entry(ctx context.Context, referred UserID) (*LedgerEntry, error)

	// EntriesByReferrer returns every reward paid to referrer.
	EntriesByReferrer(ctx context.Context, referrer UserID) ([]LedgerEntry, error)

	// TotalPaid sums the amounts paid to referrer.
	TotalPaid(ctx context.Context, referrer UserID) (int64, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store, Now: time.Now}
}

func (l *DefaultLedger) Record(ctx context.Context, entry LedgerEntry) error {
	if entry.ReferredUserID.IsZero() || entry.ReferrerUserID.IsZero() {
		return ErrInvalidInput
	}
	if entry.GrantedAt.IsZero() {
		entry.GrantedAt = l.Now().UTC()
	}
	return classify("create ledger entry", l.Store.CreateLedgerEntry(ctx, entry))
}

func (l *DefaultLedger) Entry(ctx context.Context, referred UserID) (*LedgerEntry, error) {
	e, err := l.Store.GetLedgerEntry(ctx, referred)
	if errors.Is(err, ErrLedgerEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get ledger entry", err)
	}
	return e, nil
}

func (l *DefaultLedger) EntriesByReferrer(ctx context.Context, referrer UserID) ([]LedgerEntry, error) {
	entries, err := l.Store.LedgerEntriesByReferrer(ctx, referrer)
	return entries, classify("list ledger entries", err)
}

func (l *DefaultLedger) TotalPaid(ctx context.Context, referrer UserID) (int64, error) {
	entries, err := l.EntriesByReferrer(ctx, referrer)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total, nil
}

// withStore returns a ledger bound to s, used inside a store transaction.
func (l *DefaultLedger) withStore(s Store) *DefaultLedger {
	return &DefaultLedger{Store: s, Now: l.Now}
}
