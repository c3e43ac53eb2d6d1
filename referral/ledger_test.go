package referral_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

func TestLedger_Record(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	l := referral.NewLedger(store.NewMemory())
	l.Now = func() time.Time { return fixed }

	err := l.Record(ctx, referral.LedgerEntry{ReferredUserID: "b", ReferrerUserID: "a", Amount: 500})
	require.NoError(t, err)

	e, err := l.Entry(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.GrantedAt.Equal(fixed), "GrantedAt is filled in")

	err = l.Record(ctx, referral.LedgerEntry{ReferredUserID: "b", ReferrerUserID: "c", Amount: 500})
	assert.ErrorIs(t, err, referral.ErrDuplicateLedgerEntry)
}

func TestLedger_RecordInvalid(t *testing.T) {
	l := referral.NewLedger(store.NewMemory())

	err := l.Record(context.Background(), referral.LedgerEntry{ReferredUserID: "b"})
	assert.ErrorIs(t, err, referral.ErrInvalidInput)
}

func TestLedger_EntryMissing(t *testing.T) {
	l := referral.NewLedger(store.NewMemory())

	e, err := l.Entry(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestLedger_TotalPaid(t *testing.T) {
	ctx := context.Background()
	l := referral.NewLedger(store.NewMemory())

	require.NoError(t, l.Record(ctx, referral.LedgerEntry{ReferredUserID: "b", ReferrerUserID: "a", Amount: 500}))
	require.NoError(t, l.Record(ctx, referral.LedgerEntry{ReferredUserID: "c", ReferrerUserID: "a", Amount: 250}))
	require.NoError(t, l.Record(ctx, referral.LedgerEntry{ReferredUserID: "d", ReferrerUserID: "x", Amount: 500}))

	total, err := l.TotalPaid(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(750), total)

	total, err = l.TotalPaid(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, total)
}
