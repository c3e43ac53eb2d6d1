package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/storetest"
	"github.com/warp/referral-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) referral.Store {
		return newTestStore(t)
	})
}

func TestSQLite_NegativeBalanceRejected(t *testing.T) {
	// GIVEN: A user with zero balance
	// WHEN: An update would drive balance negative
	// THEN: The CHECK constraint rejects it as a corrupt record, not a retryable error
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, referral.UserRecord{ID: "1"}))

	err := store.UpdateUser(ctx, "1", referral.UserCondition{}, referral.UserUpdate{BalanceDelta: -1})
	assert.ErrorIs(t, err, referral.ErrCorruptRecord)
	assert.False(t, referral.IsRetryable(err))

	u, err := store.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, u.Balance)
}

func TestSQLite_ClosedDatabase_IsUnavailable(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.GetUser(context.Background(), "1")
	assert.ErrorIs(t, err, referral.ErrStoreUnavailable)
	assert.True(t, referral.IsRetryable(err))
}

func TestSQLite_ReferredByUnsetStoredAsNull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, referral.UserRecord{ID: "1"}))

	// An unset referrer must satisfy the write-once condition.
	ref := referral.UserID("2")
	err := store.UpdateUser(ctx, "1", referral.UserCondition{ReferredByUnset: true}, referral.UserUpdate{ReferredBy: &ref})
	require.NoError(t, err)

	u, err := store.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, ref, u.ReferredBy)
}

func TestSQLite_MalformedTimestampIsCorrupt(t *testing.T) {
	// GIVEN: rows whose timestamps were rewritten outside the store
	// WHEN: they are read back
	// THEN: the read fails closed as a corrupt record, not a zero time
	path := filepath.Join(t.TempDir(), "referral.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, referral.UserRecord{ID: "1"}))
	require.NoError(t, store.CreateUser(ctx, referral.UserRecord{ID: "2", ReferredBy: "1"}))
	require.NoError(t, store.CreateLedgerEntry(ctx, referral.LedgerEntry{
		ReferredUserID: "2", ReferrerUserID: "1", Amount: 500, GrantedAt: time.Now()}))

	raw, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE users SET created_at = 'yesterday' WHERE id = '1'`)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE ref_rewards SET granted_at = '' WHERE referred_user_id = '2'`)
	require.NoError(t, err)

	_, err = store.GetUser(ctx, "1")
	var corrupt *referral.CorruptRecordError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, referral.UserID("1"), corrupt.UserID)
	assert.Contains(t, corrupt.Reason, "created_at")
	assert.False(t, referral.IsRetryable(err))

	_, err = store.GetLedgerEntry(ctx, "2")
	assert.ErrorIs(t, err, referral.ErrCorruptRecord)

	_, err = store.LedgerEntriesByReferrer(ctx, "1")
	assert.ErrorIs(t, err, referral.ErrCorruptRecord)

	u, err := store.GetUser(ctx, "2")
	require.NoError(t, err, "other rows still read")
	assert.False(t, u.CreatedAt.IsZero())
}
