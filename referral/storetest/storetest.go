// Package storetest is a contract suite every referral.Store
// implementation must pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) referral.Store

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetUser_Missing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CreateUser_Duplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("UpdateUser_Conditions", func(t *testing.T) { testUpdateConditions(t, newStore(t)) })
	t.Run("UpdateUser_ReferredByWriteOnce", func(t *testing.T) { testReferredByUnset(t, newStore(t)) })
	t.Run("UpdateUser_Increments", func(t *testing.T) { testIncrements(t, newStore(t)) })
	t.Run("UpdateUser_ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("ListActivated_Pagination", func(t *testing.T) { testListActivated(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("WithTx_Rollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("SweepRuns", func(t *testing.T) { testSweepRuns(t, newStore(t)) })
}

func user(id string) referral.UserRecord {
	return referral.UserRecord{ID: referral.UserID(id), DisplayName: "user " + id}
}

func testGetMissing(t *testing.T, s referral.Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)

	err = s.UpdateUser(ctx, "nobody", referral.UserCondition{}, referral.UserUpdate{BalanceDelta: 1})
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

func testCreateDuplicate(t *testing.T, s referral.Store) {
	ctx := context.Background()

	u := user("100")
	u.ReferredBy = "200"
	require.NoError(t, s.CreateUser(ctx, u))

	err := s.CreateUser(ctx, user("100"))
	assert.ErrorIs(t, err, referral.ErrUserExists)

	got, err := s.GetUser(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, referral.UserID("200"), got.ReferredBy, "duplicate create must not overwrite")
	assert.Equal(t, "user 100", got.DisplayName)
	assert.False(t, got.RewardGranted)
	assert.False(t, got.ActivationSignaled)
}

func testUpdateConditions(t *testing.T, s referral.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, user("1")))

	// GIVEN: reward_granted = false
	// WHEN: claiming with the condition reward_granted == false
	// THEN: first claim wins, second fails the condition
	claim := referral.UserUpdate{RewardGranted: referral.Bool(true), ActivationSignaled: referral.Bool(false)}
	unclaimed := referral.UserCondition{RewardGranted: referral.Bool(false)}

	require.NoError(t, s.UpdateUser(ctx, "1", unclaimed, claim))
	assert.ErrorIs(t, s.UpdateUser(ctx, "1", unclaimed, claim), referral.ErrConditionFailed)

	got, err := s.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.True(t, got.RewardGranted)

	// A condition on referred_by that does not match writes nothing.
	err = s.UpdateUser(ctx, "1",
		referral.UserCondition{ReferredBy: "999"},
		referral.UserUpdate{DisplayName: referral.String("changed")})
	assert.ErrorIs(t, err, referral.ErrConditionFailed)

	got, err = s.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "user 1", got.DisplayName)
}

func testReferredByUnset(t *testing.T, s referral.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, user("1")))

	first := referral.UserID("10")
	second := referral.UserID("20")
	unset := referral.UserCondition{ReferredByUnset: true}

	require.NoError(t, s.UpdateUser(ctx, "1", unset, referral.UserUpdate{ReferredBy: &first}))
	assert.ErrorIs(t, s.UpdateUser(ctx, "1", unset, referral.UserUpdate{ReferredBy: &second}), referral.ErrConditionFailed)

	got, err := s.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, first, got.ReferredBy)
}

func testIncrements(t *testing.T, s referral.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, user("1")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.UpdateUser(ctx, "1", referral.UserCondition{},
				referral.UserUpdate{BalanceDelta: 500, ReferralCountDelta: 1}))
		}()
	}
	wg.Wait()

	got, err := s.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.Balance)
	assert.Equal(t, int64(10), got.ReferralCount)
}

func testConcurrentClaim(t *testing.T, s referral.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, user("1")))

	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateUser(ctx, "1",
				referral.UserCondition{RewardGranted: referral.Bool(false)},
				referral.UserUpdate{RewardGranted: referral.Bool(true)})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, referral.ErrConditionFailed):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one compare-and-set must succeed")
	assert.Equal(t, int32(24), lost.Load())
}

func testListActivated(t *testing.T, s referral.Store) {
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		u := user(fmt.Sprintf("u%02d", i))
		u.ActivationSignaled = i != 4 // u04 never opened the app
		u.RewardGranted = i == 6      // u06 already paid
		require.NoError(t, s.CreateUser(ctx, u))
	}

	var seen []referral.UserID
	var after referral.UserID
	for {
		page, err := s.ListActivated(ctx, after, 2)
		require.NoError(t, err)
		for _, u := range page {
			seen = append(seen, u.ID)
		}
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].ID
	}

	assert.Equal(t, []referral.UserID{"u01", "u02", "u03", "u05", "u07"}, seen)
}

func testLedger(t *testing.T, s referral.Store) {
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.GetLedgerEntry(ctx, "b")
	assert.ErrorIs(t, err, referral.ErrLedgerEntryNotFound)

	require.NoError(t, s.CreateLedgerEntry(ctx, referral.LedgerEntry{ReferredUserID: "b", ReferrerUserID: "a", Amount: 500, GrantedAt: t0}))
	require.NoError(t, s.CreateLedgerEntry(ctx, referral.LedgerEntry{ReferredUserID: "c", ReferrerUserID: "a", Amount: 750, GrantedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.CreateLedgerEntry(ctx, referral.LedgerEntry{ReferredUserID: "d", ReferrerUserID: "x", Amount: 500, GrantedAt: t0}))

	err = s.CreateLedgerEntry(ctx, referral.LedgerEntry{ReferredUserID: "b", ReferrerUserID: "z", Amount: 1, GrantedAt: t0})
	assert.ErrorIs(t, err, referral.ErrDuplicateLedgerEntry)

	e, err := s.GetLedgerEntry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, referral.UserID("a"), e.ReferrerUserID, "duplicate must not overwrite")
	assert.Equal(t, int64(500), e.Amount)
	assert.True(t, e.GrantedAt.Equal(t0))

	entries, err := s.LedgerEntriesByReferrer(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, referral.UserID("b"), entries[0].ReferredUserID)
	assert.Equal(t, referral.UserID("c"), entries[1].ReferredUserID)
}

func testTxRollback(t *testing.T, s referral.Store) {
	txs, ok := s.(referral.TxStore)
	if !ok {
		t.Skip("store is not transactional")
	}
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, user("a")))
	require.NoError(t, s.CreateUser(ctx, user("b")))

	boom := errors.New("boom")
	err := txs.WithTx(ctx, func(tx referral.Store) error {
		require.NoError(t, tx.UpdateUser(ctx, "b",
			referral.UserCondition{RewardGranted: referral.Bool(false)},
			referral.UserUpdate{RewardGranted: referral.Bool(true)}))
		require.NoError(t, tx.UpdateUser(ctx, "a", referral.UserCondition{},
			referral.UserUpdate{BalanceDelta: 500, ReferralCountDelta: 1}))
		require.NoError(t, tx.CreateLedgerEntry(ctx, referral.LedgerEntry{
			ReferredUserID: "b", ReferrerUserID: "a", Amount: 500, GrantedAt: time.Now()}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	a, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, a.Balance, "credit must be rolled back")
	assert.Zero(t, a.ReferralCount)

	b, err := s.GetUser(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.RewardGranted, "claim must be rolled back")

	_, err = s.GetLedgerEntry(ctx, "b")
	assert.ErrorIs(t, err, referral.ErrLedgerEntryNotFound)
}

func testSweepRuns(t *testing.T, s referral.Store) {
	rs, ok := s.(referral.RunStore)
	if !ok {
		t.Skip("store does not record sweep runs")
	}
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	run := referral.SweepRun{ID: "run-1", Trigger: referral.TriggerSweep, Status: referral.SweepRunning, StartedAt: t0}
	require.NoError(t, rs.SaveSweepRun(ctx, run))

	done := t0.Add(time.Second)
	run.Status = referral.SweepCompleted
	run.Scanned, run.Granted, run.Failed = 3, 2, 1
	run.CompletedAt = &done
	require.NoError(t, rs.SaveSweepRun(ctx, run))

	require.NoError(t, rs.SaveSweepRun(ctx, referral.SweepRun{
		ID: "run-2", Trigger: referral.TriggerManual, Status: referral.SweepRunning, StartedAt: t0.Add(time.Minute)}))

	runs, err := rs.ListSweepRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "most recent first")
	assert.Equal(t, referral.SweepCompleted, runs[1].Status)
	assert.Equal(t, 2, runs[1].Granted)
	require.NotNil(t, runs[1].CompletedAt)
	assert.True(t, runs[1].CompletedAt.Equal(done))
}
