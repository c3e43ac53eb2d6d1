package sqlite_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

// Engine-level checks against a real SQL backend.

type engineFixture struct {
	store      *sqlite.Store
	engine     *referral.Engine
	registrar  *referral.Registrar
	dispatcher *referral.Dispatcher
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := referral.DefaultConfig()
	engine := referral.NewEngine(store, nil, cfg, logger)
	return &engineFixture{
		store:      store,
		engine:     engine,
		registrar:  referral.NewRegistrar(store, cfg, logger),
		dispatcher: referral.NewDispatcher(engine, logger),
	}
}

func (f *engineFixture) register(t *testing.T, id, token string) {
	t.Helper()
	_, _, err := f.registrar.RegisterOrTouch(context.Background(), referral.Registration{
		UserID:        referral.UserID(id),
		DisplayName:   "user " + id,
		ReferralToken: token,
	})
	require.NoError(t, err)
}

func (f *engineFixture) user(t *testing.T, id string) *referral.UserRecord {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), referral.UserID(id))
	require.NoError(t, err)
	return u
}

func TestSQLiteEngine_ConcurrentGrantsPayOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// GIVEN: B referred by A
	f.register(t, "1", "")
	f.register(t, "2", "ref1")

	// WHEN: 50 grants, signals and sweeps race
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = f.engine.TryGrant(ctx, "2")
			case 1:
				_, err = f.dispatcher.Signal(ctx, "2")
			default:
				_, err = f.dispatcher.Sweep(ctx, referral.TriggerSweep)
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// THEN: exactly one payment
	a := f.user(t, "1")
	assert.Equal(t, int64(500), a.Balance)
	assert.Equal(t, int64(1), a.ReferralCount)

	entries, err := f.store.LedgerEntriesByReferrer(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSQLiteEngine_SelfReferral(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.register(t, "42", "/start ref42")
	assert.False(t, f.user(t, "42").HasReferrer())

	res, err := f.dispatcher.Signal(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeNoReferrer, res.Outcome)

	_, err = f.store.GetLedgerEntry(ctx, "42")
	assert.ErrorIs(t, err, referral.ErrLedgerEntryNotFound)
}

func TestSQLiteEngine_SweepInvariants(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.Config.SweepBatchSize = 4
	ctx := context.Background()

	// GIVEN: a referral chain 100 <- 101 <- ... <- 111, all opened the app
	f.register(t, "100", "")
	for i := 101; i < 112; i++ {
		f.register(t, fmt.Sprint(i), fmt.Sprintf("ref%d", i-1))
	}
	for i := 100; i < 112; i++ {
		_, err := f.dispatcher.Signal(ctx, referral.UserID(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	// WHEN: a sweep runs after every signal already fired
	run, err := f.dispatcher.Sweep(ctx, referral.TriggerSweep)
	require.NoError(t, err)
	assert.Equal(t, referral.SweepCompleted, run.Status)

	// THEN: ledger, flags and counters agree for every record
	for i := 100; i < 112; i++ {
		id := referral.UserID(fmt.Sprint(i))
		u := f.user(t, string(id))

		_, lerr := f.store.GetLedgerEntry(ctx, id)
		hasEntry := lerr == nil
		assert.Equal(t, u.RewardGranted, hasEntry, "granted iff ledger entry for %s", id)

		entries, err := f.store.LedgerEntriesByReferrer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(len(entries)), u.ReferralCount, "count matches ledger for %s", id)
		assert.Equal(t, int64(500*len(entries)), u.Balance)
	}

	runs, err := f.store.ListSweepRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}
