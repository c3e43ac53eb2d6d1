package referral_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

func TestTryGrant_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: A registered, B joined through A's link and opened the app
	f.register(t, "100", "Alice", "")
	f.register(t, "200", "Bob", "/start ref100")
	_, err := f.dispatcher.Signal(ctx, "200")
	require.NoError(t, err)

	// THEN: A was credited exactly once
	a := f.user(t, "100")
	assert.Equal(t, int64(500), a.Balance)
	assert.Equal(t, int64(1), a.ReferralCount)

	b := f.user(t, "200")
	assert.True(t, b.RewardGranted)
	assert.False(t, b.ActivationSignaled, "signal is consumed by the grant")

	entry, err := f.engine.Ledger.Entry(ctx, "200")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, referral.UserID("100"), entry.ReferrerUserID)
	assert.Equal(t, int64(500), entry.Amount)

	// AND: a later TryGrant is a no-op
	res, err := f.engine.TryGrant(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAlreadyGranted, res.Outcome)
	assert.Equal(t, int64(500), f.user(t, "100").Balance)

	f.engine.Wait()
	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, referral.UserID("100"), msgs[0].To)
	assert.Contains(t, msgs[0].Text, "Bob")
	assert.Contains(t, msgs[0].Text, "500")

	f.assertInvariants(t)
}

func TestTryGrant_Outcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "1", "Solo", "")

	res, err := f.engine.TryGrant(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeNotFound, res.Outcome)

	res, err = f.engine.TryGrant(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeNoReferrer, res.Outcome)
	assert.False(t, f.user(t, "1").RewardGranted, "no_referrer must not consume the record")

	_, err = f.engine.TryGrant(ctx, "")
	assert.ErrorIs(t, err, referral.ErrInvalidInput)
}

func TestTryGrant_ConcurrentCallersPayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: B referred by A and activated
	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "Bob", "ref1001")
	f.store.PutUser(withSignal(f.user(t, "B")))

	// WHEN: signal, sweep and manual grants race on the same user
	var mu sync.Mutex
	outcomes := map[referral.Outcome]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var res referral.GrantResult
			var err error
			switch i % 3 {
			case 0:
				res, err = f.engine.TryGrant(ctx, "B")
			case 1:
				res, err = f.dispatcher.Signal(ctx, "B")
			default:
				_, err = f.dispatcher.Sweep(ctx, referral.TriggerSweep)
				assert.NoError(t, err)
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// THEN: the referrer was paid exactly once
	a := f.user(t, "1001")
	assert.Equal(t, int64(500), a.Balance)
	assert.Equal(t, int64(1), a.ReferralCount)
	assert.Len(t, f.store.LedgerEntries(), 1)
	assert.LessOrEqual(t, outcomes[referral.OutcomeGranted], 1)
	f.engine.Wait()
	assert.Len(t, f.notifier.messages(), 1)
	f.assertInvariants(t)
}

func TestTryGrant_ConcurrentDistinctUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	ids := []string{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8"}
	for _, id := range ids {
		f.register(t, id, "friend", "ref1001")
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.dispatcher.Signal(ctx, referral.UserID(id))
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	a := f.user(t, "1001")
	assert.Equal(t, int64(500*len(ids)), a.Balance)
	assert.Equal(t, int64(len(ids)), a.ReferralCount)

	total, err := f.engine.Ledger.TotalPaid(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, a.Balance, total)
	f.assertInvariants(t)
}

func TestTryGrant_SelfReferralInStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: a record that references itself, written around registration
	f.store.PutUser(referral.UserRecord{ID: "7", DisplayName: "Loop", ReferredBy: "7", ActivationSignaled: true})

	// WHEN: the grant runs
	res, err := f.engine.TryGrant(ctx, "7")
	require.NoError(t, err)

	// THEN: closed without payout or ledger entry
	assert.Equal(t, referral.OutcomeSelfReferralSkipped, res.Outcome)
	u := f.user(t, "7")
	assert.True(t, u.RewardGranted)
	assert.Zero(t, u.Balance)
	assert.Zero(t, u.ReferralCount)
	assert.Empty(t, f.store.LedgerEntries())

	res, err = f.engine.TryGrant(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAlreadyGranted, res.Outcome)

	f.engine.Wait()
	assert.Empty(t, f.notifier.messages())
	f.assertInvariants(t)
}

func TestTryGrant_MissingReferrerFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.PutUser(referral.UserRecord{ID: "9", ReferredBy: "ghost", ActivationSignaled: true})

	_, err := f.engine.TryGrant(ctx, "9")
	assert.ErrorIs(t, err, referral.ErrCorruptRecord)
	assert.False(t, referral.IsRetryable(err))

	u := f.user(t, "9")
	assert.False(t, u.RewardGranted)
	assert.True(t, u.ActivationSignaled)
	assert.Empty(t, f.store.LedgerEntries())
}

func TestTryGrant_CorruptRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.store.PutUser(referral.UserRecord{ID: "B", ReferredBy: "1001", ReferralCount: -1})

	_, err := f.engine.TryGrant(ctx, "B")
	var corrupt *referral.CorruptRecordError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, referral.UserID("B"), corrupt.UserID)
	assert.Zero(t, f.user(t, "1001").Balance)
}

func TestTryGrant_StoreFailureRollsBack(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, failCredit: true}
	f := newFixtureWithStore(t, flaky, mem)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "Bob", "ref1001")
	mem.PutUser(withSignal(f.user(t, "B")))

	// WHEN: crediting the referrer fails inside the transaction
	_, err := f.engine.TryGrant(ctx, "B")

	// THEN: retryable, and the claim was rolled back with everything else
	require.Error(t, err)
	assert.True(t, referral.IsRetryable(err))
	assert.ErrorIs(t, err, errInjected)

	b := f.user(t, "B")
	assert.False(t, b.RewardGranted)
	assert.True(t, b.ActivationSignaled)
	assert.Zero(t, f.user(t, "1001").Balance)
	assert.Empty(t, mem.LedgerEntries())
	f.assertInvariants(t)

	// AND: the retry succeeds once the store recovers
	flaky.failCredit = false
	res, err := f.engine.TryGrant(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeGranted, res.Outcome)
	f.assertInvariants(t)
}

func TestTryGrant_LedgerFailureRollsBack(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, failLedger: true}
	f := newFixtureWithStore(t, flaky, mem)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "Bob", "ref1001")

	_, err := f.engine.TryGrant(ctx, "B")
	assert.True(t, referral.IsRetryable(err))

	assert.False(t, f.user(t, "B").RewardGranted)
	assert.Zero(t, f.user(t, "1001").Balance)
	assert.Zero(t, f.user(t, "1001").ReferralCount)
	f.assertInvariants(t)
}

func TestTryGrant_DuplicateLedgerEntryIsAlreadyGranted(t *testing.T) {
	mem := store.NewMemory()
	f := newFixtureWithStore(t, &flakyStore{Memory: mem, dupLedger: true}, mem)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "Bob", "ref1001")

	res, err := f.engine.TryGrant(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAlreadyGranted, res.Outcome)
	assert.Zero(t, f.user(t, "1001").Balance, "credit must roll back with the rejected append")
}

func TestTryGrant_ExistingLedgerEntryConverges(t *testing.T) {
	for _, tc := range []struct {
		name string
		wrap func(*store.Memory) referral.Store
	}{
		{"transactional", func(m *store.Memory) referral.Store { return m }},
		{"non-transactional", func(m *store.Memory) referral.Store { return plainStore{m} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			f := newFixtureWithStore(t, tc.wrap(mem), mem)
			ctx := context.Background()

			// GIVEN: a ledger entry for 2002 already on file, flag still unset
			f.register(t, "1001", "Alice", "")
			f.register(t, "2002", "Bob", "ref1001")
			require.NoError(t, mem.CreateLedgerEntry(ctx, referral.LedgerEntry{
				ReferredUserID: "2002", ReferrerUserID: "1001", Amount: 500, GrantedAt: time.Now()}))

			// WHEN: the user opens the app
			res, err := f.dispatcher.Signal(ctx, "2002")
			require.NoError(t, err)
			assert.Equal(t, referral.OutcomeAlreadyGranted, res.Outcome)

			// THEN: the flag follows the ledger and nothing is paid twice
			b := f.user(t, "2002")
			assert.True(t, b.RewardGranted)
			assert.False(t, b.ActivationSignaled)
			assert.Zero(t, f.user(t, "1001").Balance)
			assert.Zero(t, f.user(t, "1001").ReferralCount)

			// AND: the sweep no longer sees the user
			run, err := f.dispatcher.Sweep(ctx, referral.TriggerSweep)
			require.NoError(t, err)
			assert.Zero(t, run.Scanned)
			assert.Len(t, f.store.LedgerEntries(), 1)
		})
	}
}

func TestTryGrant_NonTransactionalPartialGrant(t *testing.T) {
	mem := store.NewMemory()
	f := newFixtureWithStore(t, plainStore{&flakyStore{Memory: mem, failCredit: true}}, mem)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "Bob", "ref1001")

	_, err := f.engine.TryGrant(ctx, "B")

	var partial *referral.PartialGrantError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, "credit referrer", partial.Step)
	assert.ErrorIs(t, err, referral.ErrPartialGrant)
	assert.False(t, referral.IsRetryable(err), "the claim is committed; a retry would not pay")
	assert.True(t, f.user(t, "B").RewardGranted)
}

func TestTryGrant_NonTransactionalHappyPath(t *testing.T) {
	mem := store.NewMemory()
	f := newFixtureWithStore(t, plainStore{mem}, mem)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "Bob", "ref1001")

	res, err := f.engine.TryGrant(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeGranted, res.Outcome)
	assert.Equal(t, referral.UserID("1001"), res.ReferrerID)
	assert.Equal(t, int64(500), res.Amount)
	f.assertInvariants(t)
}

func TestTryGrant_NotifierFailureDoesNotAffectResult(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("chat blocked the bot")
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "", "ref1001")

	res, err := f.engine.TryGrant(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeGranted, res.Outcome)

	f.engine.Wait()
	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "User", "default display name is used in the message")
	assert.Equal(t, int64(500), f.user(t, "1001").Balance)
}

func TestTryGrant_PanickingNotifier(t *testing.T) {
	mem := store.NewMemory()
	engine := referral.NewEngine(mem, panicNotifier{}, referral.DefaultConfig(), discardLogger())
	registrar := referral.NewRegistrar(mem, referral.DefaultConfig(), discardLogger())
	ctx := context.Background()

	_, _, err := registrar.RegisterOrTouch(ctx, referral.Registration{UserID: "1001"})
	require.NoError(t, err)
	_, _, err = registrar.RegisterOrTouch(ctx, referral.Registration{UserID: "B", ReferralToken: "ref1001"})
	require.NoError(t, err)

	res, err := engine.TryGrant(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeGranted, res.Outcome)
	engine.Wait()
}

func TestTryGrant_UsesAmountInForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "1001", "Alice", "")
	f.register(t, "B", "Bob", "ref1001")
	f.register(t, "C", "Carol", "ref1001")

	_, err := f.engine.TryGrant(ctx, "B")
	require.NoError(t, err)

	f.engine.Config.RewardAmount = 750
	_, err = f.engine.TryGrant(ctx, "C")
	require.NoError(t, err)

	entries, err := f.engine.Ledger.EntriesByReferrer(ctx, "1001")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	amounts := []int64{entries[0].Amount, entries[1].Amount}
	assert.ElementsMatch(t, []int64{500, 750}, amounts)
	assert.Equal(t, int64(1250), f.user(t, "1001").Balance)
}

type panicNotifier struct{}

func (panicNotifier) Send(context.Context, referral.UserID, string) error {
	panic("transport exploded")
}

func withSignal(u referral.UserRecord) referral.UserRecord {
	u.ActivationSignaled = true
	return u
}
