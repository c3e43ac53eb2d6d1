package referral_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	To   referral.UserID
	Text string
}

// recordingNotifier captures messages; err makes every send fail.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, to referral.UserID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{To: to, Text: text})
	return n.err
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type fixture struct {
	store      *store.Memory
	notifier   *recordingNotifier
	engine     *referral.Engine
	registrar  *referral.Registrar
	dispatcher *referral.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewMemory(), nil)
}

// newFixtureWithStore builds the engine on s; mem is the backing memory
// store used for assertions (defaults to s when s is a *store.Memory).
func newFixtureWithStore(t *testing.T, s referral.Store, mem *store.Memory) *fixture {
	t.Helper()
	if mem == nil {
		m, ok := s.(*store.Memory)
		require.True(t, ok, "pass the backing memory store explicitly")
		mem = m
	}
	cfg := referral.DefaultConfig()
	notifier := &recordingNotifier{}
	engine := referral.NewEngine(s, notifier, cfg, discardLogger())
	t.Cleanup(engine.Wait)
	return &fixture{
		store:      mem,
		notifier:   notifier,
		engine:     engine,
		registrar:  referral.NewRegistrar(s, cfg, discardLogger()),
		dispatcher: referral.NewDispatcher(engine, discardLogger()),
	}
}

func (f *fixture) register(t *testing.T, id, name, token string) *referral.UserRecord {
	t.Helper()
	u, _, err := f.registrar.RegisterOrTouch(context.Background(), referral.Registration{
		UserID:        referral.UserID(id),
		DisplayName:   name,
		ReferralToken: token,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) user(t *testing.T, id string) referral.UserRecord {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), referral.UserID(id))
	require.NoError(t, err)
	return *u
}

// assertInvariants checks that flags, ledger and counters agree across the store.
func (f *fixture) assertInvariants(t *testing.T) {
	t.Helper()
	entries := map[referral.UserID]referral.LedgerEntry{}
	perReferrer := map[referral.UserID]int64{}
	for _, e := range f.store.LedgerEntries() {
		entries[e.ReferredUserID] = e
		perReferrer[e.ReferrerUserID]++
	}

	for _, u := range f.store.Users() {
		_, hasEntry := entries[u.ID]
		if u.ReferredBy != u.ID {
			require.Equalf(t, u.RewardGranted, hasEntry, "granted flag disagrees with ledger for %s", u.ID)
		} else {
			require.Falsef(t, hasEntry, "self-referral %s must never have a ledger entry", u.ID)
		}
		if hasEntry {
			require.Equalf(t, u.ReferredBy, entries[u.ID].ReferrerUserID, "ledger referrer mismatch for %s", u.ID)
		}
		require.Equalf(t, perReferrer[u.ID], u.ReferralCount, "referral count disagrees with ledger for %s", u.ID)
		require.GreaterOrEqual(t, u.Balance, int64(0))
	}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errInjected = errors.New("injected backend failure")

// flakyStore fails selected operations with a retryable store error, both
// on direct calls and inside transactions.
type flakyStore struct {
	*store.Memory
	failCredit bool
	failLedger bool
	failList   bool
	dupLedger  bool
}

func (f *flakyStore) UpdateUser(ctx context.Context, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	return f.wrap(f.Memory).UpdateUser(ctx, id, cond, upd)
}

func (f *flakyStore) CreateLedgerEntry(ctx context.Context, e referral.LedgerEntry) error {
	return f.wrap(f.Memory).CreateLedgerEntry(ctx, e)
}

func (f *flakyStore) ListActivated(ctx context.Context, after referral.UserID, limit int) ([]referral.UserRecord, error) {
	if f.failList {
		return nil, referral.Unavailable("list activated", errInjected)
	}
	return f.Memory.ListActivated(ctx, after, limit)
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	return f.Memory.WithTx(ctx, func(s referral.Store) error {
		return fn(f.wrap(s))
	})
}

func (f *flakyStore) wrap(s referral.Store) referral.Store {
	return &flakyView{Store: s, f: f}
}

type flakyView struct {
	referral.Store
	f *flakyStore
}

func (v *flakyView) UpdateUser(ctx context.Context, id referral.UserID, cond referral.UserCondition, upd referral.UserUpdate) error {
	if v.f.failCredit && upd.BalanceDelta != 0 {
		return referral.Unavailable("update user", errInjected)
	}
	return v.Store.UpdateUser(ctx, id, cond, upd)
}

func (v *flakyView) CreateLedgerEntry(ctx context.Context, e referral.LedgerEntry) error {
	if v.f.failLedger {
		return referral.Unavailable("create ledger entry", errInjected)
	}
	if v.f.dupLedger {
		return referral.ErrDuplicateLedgerEntry
	}
	return v.Store.CreateLedgerEntry(ctx, e)
}

// plainStore hides WithTx so the engine takes the non-transactional path.
type plainStore struct {
	referral.Store
}
