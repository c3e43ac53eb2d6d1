package referral_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
)

func TestRegisterOrTouch_NewUser(t *testing.T) {
	f := newFixture(t)

	u, created, err := f.registrar.RegisterOrTouch(context.Background(), referral.Registration{
		UserID:        "200",
		DisplayName:   "Bob",
		ReferralToken: "/start ref100",
	})
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, referral.UserID("100"), u.ReferredBy)
	assert.Equal(t, "Bob", u.DisplayName)
	assert.Equal(t, "https://t.me/i/userpic/200", u.AvatarRef)
	assert.Zero(t, u.Balance)
	assert.False(t, u.ActivationSignaled)
	assert.False(t, u.RewardGranted)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestRegisterOrTouch_Defaults(t *testing.T) {
	f := newFixture(t)

	u := f.register(t, "5", "", "")
	assert.Equal(t, "User", u.DisplayName)
	assert.False(t, u.HasReferrer())
}

func TestRegisterOrTouch_SelfReferralBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: X joins through its own link
	u := f.register(t, "42", "Narcissus", "ref42")

	// THEN: no referrer is recorded
	assert.False(t, u.HasReferrer())

	// AND: activating never rewards anyone
	res, err := f.dispatcher.Signal(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeNoReferrer, res.Outcome)
	assert.Empty(t, f.store.LedgerEntries())
	assert.Zero(t, f.user(t, "42").Balance)
}

func TestRegisterOrTouch_ReferrerIsWriteOnce(t *testing.T) {
	f := newFixture(t)

	f.register(t, "200", "Bob", "ref100")
	u := f.register(t, "200", "Bobby", "ref300")

	assert.Equal(t, referral.UserID("100"), u.ReferredBy, "first referrer wins")
	assert.Equal(t, "Bobby", u.DisplayName, "profile is merged")
}

func TestRegisterOrTouch_AttachesReferrerWhenUnset(t *testing.T) {
	f := newFixture(t)

	f.register(t, "200", "Bob", "")
	u, created, err := f.registrar.RegisterOrTouch(context.Background(), referral.Registration{
		UserID:        "200",
		DisplayName:   "Bob",
		ReferralToken: "ref100",
	})
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, referral.UserID("100"), u.ReferredBy)
}

func TestRegisterOrTouch_CandidateReferrerOverridesToken(t *testing.T) {
	f := newFixture(t)

	u, _, err := f.registrar.RegisterOrTouch(context.Background(), referral.Registration{
		UserID:            "200",
		ReferralToken:     "ref100",
		CandidateReferrer: "300",
	})
	require.NoError(t, err)
	assert.Equal(t, referral.UserID("300"), u.ReferredBy)
}

func TestRegisterOrTouch_NeverTouchesRewardState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: 2002 was referred by 1001 and already rewarded
	f.register(t, "1001", "Alice", "")
	f.register(t, "2002", "Bob", "ref1001")
	_, err := f.dispatcher.Signal(ctx, "2002")
	require.NoError(t, err)
	before := f.user(t, "1001")

	// WHEN: both re-register, 2002 with a new link
	f.register(t, "1001", "Alice", "ref2002")
	u := f.register(t, "2002", "Bob", "ref3003")

	// THEN: balances, counters and flags are unchanged
	a := f.user(t, "1001")
	assert.Equal(t, before.Balance, a.Balance)
	assert.Equal(t, before.ReferralCount, a.ReferralCount)
	assert.Equal(t, referral.UserID("2002"), a.ReferredBy, "1001 had no referrer yet")
	assert.True(t, u.RewardGranted)
	assert.Equal(t, referral.UserID("1001"), u.ReferredBy)
	f.assertInvariants(t)
}

func TestRegisterOrTouch_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.registrar.RegisterOrTouch(context.Background(), referral.Registration{})
	assert.ErrorIs(t, err, referral.ErrInvalidInput)
	assert.True(t, referral.IsClientError(err))
}

func TestRegisterOrTouch_GarbageToken(t *testing.T) {
	f := newFixture(t)

	u := f.register(t, "200", "Bob", "hello there")
	assert.False(t, u.HasReferrer())
}
