package postgres_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/storetest"
	"github.com/warp/referral-engine/store/postgres"
)

// Runs the store contract against a live database. Each subtest gets a
// clean schema, so point REFERRAL_TEST_POSTGRES_DSN at a scratch database.
func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("REFERRAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REFERRAL_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) referral.Store {
		store, err := postgres.New(dsn)
		require.NoError(t, err)
		require.NoError(t, store.Truncate())
		t.Cleanup(func() { store.Close() })
		return store
	})
}
