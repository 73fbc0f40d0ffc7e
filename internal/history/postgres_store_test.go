//go:build integration

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/features"
	"github.com/mbd888/payguard/internal/testutil"
)

func TestPostgresStore_AppendAndRecent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.Append(ctx, wallet, features.Transfer{Recipient: alice, Amount: 1.5, Timestamp: base.Add(-2 * time.Hour), Purpose: "hosting"}))
	require.NoError(t, s.Append(ctx, wallet, features.Transfer{Recipient: bob, Amount: 2, Timestamp: base.Add(-time.Hour), Status: features.StatusRejected}))
	require.NoError(t, s.Append(ctx, wallet, features.Transfer{Recipient: alice, Amount: 3, Timestamp: base}))

	all, err := s.Recent(ctx, Query{Wallet: wallet, Since: base.Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1.5, all[0].Amount)
	assert.Equal(t, "hosting", all[0].Purpose)
	assert.Equal(t, features.StatusCompleted, all[0].Status)
	assert.True(t, all[1].Rejected())
	assert.True(t, all[2].Timestamp.Equal(base))

	toAlice, err := s.Recent(ctx, Query{Wallet: wallet, Recipient: alice, Since: base.Add(-24 * time.Hour), Limit: 1})
	require.NoError(t, err)
	require.Len(t, toAlice, 1)
	assert.Equal(t, 3.0, toAlice[0].Amount)
}
