package pool

import (
	"context"
	"testing"
	"time"

	"spot_trader/internal/core"
	"spot_trader/internal/repository/memstore"
	"spot_trader/pkg/logging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerUserBudgetsAreIndependent(t *testing.T) {
	m := NewManager(memstore.New(), logging.NewNopLogger(), 2, true)
	alice, bob := uuid.New(), uuid.New()

	assert.True(t, m.RequestSlot(alice))
	assert.True(t, m.RequestSlot(alice))
	assert.False(t, m.RequestSlot(alice))

	assert.True(t, m.RequestSlot(bob))
	assert.Equal(t, 2, m.InUse(alice))
	assert.Equal(t, 1, m.InUse(bob))

	m.ReleaseSlot(alice)
	assert.True(t, m.RequestSlot(alice))
}

func TestGlobalBudgetSharedAcrossUsers(t *testing.T) {
	m := NewManager(memstore.New(), logging.NewNopLogger(), 2, false)

	assert.True(t, m.RequestSlot(uuid.New()))
	assert.True(t, m.RequestSlot(uuid.New()))
	assert.False(t, m.RequestSlot(uuid.New()))
}

func TestReleaseBelowZeroClamps(t *testing.T) {
	m := NewManager(memstore.New(), logging.NewNopLogger(), 1, true)
	user := uuid.New()

	m.ReleaseSlot(user)
	assert.Equal(t, 0, m.InUse(user))
	assert.True(t, m.RequestSlot(user))
}

func TestReconcileHealsDrift(t *testing.T) {
	store := memstore.New()
	m := NewManager(store, logging.NewNopLogger(), 3, true)
	user := uuid.New()
	ctx := context.Background()

	// Claimed two slots but only one group survived.
	require.True(t, m.RequestSlot(user))
	require.True(t, m.RequestSlot(user))
	require.NoError(t, store.Groups().Create(ctx, &core.PositionGroup{
		ID:        uuid.New(),
		UserID:    user,
		Venue:     "mock",
		Symbol:    "BTCUSDT",
		Timeframe: 60,
		Side:      core.SideBuy,
		Status:    core.GroupActive,
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, 1, m.InUse(user))
}

func TestReconcileIgnoresClosedGroups(t *testing.T) {
	store := memstore.New()
	m := NewManager(store, logging.NewNopLogger(), 3, true)
	user := uuid.New()
	ctx := context.Background()

	require.NoError(t, store.Groups().Create(ctx, &core.PositionGroup{
		ID:        uuid.New(),
		UserID:    user,
		Venue:     "mock",
		Symbol:    "ETHUSDT",
		Timeframe: 60,
		Side:      core.SideBuy,
		Status:    core.GroupClosed,
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, 0, m.InUse(user))
}
