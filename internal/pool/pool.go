// Package pool bounds the number of live position groups with a
// counting semaphore, reconciled periodically against the database.
package pool

import (
	"context"
	"sync"

	"spot_trader/internal/core"

	"github.com/google/uuid"
)

// Manager implements core.IPoolManager. When perUser is false every
// user shares one global budget keyed by uuid.Nil.
type Manager struct {
	store   core.Store
	logger  core.ILogger
	cap     int
	perUser bool

	mu    sync.Mutex
	inUse map[uuid.UUID]int
}

// NewManager creates a pool with the given slot cap.
func NewManager(store core.Store, logger core.ILogger, cap int, perUser bool) *Manager {
	return &Manager{
		store:   store,
		logger:  logger.WithField("component", "pool_manager"),
		cap:     cap,
		perUser: perUser,
		inUse:   make(map[uuid.UUID]int),
	}
}

func (m *Manager) key(userID uuid.UUID) uuid.UUID {
	if m.perUser {
		return userID
	}
	return uuid.Nil
}

// RequestSlot claims a slot if the budget allows.
func (m *Manager) RequestSlot(userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(userID)
	if m.inUse[k] >= m.cap {
		return false
	}
	m.inUse[k]++
	return true
}

// ReleaseSlot returns a slot. Releasing below zero is clamped.
func (m *Manager) ReleaseSlot(userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(userID)
	if m.inUse[k] > 0 {
		m.inUse[k]--
	}
	if m.inUse[k] == 0 {
		delete(m.inUse, k)
	}
}

// InUse reports claimed slots for the user's budget.
func (m *Manager) InUse(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[m.key(userID)]
}

// Reconcile rebuilds the counters from open groups in the database,
// healing drift from crashes between slot claim and group persistence.
func (m *Manager) Reconcile(ctx context.Context) error {
	groups, err := m.store.Groups().ListByStatus(ctx,
		core.GroupWaiting, core.GroupLive, core.GroupPartiallyFilled, core.GroupActive, core.GroupClosing)
	if err != nil {
		return err
	}

	fresh := make(map[uuid.UUID]int)
	for _, g := range groups {
		fresh[m.key(g.UserID)]++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, have := range m.inUse {
		if fresh[k] != have {
			m.logger.Warn("pool drift healed", "key", k, "counted", have, "actual", fresh[k])
		}
	}
	m.inUse = fresh
	return nil
}

var _ core.IPoolManager = (*Manager)(nil)
