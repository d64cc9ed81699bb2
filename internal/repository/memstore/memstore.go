// Package memstore is an in-memory core.Store used by unit tests and by
// the bundled mock exchange tooling. It mirrors the Postgres queries
// closely enough to exercise the engine without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	users       map[uuid.UUID]*core.User
	groups      map[uuid.UUID]*core.PositionGroup
	pyramids    map[uuid.UUID]*core.Pyramid
	orders      map[uuid.UUID]*core.DCAOrder
	signals     map[uuid.UUID]*core.QueuedSignal
	riskActions map[uuid.UUID]*core.RiskAction
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:       make(map[uuid.UUID]*core.User),
		groups:      make(map[uuid.UUID]*core.PositionGroup),
		pyramids:    make(map[uuid.UUID]*core.Pyramid),
		orders:      make(map[uuid.UUID]*core.DCAOrder),
		signals:     make(map[uuid.UUID]*core.QueuedSignal),
		riskActions: make(map[uuid.UUID]*core.RiskAction),
	}
}

func (s *Store) Users() core.UserRepository             { return (*userRepo)(s) }
func (s *Store) Groups() core.GroupRepository           { return (*groupRepo)(s) }
func (s *Store) Pyramids() core.PyramidRepository       { return (*pyramidRepo)(s) }
func (s *Store) Orders() core.OrderRepository           { return (*orderRepo)(s) }
func (s *Store) Signals() core.SignalRepository         { return (*signalRepo)(s) }
func (s *Store) RiskActions() core.RiskActionRepository { return (*riskActionRepo)(s) }

// WithTx runs fn directly. The in-memory store has no transactions, so
// callers relying on rollback semantics must not use it for those paths.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Store) Healthy(ctx context.Context) error { return nil }

// AddUser seeds a user.
func (s *Store) AddUser(u *core.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

type userRepo Store

func (r *userRepo) Get(ctx context.Context, id uuid.UUID) (*core.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (r *userRepo) List(ctx context.Context) ([]*core.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]*core.User, 0, len(r.users))
	for _, u := range r.users {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (r *userRepo) UpdateRiskConfig(ctx context.Context, id uuid.UUID, cfg core.RiskConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", apperrors.ErrNotFound, id)
	}
	u.Risk = cfg
	return nil
}

type groupRepo Store

func (r *groupRepo) Create(ctx context.Context, g *core.PositionGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	cp := *g
	r.groups[g.ID] = &cp
	return nil
}

func (r *groupRepo) Get(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", apperrors.ErrNotFound, id)
	}
	cp := *g
	return &cp, nil
}

func (r *groupRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	return r.Get(ctx, id)
}

func (r *groupRepo) Update(ctx context.Context, g *core.PositionGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; !ok {
		return fmt.Errorf("%w: group %s", apperrors.ErrNotFound, g.ID)
	}
	g.UpdatedAt = time.Now().UTC()
	cp := *g
	r.groups[g.ID] = &cp
	return nil
}

func (r *groupRepo) FindOpenByKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int, side core.Side) (*core.PositionGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if g.UserID == userID && g.Venue == venue && g.Symbol == symbol &&
			g.Timeframe == timeframe && g.Side == side && g.Status.IsOpen() {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func statusIn(status core.GroupStatus, statuses []core.GroupStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (r *groupRepo) ListByStatus(ctx context.Context, statuses ...core.GroupStatus) ([]*core.PositionGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.PositionGroup
	for _, g := range r.groups {
		if statusIn(g.Status, statuses) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *groupRepo) ListByUserAndStatus(ctx context.Context, userID uuid.UUID, statuses ...core.GroupStatus) ([]*core.PositionGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.PositionGroup
	for _, g := range r.groups {
		if g.UserID == userID && statusIn(g.Status, statuses) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *groupRepo) CountOpenByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, g := range r.groups {
		if g.UserID == userID && g.Status.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (r *groupRepo) CountOpenBySymbolKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, g := range r.groups {
		if g.UserID == userID && g.Venue == venue && g.Symbol == symbol &&
			g.Timeframe == timeframe && g.Status.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (r *groupRepo) TotalOpenInvestedUSD(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, g := range r.groups {
		if g.UserID == userID && g.Status.IsOpen() {
			total = total.Add(g.TotalInvestedUSD)
		}
	}
	return total, nil
}

func (r *groupRepo) SumRealizedPnLSince(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, g := range r.groups {
		if g.UserID == userID && g.Status == core.GroupClosed &&
			g.ClosedAt != nil && !g.ClosedAt.Before(since) {
			total = total.Add(g.RealizedPnLUSD)
		}
	}
	return total, nil
}

func (r *groupRepo) BumpPyramid(ctx context.Context, id uuid.UUID, addLegs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("%w: group %s", apperrors.ErrNotFound, id)
	}
	g.PyramidCount++
	g.TotalDCALegs += addLegs
	g.UpdatedAt = time.Now().UTC()
	return nil
}

type pyramidRepo Store

func (r *pyramidRepo) Create(ctx context.Context, p *core.Pyramid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.pyramids[p.ID] = &cp
	return nil
}

func (r *pyramidRepo) Get(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pyramids[id]
	if !ok {
		return nil, fmt.Errorf("%w: pyramid %s", apperrors.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (r *pyramidRepo) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.Pyramid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Pyramid
	for _, p := range r.pyramids {
		if p.GroupID == groupID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PyramidIndex < out[j].PyramidIndex })
	return out, nil
}

func (r *pyramidRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status core.PyramidStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pyramids[id]
	if !ok {
		return fmt.Errorf("%w: pyramid %s", apperrors.ErrNotFound, id)
	}
	p.Status = status
	return nil
}

type orderRepo Store

func (r *orderRepo) Create(ctx context.Context, o *core.DCAOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *orderRepo) CreateBatch(ctx context.Context, orders []*core.DCAOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range orders {
		cp := *o
		r.orders[o.ID] = &cp
	}
	return nil
}

func (r *orderRepo) Get(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (r *orderRepo) Update(ctx context.Context, o *core.DCAOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %s", apperrors.ErrNotFound, o.ID)
	}
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *orderRepo) listWhere(match func(*core.DCAOrder) bool) []*core.DCAOrder {
	var out []*core.DCAOrder
	for _, o := range r.orders {
		if match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegIndex < out[j].LegIndex })
	return out
}

func (r *orderRepo) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listWhere(func(o *core.DCAOrder) bool { return o.GroupID == groupID }), nil
}

func (r *orderRepo) ListEntryLegs(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listWhere(func(o *core.DCAOrder) bool {
		return o.GroupID == groupID && o.IsEntryLeg()
	}), nil
}

func orderNeedsReconcile(o *core.DCAOrder) bool {
	switch o.Status {
	case core.OrderOpen, core.OrderPartiallyFilled, core.OrderTriggerPending:
		return true
	case core.OrderFilled:
		return o.IsEntryLeg() && !o.TPHit
	}
	return false
}

func (r *orderRepo) ListForReconcile(ctx context.Context) ([]*core.DCAOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listWhere(orderNeedsReconcile), nil
}

func (r *orderRepo) ListOpenByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listWhere(func(o *core.DCAOrder) bool {
		if o.GroupID != groupID {
			return false
		}
		switch o.Status {
		case core.OrderOpen, core.OrderPartiallyFilled, core.OrderTriggerPending:
			return true
		}
		return false
	}), nil
}

type signalRepo Store

func (r *signalRepo) Create(ctx context.Context, s *core.QueuedSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.signals[s.ID] = &cp
	return nil
}

func (r *signalRepo) Update(ctx context.Context, s *core.QueuedSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signals[s.ID]; !ok {
		return fmt.Errorf("%w: signal %s", apperrors.ErrNotFound, s.ID)
	}
	cp := *s
	r.signals[s.ID] = &cp
	return nil
}

func (r *signalRepo) Get(ctx context.Context, id uuid.UUID) (*core.QueuedSignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: signal %s", apperrors.ErrNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (r *signalRepo) FindQueuedByKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int, side core.Side) (*core.QueuedSignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.signals {
		if s.UserID == userID && s.Venue == venue && s.Symbol == symbol &&
			s.Timeframe == timeframe && s.Side == side && s.Status == core.SignalQueued {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *signalRepo) listQueued(match func(*core.QueuedSignal) bool) []*core.QueuedSignal {
	var out []*core.QueuedSignal
	for _, s := range r.signals {
		if s.Status == core.SignalQueued && match(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

func (r *signalRepo) ListQueued(ctx context.Context) ([]*core.QueuedSignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listQueued(func(*core.QueuedSignal) bool { return true }), nil
}

func (r *signalRepo) ListQueuedByUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listQueued(func(s *core.QueuedSignal) bool { return s.UserID == userID }), nil
}

func (r *signalRepo) CountQueued(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.signals {
		if s.Status == core.SignalQueued {
			n++
		}
	}
	return n, nil
}

type riskActionRepo Store

func (r *riskActionRepo) Create(ctx context.Context, a *core.RiskAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	cp := *a
	r.riskActions[a.ID] = &cp
	return nil
}

func (r *riskActionRepo) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.RiskAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.RiskAction
	for _, a := range r.riskActions {
		if a.GroupID == groupID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

var _ core.Store = (*Store)(nil)
