package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type groupRepo struct {
	store *Store
}

const groupColumns = `id, user_id, venue, symbol, timeframe, side,
	base_entry_price, weighted_avg_entry, total_invested_usd, total_filled_qty,
	total_dca_legs, filled_dca_legs, pyramid_count, max_pyramids, tp_mode, tp_aggregate_percent,
	realized_pnl_usd, unrealized_pnl_usd, unrealized_pnl_percent, total_entry_fees_usd, total_exit_fees_usd,
	risk_blocked, risk_skip_once, risk_timer_start, risk_timer_expires, risk_eligible, closing_started_at,
	replacement_count, status, created_at, updated_at, closed_at`

func scanGroup(row interface{ Scan(...interface{}) error }) (*core.PositionGroup, error) {
	var (
		g                              core.PositionGroup
		timerStart, timerExpires       sql.NullTime
		closingStartedAt, closedAt     sql.NullTime
	)
	err := row.Scan(
		&g.ID, &g.UserID, &g.Venue, &g.Symbol, &g.Timeframe, &g.Side,
		&g.BaseEntryPrice, &g.WeightedAvgEntry, &g.TotalInvestedUSD, &g.TotalFilledQty,
		&g.TotalDCALegs, &g.FilledDCALegs, &g.PyramidCount, &g.MaxPyramids, &g.TPMode, &g.TPAggregatePercent,
		&g.RealizedPnLUSD, &g.UnrealizedPnLUSD, &g.UnrealizedPnLPercent, &g.TotalEntryFeesUSD, &g.TotalExitFeesUSD,
		&g.RiskBlocked, &g.RiskSkipOnce, &timerStart, &timerExpires, &g.RiskEligible, &closingStartedAt,
		&g.ReplacementCount, &g.Status, &g.CreatedAt, &g.UpdatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	g.RiskTimerStart = timeRef(timerStart)
	g.RiskTimerExpires = timeRef(timerExpires)
	g.ClosingStartedAt = timeRef(closingStartedAt)
	g.ClosedAt = timeRef(closedAt)
	return &g, nil
}

func timeRef(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *groupRepo) Create(ctx context.Context, g *core.PositionGroup) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	_, err := r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO position_groups (`+groupColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
		        $17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`,
		g.ID, g.UserID, g.Venue, g.Symbol, g.Timeframe, g.Side,
		g.BaseEntryPrice, g.WeightedAvgEntry, g.TotalInvestedUSD, g.TotalFilledQty,
		g.TotalDCALegs, g.FilledDCALegs, g.PyramidCount, g.MaxPyramids, g.TPMode, g.TPAggregatePercent,
		g.RealizedPnLUSD, g.UnrealizedPnLUSD, g.UnrealizedPnLPercent, g.TotalEntryFeesUSD, g.TotalExitFeesUSD,
		g.RiskBlocked, g.RiskSkipOnce, nullTime(g.RiskTimerStart), nullTime(g.RiskTimerExpires), g.RiskEligible, nullTime(g.ClosingStartedAt),
		g.ReplacementCount, g.Status, g.CreatedAt, g.UpdatedAt, nullTime(g.ClosedAt))
	return err
}

func (r *groupRepo) Get(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM position_groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group %s", apperrors.ErrNotFound, id)
	}
	return g, err
}

func (r *groupRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM position_groups WHERE id = $1 FOR UPDATE`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group %s", apperrors.ErrNotFound, id)
	}
	return g, err
}

func (r *groupRepo) Update(ctx context.Context, g *core.PositionGroup) error {
	g.UpdatedAt = time.Now().UTC()
	res, err := r.store.q(ctx).ExecContext(ctx, `
		UPDATE position_groups SET
			base_entry_price = $2, weighted_avg_entry = $3, total_invested_usd = $4, total_filled_qty = $5,
			total_dca_legs = $6, filled_dca_legs = $7, pyramid_count = $8, max_pyramids = $9,
			tp_mode = $10, tp_aggregate_percent = $11,
			realized_pnl_usd = $12, unrealized_pnl_usd = $13, unrealized_pnl_percent = $14,
			total_entry_fees_usd = $15, total_exit_fees_usd = $16,
			risk_blocked = $17, risk_skip_once = $18, risk_timer_start = $19, risk_timer_expires = $20,
			risk_eligible = $21, closing_started_at = $22,
			replacement_count = $23, status = $24, updated_at = $25, closed_at = $26
		WHERE id = $1`,
		g.ID,
		g.BaseEntryPrice, g.WeightedAvgEntry, g.TotalInvestedUSD, g.TotalFilledQty,
		g.TotalDCALegs, g.FilledDCALegs, g.PyramidCount, g.MaxPyramids,
		g.TPMode, g.TPAggregatePercent,
		g.RealizedPnLUSD, g.UnrealizedPnLUSD, g.UnrealizedPnLPercent,
		g.TotalEntryFeesUSD, g.TotalExitFeesUSD,
		g.RiskBlocked, g.RiskSkipOnce, nullTime(g.RiskTimerStart), nullTime(g.RiskTimerExpires),
		g.RiskEligible, nullTime(g.ClosingStartedAt),
		g.ReplacementCount, g.Status, g.UpdatedAt, nullTime(g.ClosedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: group %s", apperrors.ErrNotFound, g.ID)
	}
	return nil
}

const openStatuses = `'live', 'partially_filled', 'active'`

func (r *groupRepo) FindOpenByKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int, side core.Side) (*core.PositionGroup, error) {
	row := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT `+groupColumns+` FROM position_groups
		WHERE user_id = $1 AND venue = $2 AND symbol = $3 AND timeframe = $4 AND side = $5
		  AND status IN (`+openStatuses+`)`,
		userID, venue, symbol, timeframe, side)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func statusPlaceholders(offset int, statuses []core.GroupStatus) (string, []interface{}) {
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		marks[i] = fmt.Sprintf("$%d", offset+i)
		args[i] = s
	}
	return strings.Join(marks, ", "), args
}

func (r *groupRepo) ListByStatus(ctx context.Context, statuses ...core.GroupStatus) ([]*core.PositionGroup, error) {
	marks, args := statusPlaceholders(1, statuses)
	rows, err := r.store.q(ctx).QueryContext(ctx,
		`SELECT `+groupColumns+` FROM position_groups WHERE status IN (`+marks+`) ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

func (r *groupRepo) ListByUserAndStatus(ctx context.Context, userID uuid.UUID, statuses ...core.GroupStatus) ([]*core.PositionGroup, error) {
	marks, args := statusPlaceholders(2, statuses)
	args = append([]interface{}{userID}, args...)
	rows, err := r.store.q(ctx).QueryContext(ctx,
		`SELECT `+groupColumns+` FROM position_groups WHERE user_id = $1 AND status IN (`+marks+`) ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

func collectGroups(rows *sql.Rows) ([]*core.PositionGroup, error) {
	var groups []*core.PositionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *groupRepo) CountOpenByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM position_groups
		WHERE user_id = $1 AND status IN (`+openStatuses+`)`, userID).Scan(&n)
	return n, err
}

func (r *groupRepo) CountOpenBySymbolKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int) (int, error) {
	var n int
	err := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM position_groups
		WHERE user_id = $1 AND venue = $2 AND symbol = $3 AND timeframe = $4
		  AND status IN (`+openStatuses+`)`,
		userID, venue, symbol, timeframe).Scan(&n)
	return n, err
}

func (r *groupRepo) TotalOpenInvestedUSD(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_invested_usd), 0) FROM position_groups
		WHERE user_id = $1 AND status IN (`+openStatuses+`)`, userID).Scan(&total)
	return total, err
}

func (r *groupRepo) SumRealizedPnLSince(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl_usd), 0) FROM position_groups
		WHERE user_id = $1 AND status = 'closed' AND closed_at >= $2`, userID, since).Scan(&total)
	return total, err
}

func (r *groupRepo) BumpPyramid(ctx context.Context, id uuid.UUID, addLegs int) error {
	res, err := r.store.q(ctx).ExecContext(ctx, `
		UPDATE position_groups
		SET pyramid_count = pyramid_count + 1,
		    total_dca_legs = total_dca_legs + $2,
		    updated_at = now()
		WHERE id = $1`, id, addLegs)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: group %s", apperrors.ErrNotFound, id)
	}
	return nil
}
