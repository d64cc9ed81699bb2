package repository

import (
	"context"
	"time"

	"spot_trader/internal/core"

	"github.com/google/uuid"
)

type riskActionRepo struct {
	store *Store
}

const riskActionColumns = `id, group_id, action_type, exit_price, entry_price,
	pnl_percent, realized_pnl_usd, quantity_closed, duration_seconds, notes, ts`

func (r *riskActionRepo) Create(ctx context.Context, a *core.RiskAction) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO risk_actions (`+riskActionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.GroupID, a.ActionType, a.ExitPrice, a.EntryPrice,
		a.PnLPercent, a.RealizedPnLUSD, a.QuantityClosed, a.DurationSeconds, a.Notes, a.Timestamp)
	return err
}

func (r *riskActionRepo) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.RiskAction, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+riskActionColumns+` FROM risk_actions
		WHERE group_id = $1 ORDER BY ts`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*core.RiskAction
	for rows.Next() {
		var a core.RiskAction
		if err := rows.Scan(
			&a.ID, &a.GroupID, &a.ActionType, &a.ExitPrice, &a.EntryPrice,
			&a.PnLPercent, &a.RealizedPnLUSD, &a.QuantityClosed, &a.DurationSeconds, &a.Notes, &a.Timestamp,
		); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}
