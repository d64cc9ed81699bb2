package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
)

type orderRepo struct {
	store *Store
}

const orderColumns = `id, group_id, pyramid_id, leg_index,
	side, order_type, price, quantity, gap_percent, weight_percent, tp_percent, tp_price,
	exchange_order_id, status, filled_quantity, avg_fill_price, fee, fee_currency, submitted_at, filled_at,
	tp_order_id, tp_hit`

func scanOrder(row interface{ Scan(...interface{}) error }) (*core.DCAOrder, error) {
	var (
		o                     core.DCAOrder
		submittedAt, filledAt sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.GroupID, &o.PyramidID, &o.LegIndex,
		&o.Side, &o.OrderType, &o.Price, &o.Quantity, &o.GapPercent, &o.WeightPercent, &o.TPPercent, &o.TPPrice,
		&o.ExchangeOrderID, &o.Status, &o.FilledQuantity, &o.AvgFillPrice, &o.Fee, &o.FeeCurrency, &submittedAt, &filledAt,
		&o.TPOrderID, &o.TPHit,
	)
	if err != nil {
		return nil, err
	}
	o.SubmittedAt = timeRef(submittedAt)
	o.FilledAt = timeRef(filledAt)
	return &o, nil
}

func (r *orderRepo) Create(ctx context.Context, o *core.DCAOrder) error {
	_, err := r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO dca_orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		o.ID, o.GroupID, o.PyramidID, o.LegIndex,
		o.Side, o.OrderType, o.Price, o.Quantity, o.GapPercent, o.WeightPercent, o.TPPercent, o.TPPrice,
		o.ExchangeOrderID, o.Status, o.FilledQuantity, o.AvgFillPrice, o.Fee, o.FeeCurrency,
		nullTime(o.SubmittedAt), nullTime(o.FilledAt),
		o.TPOrderID, o.TPHit)
	return err
}

func (r *orderRepo) CreateBatch(ctx context.Context, orders []*core.DCAOrder) error {
	for _, o := range orders {
		if err := r.Create(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (r *orderRepo) Get(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM dca_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	return o, err
}

func (r *orderRepo) Update(ctx context.Context, o *core.DCAOrder) error {
	res, err := r.store.q(ctx).ExecContext(ctx, `
		UPDATE dca_orders SET
			exchange_order_id = $2, status = $3, filled_quantity = $4, avg_fill_price = $5,
			fee = $6, fee_currency = $7, submitted_at = $8, filled_at = $9,
			tp_order_id = $10, tp_hit = $11, price = $12, quantity = $13, tp_price = $14
		WHERE id = $1`,
		o.ID,
		o.ExchangeOrderID, o.Status, o.FilledQuantity, o.AvgFillPrice,
		o.Fee, o.FeeCurrency, nullTime(o.SubmittedAt), nullTime(o.FilledAt),
		o.TPOrderID, o.TPHit, o.Price, o.Quantity, o.TPPrice)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s", apperrors.ErrNotFound, o.ID)
	}
	return nil
}

func collectOrders(rows *sql.Rows) ([]*core.DCAOrder, error) {
	var orders []*core.DCAOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *orderRepo) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx,
		`SELECT `+orderColumns+` FROM dca_orders WHERE group_id = $1 ORDER BY leg_index`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (r *orderRepo) ListEntryLegs(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+orderColumns+` FROM dca_orders
		WHERE group_id = $1 AND leg_index <> $2
		ORDER BY leg_index`, groupID, core.TPFillLegIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (r *orderRepo) ListForReconcile(ctx context.Context) ([]*core.DCAOrder, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+orderColumns+` FROM dca_orders
		WHERE status IN ('open', 'partially_filled', 'trigger_pending')
		   OR (status = 'filled' AND leg_index <> $1 AND tp_hit = FALSE)`,
		core.TPFillLegIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (r *orderRepo) ListOpenByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+orderColumns+` FROM dca_orders
		WHERE group_id = $1 AND status IN ('open', 'partially_filled', 'trigger_pending')
		ORDER BY leg_index`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}
