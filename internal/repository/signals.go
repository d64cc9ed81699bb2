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

type signalRepo struct {
	store *Store
}

const signalColumns = `id, user_id, venue, symbol, timeframe, side,
	entry_price, order_size_usd, raw_payload, queued_at, replacement_count, current_loss_percent,
	is_pyramid, status, failure_reason, priority_score`

func scanSignal(row interface{ Scan(...interface{}) error }) (*core.QueuedSignal, error) {
	var s core.QueuedSignal
	err := row.Scan(
		&s.ID, &s.UserID, &s.Venue, &s.Symbol, &s.Timeframe, &s.Side,
		&s.EntryPrice, &s.OrderSizeUSD, &s.RawPayload, &s.QueuedAt, &s.ReplacementCount, &s.CurrentLossPercent,
		&s.IsPyramid, &s.Status, &s.FailureReason, &s.PriorityScore,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *signalRepo) Create(ctx context.Context, s *core.QueuedSignal) error {
	_, err := r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO queued_signals (`+signalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.ID, s.UserID, s.Venue, s.Symbol, s.Timeframe, s.Side,
		s.EntryPrice, s.OrderSizeUSD, s.RawPayload, s.QueuedAt, s.ReplacementCount, s.CurrentLossPercent,
		s.IsPyramid, s.Status, s.FailureReason, s.PriorityScore)
	return err
}

func (r *signalRepo) Update(ctx context.Context, s *core.QueuedSignal) error {
	res, err := r.store.q(ctx).ExecContext(ctx, `
		UPDATE queued_signals SET
			entry_price = $2, order_size_usd = $3, raw_payload = $4, queued_at = $5,
			replacement_count = $6, current_loss_percent = $7, is_pyramid = $8,
			status = $9, failure_reason = $10, priority_score = $11
		WHERE id = $1`,
		s.ID,
		s.EntryPrice, s.OrderSizeUSD, s.RawPayload, s.QueuedAt,
		s.ReplacementCount, s.CurrentLossPercent, s.IsPyramid,
		s.Status, s.FailureReason, s.PriorityScore)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: signal %s", apperrors.ErrNotFound, s.ID)
	}
	return nil
}

func (r *signalRepo) Get(ctx context.Context, id uuid.UUID) (*core.QueuedSignal, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM queued_signals WHERE id = $1`, id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: signal %s", apperrors.ErrNotFound, id)
	}
	return s, err
}

func (r *signalRepo) FindQueuedByKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int, side core.Side) (*core.QueuedSignal, error) {
	row := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT `+signalColumns+` FROM queued_signals
		WHERE user_id = $1 AND venue = $2 AND symbol = $3 AND timeframe = $4 AND side = $5
		  AND status = 'queued'`,
		userID, venue, symbol, timeframe, side)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func collectSignals(rows *sql.Rows) ([]*core.QueuedSignal, error) {
	var signals []*core.QueuedSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

func (r *signalRepo) ListQueued(ctx context.Context) ([]*core.QueuedSignal, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+signalColumns+` FROM queued_signals
		WHERE status = 'queued' ORDER BY queued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSignals(rows)
}

func (r *signalRepo) ListQueuedByUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+signalColumns+` FROM queued_signals
		WHERE user_id = $1 AND status = 'queued' ORDER BY queued_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSignals(rows)
}

func (r *signalRepo) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_signals WHERE status = 'queued'`).Scan(&n)
	return n, err
}
