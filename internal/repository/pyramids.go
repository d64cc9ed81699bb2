package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
)

type pyramidRepo struct {
	store *Store
}

const pyramidColumns = `id, group_id, pyramid_index, entry_price, entry_timestamp, config, status`

func scanPyramid(row interface{ Scan(...interface{}) error }) (*core.Pyramid, error) {
	var (
		p   core.Pyramid
		cfg []byte
	)
	if err := row.Scan(&p.ID, &p.GroupID, &p.PyramidIndex, &p.EntryPrice, &p.EntryTimestamp, &cfg, &p.Status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("failed to decode pyramid config: %w", err)
	}
	return &p, nil
}

func (r *pyramidRepo) Create(ctx context.Context, p *core.Pyramid) error {
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	_, err = r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO pyramids (`+pyramidColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.GroupID, p.PyramidIndex, p.EntryPrice, p.EntryTimestamp, cfg, p.Status)
	return err
}

func (r *pyramidRepo) Get(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+pyramidColumns+` FROM pyramids WHERE id = $1`, id)
	p, err := scanPyramid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pyramid %s", apperrors.ErrNotFound, id)
	}
	return p, err
}

func (r *pyramidRepo) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.Pyramid, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx,
		`SELECT `+pyramidColumns+` FROM pyramids WHERE group_id = $1 ORDER BY pyramid_index`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pyramids []*core.Pyramid
	for rows.Next() {
		p, err := scanPyramid(rows)
		if err != nil {
			return nil, err
		}
		pyramids = append(pyramids, p)
	}
	return pyramids, rows.Err()
}

func (r *pyramidRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status core.PyramidStatus) error {
	res, err := r.store.q(ctx).ExecContext(ctx,
		`UPDATE pyramids SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: pyramid %s", apperrors.ErrNotFound, id)
	}
	return nil
}
