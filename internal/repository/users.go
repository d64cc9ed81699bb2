package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
)

type userRepo struct {
	store *Store
}

const userColumns = `id, webhook_secret, credentials, risk_config, default_venue, dca_defaults, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*core.User, error) {
	var (
		u          core.User
		creds      []byte
		risk       []byte
		dcaDefault []byte
	)
	if err := row.Scan(&u.ID, &u.WebhookSecret, &creds, &risk, &dcaDefault, &u.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(creds, &u.Credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	if err := json.Unmarshal(risk, &u.Risk); err != nil {
		return nil, fmt.Errorf("failed to decode risk config: %w", err)
	}
	if err := json.Unmarshal(dcaDefault, &u.DCADefaults); err != nil {
		return nil, fmt.Errorf("failed to decode dca defaults: %w", err)
	}
	return &u, nil
}

func (r *userRepo) Get(ctx context.Context, id uuid.UUID) (*core.User, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, id)
	}
	return u, err
}

func (r *userRepo) List(ctx context.Context) ([]*core.User, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *userRepo) UpdateRiskConfig(ctx context.Context, id uuid.UUID, cfg core.RiskConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	res, err := r.store.q(ctx).ExecContext(ctx,
		`UPDATE users SET risk_config = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", apperrors.ErrNotFound, id)
	}
	return nil
}

// Upsert is used by seed tooling and tests.
func (r *userRepo) Upsert(ctx context.Context, u *core.User) error {
	creds, err := json.Marshal(u.Credentials)
	if err != nil {
		return err
	}
	risk, err := json.Marshal(u.Risk)
	if err != nil {
		return err
	}
	dca, err := json.Marshal(u.DCADefaults)
	if err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err = r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO users (id, webhook_secret, credentials, risk_config, default_venue, dca_defaults, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			webhook_secret = EXCLUDED.webhook_secret,
			credentials    = EXCLUDED.credentials,
			risk_config    = EXCLUDED.risk_config,
			default_venue  = EXCLUDED.default_venue,
			dca_defaults   = EXCLUDED.dca_defaults`,
		u.ID, u.WebhookSecret, creds, risk, u.DefaultVenue, dca, u.CreatedAt)
	return err
}
