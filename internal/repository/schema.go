package repository

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id             UUID PRIMARY KEY,
    webhook_secret TEXT NOT NULL,
    credentials    JSONB NOT NULL DEFAULT '{}',
    risk_config    JSONB NOT NULL DEFAULT '{}',
    default_venue  TEXT NOT NULL DEFAULT '',
    dca_defaults   JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS position_groups (
    id                     UUID PRIMARY KEY,
    user_id                UUID NOT NULL REFERENCES users(id),
    venue                  TEXT NOT NULL,
    symbol                 TEXT NOT NULL,
    timeframe              INT NOT NULL,
    side                   TEXT NOT NULL,

    base_entry_price       NUMERIC NOT NULL DEFAULT 0,
    weighted_avg_entry     NUMERIC NOT NULL DEFAULT 0,
    total_invested_usd     NUMERIC NOT NULL DEFAULT 0,
    total_filled_qty       NUMERIC NOT NULL DEFAULT 0,
    total_dca_legs         INT NOT NULL DEFAULT 0,
    filled_dca_legs        INT NOT NULL DEFAULT 0,
    pyramid_count          INT NOT NULL DEFAULT 0,
    max_pyramids           INT NOT NULL DEFAULT 0,
    tp_mode                TEXT NOT NULL DEFAULT 'per_leg',
    tp_aggregate_percent   NUMERIC NOT NULL DEFAULT 0,

    realized_pnl_usd       NUMERIC NOT NULL DEFAULT 0,
    unrealized_pnl_usd     NUMERIC NOT NULL DEFAULT 0,
    unrealized_pnl_percent NUMERIC NOT NULL DEFAULT 0,
    total_entry_fees_usd   NUMERIC NOT NULL DEFAULT 0,
    total_exit_fees_usd    NUMERIC NOT NULL DEFAULT 0,

    risk_blocked           BOOLEAN NOT NULL DEFAULT FALSE,
    risk_skip_once         BOOLEAN NOT NULL DEFAULT FALSE,
    risk_timer_start       TIMESTAMPTZ,
    risk_timer_expires     TIMESTAMPTZ,
    risk_eligible          BOOLEAN NOT NULL DEFAULT FALSE,
    closing_started_at     TIMESTAMPTZ,

    replacement_count      INT NOT NULL DEFAULT 0,

    status                 TEXT NOT NULL,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    closed_at              TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_groups_user_status
    ON position_groups (user_id, status);
CREATE INDEX IF NOT EXISTS idx_groups_status
    ON position_groups (status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_open_key
    ON position_groups (user_id, venue, symbol, timeframe, side)
    WHERE status IN ('live', 'partially_filled', 'active');

CREATE TABLE IF NOT EXISTS pyramids (
    id              UUID PRIMARY KEY,
    group_id        UUID NOT NULL REFERENCES position_groups(id),
    pyramid_index   INT NOT NULL,
    entry_price     NUMERIC NOT NULL,
    entry_timestamp TIMESTAMPTZ NOT NULL,
    config          JSONB NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pyramids_group ON pyramids (group_id);

CREATE TABLE IF NOT EXISTS dca_orders (
    id                UUID PRIMARY KEY,
    group_id          UUID NOT NULL REFERENCES position_groups(id),
    pyramid_id        UUID NOT NULL,
    leg_index         INT NOT NULL,

    side              TEXT NOT NULL,
    order_type        TEXT NOT NULL,
    price             NUMERIC NOT NULL DEFAULT 0,
    quantity          NUMERIC NOT NULL DEFAULT 0,
    gap_percent       NUMERIC NOT NULL DEFAULT 0,
    weight_percent    NUMERIC NOT NULL DEFAULT 0,
    tp_percent        NUMERIC NOT NULL DEFAULT 0,
    tp_price          NUMERIC NOT NULL DEFAULT 0,

    exchange_order_id TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    filled_quantity   NUMERIC NOT NULL DEFAULT 0,
    avg_fill_price    NUMERIC NOT NULL DEFAULT 0,
    fee               NUMERIC NOT NULL DEFAULT 0,
    fee_currency      TEXT NOT NULL DEFAULT '',
    submitted_at      TIMESTAMPTZ,
    filled_at         TIMESTAMPTZ,

    tp_order_id       TEXT NOT NULL DEFAULT '',
    tp_hit            BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_orders_group ON dca_orders (group_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON dca_orders (status);

CREATE TABLE IF NOT EXISTS queued_signals (
    id                   UUID PRIMARY KEY,
    user_id              UUID NOT NULL REFERENCES users(id),
    venue                TEXT NOT NULL,
    symbol               TEXT NOT NULL,
    timeframe            INT NOT NULL,
    side                 TEXT NOT NULL,

    entry_price          NUMERIC NOT NULL DEFAULT 0,
    order_size_usd       NUMERIC NOT NULL DEFAULT 0,
    raw_payload          BYTEA,
    queued_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    replacement_count    INT NOT NULL DEFAULT 0,
    current_loss_percent NUMERIC NOT NULL DEFAULT 0,
    is_pyramid           BOOLEAN NOT NULL DEFAULT FALSE,
    status               TEXT NOT NULL,
    failure_reason       TEXT NOT NULL DEFAULT '',
    priority_score       NUMERIC NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_signals_status ON queued_signals (status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_queued_key
    ON queued_signals (user_id, venue, symbol, timeframe, side)
    WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS risk_actions (
    id               UUID PRIMARY KEY,
    group_id         UUID NOT NULL,
    action_type      TEXT NOT NULL,
    exit_price       NUMERIC NOT NULL DEFAULT 0,
    entry_price      NUMERIC NOT NULL DEFAULT 0,
    pnl_percent      NUMERIC NOT NULL DEFAULT 0,
    realized_pnl_usd NUMERIC NOT NULL DEFAULT 0,
    quantity_closed  NUMERIC NOT NULL DEFAULT 0,
    duration_seconds BIGINT NOT NULL DEFAULT 0,
    notes            TEXT NOT NULL DEFAULT '',
    ts               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_risk_actions_group ON risk_actions (group_id);
`
