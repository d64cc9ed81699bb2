// Package mockex is the bundled reference exchange: a REST service over
// a sqlite store of symbols, orders, balances, and prices, with admin
// endpoints to steer prices, precision, balances, and injected errors.
// It speaks the same wire format the engine's REST connector expects.
package mockex

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	price        TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	filled       TEXT NOT NULL,
	avg_price    TEXT NOT NULL,
	fee          TEXT NOT NULL,
	fee_currency TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS tickers (
	symbol TEXT PRIMARY KEY,
	last   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
	currency TEXT PRIMARY KEY,
	total    TEXT NOT NULL,
	free     TEXT NOT NULL,
	used     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS precision_rules (
	symbol       TEXT PRIMARY KEY,
	tick_size    TEXT NOT NULL,
	step_size    TEXT NOT NULL,
	min_qty      TEXT NOT NULL,
	min_notional TEXT NOT NULL
);
`

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite database and applies the schema.
// Use ":memory:" for an ephemeral instance.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite handles one writer; a single connection avoids SQLITE_BUSY
	// and keeps :memory: instances coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the sqlite handle.
func (s *Store) Close() error { return s.db.Close() }

// Reset drops all state, keeping the schema.
func (s *Store) Reset() error {
	for _, table := range []string{"orders", "tickers", "balances", "precision_rules"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	return nil
}

type orderRow struct {
	ID          string
	Symbol      string
	Side        string
	Type        string
	Status      string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Filled      decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	CreatedAt   time.Time
}

func scanOrder(scan func(dest ...any) error) (*orderRow, error) {
	var o orderRow
	var price, qty, filled, avg, fee string
	if err := scan(&o.ID, &o.Symbol, &o.Side, &o.Type, &o.Status,
		&price, &qty, &filled, &avg, &fee, &o.FeeCurrency, &o.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if o.Filled, err = decimal.NewFromString(filled); err != nil {
		return nil, err
	}
	if o.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, err
	}
	if o.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	return &o, nil
}

const orderColumns = "id, symbol, side, type, status, price, quantity, filled, avg_price, fee, fee_currency, created_at"

func (s *Store) insertOrder(o *orderRow) error {
	_, err := s.db.Exec(
		"INSERT INTO orders ("+orderColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?)",
		o.ID, o.Symbol, o.Side, o.Type, o.Status,
		o.Price.String(), o.Quantity.String(), o.Filled.String(),
		o.AvgPrice.String(), o.Fee.String(), o.FeeCurrency, o.CreatedAt)
	return err
}

func (s *Store) updateOrder(o *orderRow) error {
	_, err := s.db.Exec(
		"UPDATE orders SET status = ?, filled = ?, avg_price = ?, fee = ? WHERE id = ?",
		o.Status, o.Filled.String(), o.AvgPrice.String(), o.Fee.String(), o.ID)
	return err
}

func (s *Store) getOrder(id string) (*orderRow, error) {
	row := s.db.QueryRow("SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) listOrders(symbol, status string) ([]*orderRow, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	var args []any
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orderRow
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) getTicker(symbol string) (decimal.Decimal, bool, error) {
	var last string
	err := s.db.QueryRow("SELECT last FROM tickers WHERE symbol = ?", symbol).Scan(&last)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(last)
	return d, err == nil, err
}

func (s *Store) setTicker(symbol string, last decimal.Decimal) error {
	_, err := s.db.Exec(
		"INSERT INTO tickers (symbol, last) VALUES (?, ?) ON CONFLICT(symbol) DO UPDATE SET last = excluded.last",
		symbol, last.String())
	return err
}

func (s *Store) allTickers() (map[string]decimal.Decimal, error) {
	rows, err := s.db.Query("SELECT symbol, last FROM tickers")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var symbol, last string
		if err := rows.Scan(&symbol, &last); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(last)
		if err != nil {
			return nil, err
		}
		out[symbol] = d
	}
	return out, rows.Err()
}

type balanceRow struct {
	Currency string
	Total    decimal.Decimal
	Free     decimal.Decimal
	Used     decimal.Decimal
}

func (s *Store) getBalance(currency string) (*balanceRow, error) {
	var total, free, used string
	err := s.db.QueryRow(
		"SELECT total, free, used FROM balances WHERE currency = ?", currency).
		Scan(&total, &free, &used)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b := &balanceRow{Currency: currency}
	if b.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if b.Free, err = decimal.NewFromString(free); err != nil {
		return nil, err
	}
	if b.Used, err = decimal.NewFromString(used); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) setBalance(b *balanceRow) error {
	_, err := s.db.Exec(
		`INSERT INTO balances (currency, total, free, used) VALUES (?, ?, ?, ?)
		 ON CONFLICT(currency) DO UPDATE SET total = excluded.total, free = excluded.free, used = excluded.used`,
		b.Currency, b.Total.String(), b.Free.String(), b.Used.String())
	return err
}

type precisionRow struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

func (s *Store) setPrecision(p *precisionRow) error {
	_, err := s.db.Exec(
		`INSERT INTO precision_rules (symbol, tick_size, step_size, min_qty, min_notional) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET tick_size = excluded.tick_size, step_size = excluded.step_size,
		 min_qty = excluded.min_qty, min_notional = excluded.min_notional`,
		p.Symbol, p.TickSize.String(), p.StepSize.String(), p.MinQty.String(), p.MinNotional.String())
	return err
}

func (s *Store) allPrecision() ([]*precisionRow, error) {
	rows, err := s.db.Query("SELECT symbol, tick_size, step_size, min_qty, min_notional FROM precision_rules")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*precisionRow
	for rows.Next() {
		var p precisionRow
		var tick, step, minQty, minNotional string
		if err := rows.Scan(&p.Symbol, &tick, &step, &minQty, &minNotional); err != nil {
			return nil, err
		}
		if p.TickSize, err = decimal.NewFromString(tick); err != nil {
			return nil, err
		}
		if p.StepSize, err = decimal.NewFromString(step); err != nil {
			return nil, err
		}
		if p.MinQty, err = decimal.NewFromString(minQty); err != nil {
			return nil, err
		}
		if p.MinNotional, err = decimal.NewFromString(minNotional); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
