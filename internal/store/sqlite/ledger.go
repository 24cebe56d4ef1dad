// Package sqlite implements the order ledger and audit store on a local
// SQLite database. It backs paper mode and local development; the schema and
// invariants mirror the PostgreSQL ledger.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/calebriley/optexec/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.OrderLedger = (*Ledger)(nil)
	_ domain.AuditStore  = (*Ledger)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id        TEXT PRIMARY KEY,
    broker_order_id TEXT NOT NULL DEFAULT '',
    strategy_id     TEXT NOT NULL,
    intent_tag      TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    order_type      TEXT NOT NULL,
    limit_price     TEXT NOT NULL DEFAULT '0',
    state           TEXT NOT NULL,
    requested_qty   INTEGER NOT NULL,
    filled_qty      INTEGER NOT NULL DEFAULT 0,
    avg_fill_price  TEXT NOT NULL DEFAULT '0',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS orders_intent_tag_active
    ON orders (intent_tag)
    WHERE state <> 'rejected';

CREATE INDEX IF NOT EXISTS orders_state_idx ON orders (state);
CREATE INDEX IF NOT EXISTS orders_updated_at_idx ON orders (updated_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    detail     TEXT,
    created_at TEXT NOT NULL
);
`

// Ledger implements domain.OrderLedger and domain.AuditStore on SQLite.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent order flow.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// timeFormat keeps fractional seconds fixed-width so lexicographic comparison
// on the TEXT columns matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const orderCols = `order_id, broker_order_id, strategy_id, intent_tag, symbol,
	side, order_type, limit_price, state, requested_qty, filled_qty,
	avg_fill_price, retry_count, created_at, updated_at`

// Insert persists a new order record, returning domain.ErrAlreadyExists when
// the intent tag already has an active record.
func (l *Ledger) Insert(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		INSERT INTO orders (
			order_id, broker_order_id, strategy_id, intent_tag, symbol,
			side, order_type, limit_price, state, requested_qty, filled_qty,
			avg_fill_price, retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, query,
		rec.OrderID, rec.BrokerOrderID, rec.StrategyID, rec.IntentTag, rec.Symbol,
		string(rec.Side), string(rec.Type), rec.LimitPrice.String(), string(rec.State),
		rec.RequestedQty, rec.FilledQty, rec.AvgFillPrice.String(), rec.RetryCount,
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: insert order %s: %w", rec.OrderID, err)
	}
	return nil
}

// Update rewrites an existing record.
func (l *Ledger) Update(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		UPDATE orders SET
			broker_order_id = ?, state = ?, filled_qty = ?,
			avg_fill_price = ?, retry_count = ?, updated_at = ?
		WHERE order_id = ?`

	res, err := l.db.ExecContext(ctx, query,
		rec.BrokerOrderID, string(rec.State), rec.FilledQty,
		rec.AvgFillPrice.String(), rec.RetryCount,
		rec.UpdatedAt.UTC().Format(timeFormat),
		rec.OrderID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update order %s: %w", rec.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update order %s: %w", rec.OrderID, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.OrderRecord, error) {
	var (
		rec                      domain.OrderRecord
		side, orderType, state   string
		limitPrice, avgFillPrice string
		createdAt, updatedAt     string
	)
	err := scanner.Scan(
		&rec.OrderID, &rec.BrokerOrderID, &rec.StrategyID, &rec.IntentTag, &rec.Symbol,
		&side, &orderType, &limitPrice, &state, &rec.RequestedQty, &rec.FilledQty,
		&avgFillPrice, &rec.RetryCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	rec.Side = domain.Side(side)
	rec.Type = domain.OrderType(orderType)
	rec.State = domain.OrderState(state)
	if rec.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("parse limit_price %q: %w", limitPrice, err)
	}
	if rec.AvgFillPrice, err = decimal.NewFromString(avgFillPrice); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("parse avg_fill_price %q: %w", avgFillPrice, err)
	}
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if rec.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	return rec, nil
}

func scanOrders(rows *sql.Rows) ([]domain.OrderRecord, error) {
	var records []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get retrieves a single record by order id.
func (l *Ledger) Get(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE order_id = ?`, orderID)

	rec, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("sqlite: get order %s: %w", orderID, err)
	}
	return rec, nil
}

// GetByTag retrieves the active (non-rejected) record for an intent tag.
func (l *Ledger) GetByTag(ctx context.Context, tag string) (domain.OrderRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE intent_tag = ? AND state <> 'rejected'
		 ORDER BY created_at DESC LIMIT 1`, tag)

	rec, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("sqlite: get order by tag %s: %w", tag, err)
	}
	return rec, nil
}

// ListNonTerminal returns every record still requiring attention, oldest
// first.
func (l *Ledger) ListNonTerminal(ctx context.Context) ([]domain.OrderRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE state IN ('pending', 'submitting', 'open', 'partially_filled', 'submit_unknown')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list non-terminal orders: %w", err)
	}
	defer rows.Close()

	records, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan non-terminal orders: %w", err)
	}
	return records, nil
}

// ListUpdatedSince returns records touched at or after the given time, in
// creation order.
func (l *Ledger) ListUpdatedSince(ctx context.Context, since time.Time) ([]domain.OrderRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE updated_at >= ?
		 ORDER BY created_at ASC`, since.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders updated since %s: %w", since, err)
	}
	defer rows.Close()

	records, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan updated orders: %w", err)
	}
	return records, nil
}

// Log appends an audit entry with a JSON detail blob.
func (l *Ledger) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(detailJSON), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (l *Ledger) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log`
	args := []any{}
	var conds []string
	if opts.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, opts.Since.UTC().Format(timeFormat))
	}
	if opts.Until != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, opts.Until.UTC().Format(timeFormat))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.Event, &detailJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detailJSON != "" {
			if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse audit created_at %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return entries, nil
}
