package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

// Ledger implements domain.OrderLedger using PostgreSQL. The partial unique
// index on intent_tag enforces the single-active-record-per-tag invariant at
// the database level, backing the engine's in-process tag lock.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Compile-time interface check.
var _ domain.OrderLedger = (*Ledger)(nil)

const orderCols = `order_id, broker_order_id, strategy_id, intent_tag, symbol,
	side, order_type, limit_price, state, requested_qty, filled_qty,
	avg_fill_price, retry_count, created_at, updated_at`

// Insert persists a new order record. It returns domain.ErrAlreadyExists when
// the intent tag already has an active record.
func (l *Ledger) Insert(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		INSERT INTO orders (
			order_id, broker_order_id, strategy_id, intent_tag, symbol,
			side, order_type, limit_price, state, requested_qty, filled_qty,
			avg_fill_price, retry_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)`

	_, err := l.pool.Exec(ctx, query,
		rec.OrderID, rec.BrokerOrderID, rec.StrategyID, rec.IntentTag, rec.Symbol,
		string(rec.Side), string(rec.Type), rec.LimitPrice.String(), string(rec.State),
		rec.RequestedQty, rec.FilledQty, rec.AvgFillPrice.String(), rec.RetryCount,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert order %s: %w", rec.OrderID, err)
	}
	return nil
}

// Update rewrites an existing record.
func (l *Ledger) Update(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		UPDATE orders SET
			broker_order_id = $2, state = $3, filled_qty = $4,
			avg_fill_price = $5, retry_count = $6, updated_at = $7
		WHERE order_id = $1`

	tag, err := l.pool.Exec(ctx, query,
		rec.OrderID, rec.BrokerOrderID, string(rec.State), rec.FilledQty,
		rec.AvgFillPrice.String(), rec.RetryCount, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", rec.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.OrderRecord, error) {
	var (
		rec                      domain.OrderRecord
		side, orderType, state   string
		limitPrice, avgFillPrice string
	)
	err := scanner.Scan(
		&rec.OrderID, &rec.BrokerOrderID, &rec.StrategyID, &rec.IntentTag, &rec.Symbol,
		&side, &orderType, &limitPrice, &state, &rec.RequestedQty, &rec.FilledQty,
		&avgFillPrice, &rec.RetryCount, &rec.CreatedAt, &rec.UpdatedAt,
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
	return rec, nil
}

func scanOrders(rows pgx.Rows) ([]domain.OrderRecord, error) {
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
	row := l.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE order_id = $1`, orderID)

	rec, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order %s: %w", orderID, err)
	}
	return rec, nil
}

// GetByTag retrieves the active (non-rejected) record for an intent tag.
func (l *Ledger) GetByTag(ctx context.Context, tag string) (domain.OrderRecord, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE intent_tag = $1 AND state <> 'rejected'
		 ORDER BY created_at DESC LIMIT 1`, tag)

	rec, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order by tag %s: %w", tag, err)
	}
	return rec, nil
}

// ListNonTerminal returns every record still requiring attention, oldest
// first. Used only by the recovery scan.
func (l *Ledger) ListNonTerminal(ctx context.Context) ([]domain.OrderRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE state IN ('pending', 'submitting', 'open', 'partially_filled', 'submit_unknown')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list non-terminal orders: %w", err)
	}
	defer rows.Close()

	records, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan non-terminal orders: %w", err)
	}
	return records, nil
}

// ListUpdatedSince returns records touched at or after the given time, in
// creation order. The recovery coordinator uses it to replay the day's fills.
func (l *Ledger) ListUpdatedSince(ctx context.Context, since time.Time) ([]domain.OrderRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE updated_at >= $1
		 ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders updated since %s: %w", since, err)
	}
	defer rows.Close()

	records, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan updated orders: %w", err)
	}
	return records, nil
}
