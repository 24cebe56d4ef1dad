// Package broker defines the Gateway boundary to the brokerage and provides a
// live Alpaca implementation plus an in-memory simulator for paper trading.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

// ErrOrderNotFound is returned by the query methods when the broker has no
// record of the order. During recovery this is a meaningful answer, not a
// failure.
var ErrOrderNotFound = errors.New("broker: order not found")

// Ack is the broker's acknowledgment of a submitted order.
type Ack struct {
	BrokerOrderID string
}

// OrderStatus is the broker's live view of one order.
type OrderStatus struct {
	BrokerOrderID string
	State         domain.OrderState
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
}

// RejectionError is an explicit broker-side rejection. It is terminal for the
// order; the record moves to rejected and is never retried.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "broker rejected order: " + e.Reason
}

// TransientError wraps a network failure or timeout. For submit calls the
// outcome is ambiguous: the broker may or may not have received the order, so
// the caller must park the record in submit_unknown rather than assume either
// way.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a network/timeout failure rather than a
// definitive broker answer.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Gateway abstracts brokerage operations for order execution, account queries,
// and the liveness probe. All calls are bounded by the caller's context.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "alpaca", "sim").
	Name() string

	// Submit sends an order for execution. The record's OrderID is passed as
	// the client order id so the broker enforces idempotency on retries across
	// restarts.
	Submit(ctx context.Context, rec domain.OrderRecord) (Ack, error)

	// Cancel requests cancellation of an open order.
	Cancel(ctx context.Context, brokerOrderID string) error

	// QueryOrder returns the live state of an order by broker id.
	QueryOrder(ctx context.Context, brokerOrderID string) (OrderStatus, error)

	// QueryOrderByClientID looks an order up by our locally allocated id,
	// used when a crash left no broker id behind.
	QueryOrderByClientID(ctx context.Context, orderID string) (OrderStatus, error)

	// QueryPositions returns all current positions.
	QueryPositions(ctx context.Context) ([]domain.Position, error)

	// QueryLimits returns available funds and margin usage. It doubles as the
	// session heartbeat.
	QueryLimits(ctx context.Context) (domain.AccountLimits, error)
}
