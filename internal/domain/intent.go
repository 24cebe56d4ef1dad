package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an intent buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution style requested by the strategy.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Intent is a strategy's request to trade. It is immutable once created and is
// consumed exactly once by the execution engine; the Tag field is the
// idempotency key that guarantees a replayed intent never produces a second
// broker order.
type Intent struct {
	StrategyID string
	Symbol     string
	Side       Side
	Quantity   int64
	Type       OrderType
	LimitPrice decimal.Decimal // required iff Type == OrderTypeLimit
	Tag        string
	CreatedAt  time.Time
}

// Validate performs synchronous shape checks. A failed intent is rejected
// before anything is persisted.
func (i Intent) Validate() error {
	if i.StrategyID == "" {
		return &ValidationError{Field: "strategy_id", Reason: "must not be empty"}
	}
	if i.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if i.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	switch i.Type {
	case OrderTypeMarket:
		// no price required
	case OrderTypeLimit:
		if i.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{Field: "limit_price", Reason: "required for limit orders"}
		}
	default:
		return &ValidationError{Field: "order_type", Reason: "must be market or limit"}
	}
	if i.Tag == "" {
		return &ValidationError{Field: "tag", Reason: "must not be empty"}
	}
	return nil
}
