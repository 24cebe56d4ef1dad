// Package strategy routes execution callbacks to the trading strategies that
// originated the intents.
package strategy

import (
	"context"

	"github.com/calebriley/optexec/internal/domain"
)

// Strategy is the contract a trading strategy implements to be told about
// its own fills. Intents carry the strategy's name as StrategyID, and the
// engine routes each fill back to the named strategy.
type Strategy interface {
	Name() string
	Init(ctx context.Context) error
	// OnFill is invoked for every fill on an order the strategy submitted,
	// including partial fills.
	OnFill(ctx context.Context, rec domain.OrderRecord, ev domain.FillEvent) error
	Close() error
}
