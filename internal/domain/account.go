package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the risk manager's working state. It is reset at the
// start of each trading day, mutated by fills, and read by every pre-trade
// check. A single owner (the risk manager) serializes all access.
type AccountSnapshot struct {
	TradingDay        time.Time // midnight, exchange timezone
	DailyRealizedPnL  decimal.Decimal
	DailyLossLimitHit bool
	OpenPositionCount int
}

// Position is a broker-reported holding.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
}

// AccountLimits is the broker's view of available funds, used for margin
// checks and as the session-monitor liveness probe payload.
type AccountLimits struct {
	AvailableCash decimal.Decimal
	UsedMargin    decimal.Decimal
	BuyingPower   decimal.Decimal
}
