// Package risk gates order flow behind account and day limits and keeps the
// running daily P&L.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

// Config holds the tunable parameters for pre-trade risk checks.
type Config struct {
	// MaxDailyLoss is the positive loss amount that trips the daily kill
	// switch once realized P&L reaches -MaxDailyLoss.
	MaxDailyLoss decimal.Decimal
	// MaxOpenPositions caps the number of distinct symbols held.
	MaxOpenPositions int
	// MaxSymbolExposure caps notional per symbol (0 disables the check).
	MaxSymbolExposure decimal.Decimal
	// MaxAggregateExposure caps total notional (0 disables the check).
	MaxAggregateExposure decimal.Decimal
	// Timezone determines the trading-day boundary for the daily reset.
	Timezone *time.Location
}

// LimitsSource supplies the broker's view of available funds for margin
// checks. The broker gateway satisfies it.
type LimitsSource interface {
	QueryLimits(ctx context.Context) (domain.AccountLimits, error)
}

// lot is the average-cost holding for one symbol.
type lot struct {
	qty     int64
	avgCost decimal.Decimal
}

// Manager owns the AccountSnapshot. A single mutex serializes every check and
// every fill application so risk decisions always observe a consistent
// snapshot.
type Manager struct {
	mu       sync.Mutex
	snapshot domain.AccountSnapshot
	lots     map[string]*lot

	cfg    Config
	limits LimitsSource
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager with an empty snapshot for the current trading
// day.
func NewManager(cfg Config, limits LimitsSource, logger *slog.Logger) *Manager {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	m := &Manager{
		cfg:    cfg,
		limits: limits,
		lots:   make(map[string]*lot),
		logger: logger.With(slog.String("component", "risk")),
		now:    time.Now,
	}
	m.snapshot.TradingDay = m.tradingDay(m.now())
	return m
}

func (m *Manager) tradingDay(t time.Time) time.Time {
	t = t.In(m.cfg.Timezone)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, m.cfg.Timezone)
}

// rollDay resets the daily snapshot when the trading day has changed.
// Positions carry over; realized P&L and the loss-limit flag do not.
// Caller holds m.mu.
func (m *Manager) rollDay() {
	day := m.tradingDay(m.now())
	if day.Equal(m.snapshot.TradingDay) {
		return
	}
	m.logger.Info("trading day rolled",
		slog.Time("from", m.snapshot.TradingDay),
		slog.Time("to", day),
	)
	m.snapshot = domain.AccountSnapshot{
		TradingDay:        day,
		OpenPositionCount: len(m.lots),
	}
}

// Check evaluates an intent against the configured limits. It returns a
// *domain.DenialError when the intent must not trade (terminal for this
// intent, never retried) or a wrapped transport error when the broker's
// margin figures could not be read; the latter is retryable by the caller
// under a fresh intent. Check never mutates state.
func (m *Manager) Check(ctx context.Context, intent domain.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	// 1. Daily loss limit.
	if m.snapshot.DailyLossLimitHit {
		return &domain.DenialError{Reason: "daily loss limit hit"}
	}

	cost := m.estimatedCost(intent)

	// 2. Per-symbol exposure cap.
	if intent.Side == domain.SideBuy && m.cfg.MaxSymbolExposure.IsPositive() {
		held := decimal.Zero
		if l, ok := m.lots[intent.Symbol]; ok {
			held = decimal.NewFromInt(l.qty).Mul(l.avgCost)
		}
		if held.Add(cost).GreaterThan(m.cfg.MaxSymbolExposure) {
			return &domain.DenialError{
				Reason: fmt.Sprintf("symbol exposure cap exceeded for %s", intent.Symbol),
			}
		}
	}

	// 3. Aggregate exposure cap.
	if intent.Side == domain.SideBuy && m.cfg.MaxAggregateExposure.IsPositive() {
		total := decimal.Zero
		for _, l := range m.lots {
			total = total.Add(decimal.NewFromInt(l.qty).Mul(l.avgCost))
		}
		if total.Add(cost).GreaterThan(m.cfg.MaxAggregateExposure) {
			return &domain.DenialError{Reason: "aggregate exposure cap exceeded"}
		}
	}

	// 4. Max open positions: only intents opening a new symbol count.
	if m.cfg.MaxOpenPositions > 0 && intent.Side == domain.SideBuy {
		if _, held := m.lots[intent.Symbol]; !held && len(m.lots) >= m.cfg.MaxOpenPositions {
			return &domain.DenialError{
				Reason: fmt.Sprintf("max open positions reached (%d)", m.cfg.MaxOpenPositions),
			}
		}
	}

	// 5. Margin: estimated cost must fit in available cash.
	if intent.Side == domain.SideBuy && cost.IsPositive() {
		limits, err := m.limits.QueryLimits(ctx)
		if err != nil {
			return fmt.Errorf("risk: query limits: %w", err)
		}
		if cost.GreaterThan(limits.AvailableCash) {
			return &domain.DenialError{
				Reason: fmt.Sprintf("insufficient cash: need %s, have %s",
					cost.StringFixed(2), limits.AvailableCash.StringFixed(2)),
			}
		}
	}

	return nil
}

// estimatedCost returns the notional for a limit order. Market orders cost an
// unknown amount; with no lot to price them against the estimate is the
// average cost of the existing holding, or zero for a brand-new symbol (the
// broker's own buying-power check is the backstop there).
func (m *Manager) estimatedCost(intent domain.Intent) decimal.Decimal {
	qty := decimal.NewFromInt(intent.Quantity)
	if intent.Type == domain.OrderTypeLimit {
		return intent.LimitPrice.Mul(qty)
	}
	if l, ok := m.lots[intent.Symbol]; ok {
		return l.avgCost.Mul(qty)
	}
	return decimal.Zero
}

// ApplyFill folds one fill into the account state: buys accumulate into the
// symbol's average-cost lot, sells realize P&L against it. The loss-limit
// flag is re-evaluated under the same lock, so concurrent fills can never
// interleave with a check.
func (m *Manager) ApplyFill(rec domain.OrderRecord, qty int64, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	switch rec.Side {
	case domain.SideBuy:
		l, ok := m.lots[rec.Symbol]
		if !ok {
			l = &lot{}
			m.lots[rec.Symbol] = l
		}
		total := decimal.NewFromInt(l.qty).Mul(l.avgCost).
			Add(decimal.NewFromInt(qty).Mul(price))
		l.qty += qty
		l.avgCost = total.Div(decimal.NewFromInt(l.qty))

	case domain.SideSell:
		l, ok := m.lots[rec.Symbol]
		if !ok {
			m.logger.Warn("sell fill with no tracked lot, realizing zero",
				slog.String("symbol", rec.Symbol),
				slog.String("order_id", rec.OrderID),
			)
			break
		}
		realized := price.Sub(l.avgCost).Mul(decimal.NewFromInt(qty))
		m.snapshot.DailyRealizedPnL = m.snapshot.DailyRealizedPnL.Add(realized)
		l.qty -= qty
		if l.qty <= 0 {
			delete(m.lots, rec.Symbol)
		}
	}

	m.snapshot.OpenPositionCount = len(m.lots)
	if m.cfg.MaxDailyLoss.IsPositive() &&
		m.snapshot.DailyRealizedPnL.LessThanOrEqual(m.cfg.MaxDailyLoss.Neg()) {
		if !m.snapshot.DailyLossLimitHit {
			m.logger.Error("daily loss limit hit, blocking new intents",
				slog.String("realized_pnl", m.snapshot.DailyRealizedPnL.StringFixed(2)),
			)
		}
		m.snapshot.DailyLossLimitHit = true
	}
}

// Rebuild reconstructs the snapshot after recovery. Broker positions seed the
// lot book (never trust a pre-crash in-memory snapshot) and the day's
// reconciled records are replayed in creation order to recompute realized
// P&L.
func (m *Manager) Rebuild(positions []domain.Position, todays []domain.OrderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lots = make(map[string]*lot, len(positions))
	m.snapshot = domain.AccountSnapshot{TradingDay: m.tradingDay(m.now())}

	// Entry prices for symbols we still hold come from the broker.
	entry := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		entry[p.Symbol] = p.AvgEntryPrice
	}

	for _, rec := range todays {
		if rec.FilledQty == 0 {
			continue
		}
		switch rec.Side {
		case domain.SideBuy:
			l, ok := m.lots[rec.Symbol]
			if !ok {
				l = &lot{}
				m.lots[rec.Symbol] = l
			}
			total := decimal.NewFromInt(l.qty).Mul(l.avgCost).
				Add(decimal.NewFromInt(rec.FilledQty).Mul(rec.AvgFillPrice))
			l.qty += rec.FilledQty
			l.avgCost = total.Div(decimal.NewFromInt(l.qty))

		case domain.SideSell:
			cost := rec.AvgFillPrice
			if l, ok := m.lots[rec.Symbol]; ok {
				cost = l.avgCost
				l.qty -= rec.FilledQty
				if l.qty <= 0 {
					delete(m.lots, rec.Symbol)
				}
			} else if e, ok := entry[rec.Symbol]; ok {
				cost = e
			}
			realized := rec.AvgFillPrice.Sub(cost).Mul(decimal.NewFromInt(rec.FilledQty))
			m.snapshot.DailyRealizedPnL = m.snapshot.DailyRealizedPnL.Add(realized)
		}
	}

	// Positions the broker reports but the replay did not produce (held from
	// previous days) enter the lot book at the broker's entry price.
	for _, p := range positions {
		if _, ok := m.lots[p.Symbol]; !ok && p.Qty > 0 {
			m.lots[p.Symbol] = &lot{qty: p.Qty, avgCost: p.AvgEntryPrice}
		}
	}

	m.snapshot.OpenPositionCount = len(m.lots)
	if m.cfg.MaxDailyLoss.IsPositive() &&
		m.snapshot.DailyRealizedPnL.LessThanOrEqual(m.cfg.MaxDailyLoss.Neg()) {
		m.snapshot.DailyLossLimitHit = true
	}

	m.logger.Info("account snapshot rebuilt",
		slog.Int("open_positions", m.snapshot.OpenPositionCount),
		slog.String("realized_pnl", m.snapshot.DailyRealizedPnL.StringFixed(2)),
		slog.Bool("loss_limit_hit", m.snapshot.DailyLossLimitHit),
	)
}

// Snapshot returns a copy of the current account snapshot.
func (m *Manager) Snapshot() domain.AccountSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	return m.snapshot
}
