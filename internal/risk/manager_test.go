package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

type fakeLimits struct {
	cash decimal.Decimal
	err  error
}

func (f *fakeLimits) QueryLimits(context.Context) (domain.AccountLimits, error) {
	if f.err != nil {
		return domain.AccountLimits{}, f.err
	}
	return domain.AccountLimits{AvailableCash: f.cash}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(cfg Config, limits *fakeLimits) *Manager {
	if limits == nil {
		limits = &fakeLimits{cash: decimal.NewFromInt(1_000_000)}
	}
	return NewManager(cfg, limits, testLogger())
}

func buyIntent(symbol string, qty int64, price float64) domain.Intent {
	return domain.Intent{
		StrategyID: "s1",
		Symbol:     symbol,
		Side:       domain.SideBuy,
		Quantity:   qty,
		Type:       domain.OrderTypeLimit,
		LimitPrice: decimal.NewFromFloat(price),
		Tag:        "tag-" + symbol,
	}
}

func buyRecord(symbol string) domain.OrderRecord {
	return domain.OrderRecord{OrderID: "o-" + symbol, Symbol: symbol, Side: domain.SideBuy}
}

func sellRecord(symbol string) domain.OrderRecord {
	return domain.OrderRecord{OrderID: "o-" + symbol, Symbol: symbol, Side: domain.SideSell}
}

func wantDenial(t *testing.T, err error, substr string) {
	t.Helper()
	var denial *domain.DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("error = %v, want *DenialError", err)
	}
	if substr != "" && !strings.Contains(denial.Reason, substr) {
		t.Errorf("reason = %q, want it to mention %q", denial.Reason, substr)
	}
}

func TestCheckPassesWithinLimits(t *testing.T) {
	m := testManager(Config{
		MaxDailyLoss:     decimal.NewFromInt(1000),
		MaxOpenPositions: 5,
	}, nil)
	if err := m.Check(context.Background(), buyIntent("AAPL", 10, 100)); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestDailyLossLimitTripsAndBlocks(t *testing.T) {
	m := testManager(Config{MaxDailyLoss: decimal.NewFromInt(500)}, nil)

	// Buy 10 @ 100, sell 10 @ 40: realized -600.
	m.ApplyFill(buyRecord("AAPL"), 10, decimal.NewFromInt(100))
	m.ApplyFill(sellRecord("AAPL"), 10, decimal.NewFromInt(40))

	snap := m.Snapshot()
	if !snap.DailyLossLimitHit {
		t.Fatal("loss limit should be hit after -600 realized")
	}
	if !snap.DailyRealizedPnL.Equal(decimal.NewFromInt(-600)) {
		t.Errorf("realized = %s, want -600", snap.DailyRealizedPnL)
	}

	wantDenial(t, m.Check(context.Background(), buyIntent("MSFT", 1, 1)), "daily loss limit")
}

func TestSymbolExposureCap(t *testing.T) {
	m := testManager(Config{
		MaxDailyLoss:      decimal.NewFromInt(1000),
		MaxSymbolExposure: decimal.NewFromInt(5000),
	}, nil)

	m.ApplyFill(buyRecord("AAPL"), 40, decimal.NewFromInt(100)) // 4000 held

	// 4000 + 2000 > 5000.
	wantDenial(t, m.Check(context.Background(), buyIntent("AAPL", 20, 100)), "symbol exposure")

	// A different symbol is unaffected.
	if err := m.Check(context.Background(), buyIntent("MSFT", 20, 100)); err != nil {
		t.Errorf("Check MSFT: %v", err)
	}
}

func TestAggregateExposureCap(t *testing.T) {
	m := testManager(Config{
		MaxDailyLoss:         decimal.NewFromInt(1000),
		MaxAggregateExposure: decimal.NewFromInt(10000),
	}, nil)

	m.ApplyFill(buyRecord("AAPL"), 50, decimal.NewFromInt(100)) // 5000
	m.ApplyFill(buyRecord("MSFT"), 40, decimal.NewFromInt(100)) // 4000

	wantDenial(t, m.Check(context.Background(), buyIntent("GOOG", 20, 100)), "aggregate exposure")
}

func TestMaxOpenPositions(t *testing.T) {
	m := testManager(Config{
		MaxDailyLoss:     decimal.NewFromInt(1000),
		MaxOpenPositions: 2,
	}, nil)

	m.ApplyFill(buyRecord("AAPL"), 1, decimal.NewFromInt(10))
	m.ApplyFill(buyRecord("MSFT"), 1, decimal.NewFromInt(10))

	// Opening a third symbol is denied.
	wantDenial(t, m.Check(context.Background(), buyIntent("GOOG", 1, 10)), "max open positions")

	// Adding to a held symbol is not.
	if err := m.Check(context.Background(), buyIntent("AAPL", 1, 10)); err != nil {
		t.Errorf("Check held symbol: %v", err)
	}

	// Sells never count against the cap.
	sell := buyIntent("GOOG", 1, 10)
	sell.Side = domain.SideSell
	if err := m.Check(context.Background(), sell); err != nil {
		t.Errorf("Check sell: %v", err)
	}
}

func TestInsufficientCash(t *testing.T) {
	m := testManager(Config{MaxDailyLoss: decimal.NewFromInt(1000)},
		&fakeLimits{cash: decimal.NewFromInt(500)})

	wantDenial(t, m.Check(context.Background(), buyIntent("AAPL", 10, 100)), "insufficient cash")
}

func TestLimitsErrorIsNotADenial(t *testing.T) {
	m := testManager(Config{MaxDailyLoss: decimal.NewFromInt(1000)},
		&fakeLimits{err: errors.New("connection refused")})

	err := m.Check(context.Background(), buyIntent("AAPL", 10, 100))
	if err == nil {
		t.Fatal("expected error")
	}
	var denial *domain.DenialError
	if errors.As(err, &denial) {
		t.Fatal("transport failure must not be a denial; the intent is retryable")
	}
}

func TestSellRealizesPnL(t *testing.T) {
	m := testManager(Config{MaxDailyLoss: decimal.NewFromInt(100000)}, nil)

	m.ApplyFill(buyRecord("AAPL"), 10, decimal.NewFromInt(100))
	m.ApplyFill(sellRecord("AAPL"), 4, decimal.NewFromInt(110)) // +40

	snap := m.Snapshot()
	if !snap.DailyRealizedPnL.Equal(decimal.NewFromInt(40)) {
		t.Errorf("realized = %s, want 40", snap.DailyRealizedPnL)
	}
	if snap.OpenPositionCount != 1 {
		t.Errorf("open positions = %d, want 1", snap.OpenPositionCount)
	}

	m.ApplyFill(sellRecord("AAPL"), 6, decimal.NewFromInt(90)) // -60
	snap = m.Snapshot()
	if !snap.DailyRealizedPnL.Equal(decimal.NewFromInt(-20)) {
		t.Errorf("realized = %s, want -20", snap.DailyRealizedPnL)
	}
	if snap.OpenPositionCount != 0 {
		t.Errorf("open positions = %d, want 0 after flat", snap.OpenPositionCount)
	}
}

func TestDailyReset(t *testing.T) {
	m := testManager(Config{MaxDailyLoss: decimal.NewFromInt(100)}, nil)

	m.ApplyFill(buyRecord("AAPL"), 10, decimal.NewFromInt(100))
	m.ApplyFill(sellRecord("AAPL"), 5, decimal.NewFromInt(50)) // -250, trips limit

	if !m.Snapshot().DailyLossLimitHit {
		t.Fatal("loss limit should be hit")
	}

	// Advance the clock past midnight.
	m.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }

	snap := m.Snapshot()
	if snap.DailyLossLimitHit {
		t.Error("loss limit flag must reset on the new trading day")
	}
	if !snap.DailyRealizedPnL.IsZero() {
		t.Errorf("realized = %s, want 0 after reset", snap.DailyRealizedPnL)
	}
	if snap.OpenPositionCount != 1 {
		t.Errorf("open positions = %d, want 1 (positions carry over)", snap.OpenPositionCount)
	}
}

func TestRebuildReplaysTodaysRecords(t *testing.T) {
	m := testManager(Config{MaxDailyLoss: decimal.NewFromInt(1000)}, nil)

	positions := []domain.Position{
		{Symbol: "AAPL", Qty: 10, AvgEntryPrice: decimal.NewFromInt(100)},
		{Symbol: "MSFT", Qty: 5, AvgEntryPrice: decimal.NewFromInt(200)},
	}
	todays := []domain.OrderRecord{
		{
			OrderID: "b1", Symbol: "AAPL", Side: domain.SideBuy,
			State: domain.OrderStateFilled, RequestedQty: 10,
			FilledQty: 10, AvgFillPrice: decimal.NewFromInt(100),
		},
		{
			OrderID: "s1", Symbol: "GOOG", Side: domain.SideSell,
			State: domain.OrderStateFilled, RequestedQty: 2,
			FilledQty: 2, AvgFillPrice: decimal.NewFromInt(150),
		},
	}

	m.Rebuild(positions, todays)

	snap := m.Snapshot()
	if snap.OpenPositionCount != 2 {
		t.Errorf("open positions = %d, want 2", snap.OpenPositionCount)
	}
	if snap.DailyLossLimitHit {
		t.Error("loss limit should not be hit after rebuild")
	}
}
