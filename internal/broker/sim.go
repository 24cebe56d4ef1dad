package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*SimGateway)(nil)

// simOrder is the simulator's internal book entry.
type simOrder struct {
	rec    domain.OrderRecord
	status OrderStatus
}

// SimGateway implements Gateway in memory for paper trading. Submitted orders
// are acknowledged immediately and, when auto-fill is enabled, filled at the
// limit price (or the configured mark price for market orders) after a short
// delay, with the fill reported on Fills.
type SimGateway struct {
	mu        sync.Mutex
	orders    map[string]*simOrder // keyed by broker order id
	byClient  map[string]string    // client order id -> broker order id
	positions map[string]*domain.Position
	limits    domain.AccountLimits
	fills     chan domain.FillEvent

	autoFill  bool
	fillDelay time.Duration
	markPrice decimal.Decimal
	nextID    int
}

// NewSimGateway creates a simulator with the given starting cash. When
// autoFill is true every accepted order fills completely after fillDelay.
func NewSimGateway(startingCash decimal.Decimal, autoFill bool, fillDelay time.Duration) *SimGateway {
	return &SimGateway{
		orders:    make(map[string]*simOrder),
		byClient:  make(map[string]string),
		positions: make(map[string]*domain.Position),
		limits: domain.AccountLimits{
			AvailableCash: startingCash,
			BuyingPower:   startingCash,
		},
		fills:     make(chan domain.FillEvent, 64),
		autoFill:  autoFill,
		fillDelay: fillDelay,
		markPrice: decimal.NewFromInt(100),
	}
}

// Name returns "sim".
func (g *SimGateway) Name() string { return "sim" }

// Fills exposes the simulated execution reports.
func (g *SimGateway) Fills() <-chan domain.FillEvent { return g.fills }

// SetMarkPrice sets the price used to fill market orders.
func (g *SimGateway) SetMarkPrice(p decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markPrice = p
}

// Submit accepts the order into the in-memory book. Resubmitting the same
// client order id returns the original ack, mirroring broker-side idempotency.
func (g *SimGateway) Submit(_ context.Context, rec domain.OrderRecord) (Ack, error) {
	g.mu.Lock()

	if existing, ok := g.byClient[rec.OrderID]; ok {
		g.mu.Unlock()
		return Ack{BrokerOrderID: existing}, nil
	}

	g.nextID++
	brokerID := fmt.Sprintf("sim-%s-%d", time.Now().UTC().Format("20060102"), g.nextID)
	g.orders[brokerID] = &simOrder{
		rec: rec,
		status: OrderStatus{
			BrokerOrderID: brokerID,
			State:         domain.OrderStateOpen,
		},
	}
	g.byClient[rec.OrderID] = brokerID
	autoFill := g.autoFill
	g.mu.Unlock()

	if autoFill {
		go g.fill(brokerID)
	}
	return Ack{BrokerOrderID: brokerID}, nil
}

// fill completes the order at its limit price (market orders use the mark
// price) and emits the fill event.
func (g *SimGateway) fill(brokerID string) {
	time.Sleep(g.fillDelay)

	g.mu.Lock()
	so, ok := g.orders[brokerID]
	if !ok || so.status.State != domain.OrderStateOpen {
		g.mu.Unlock()
		return
	}

	price := so.rec.LimitPrice
	if so.rec.Type == domain.OrderTypeMarket || price.IsZero() {
		price = g.markPrice
	}
	so.status.State = domain.OrderStateFilled
	so.status.FilledQty = so.rec.RequestedQty
	so.status.AvgFillPrice = price
	g.applyToPosition(so.rec, so.rec.RequestedQty, price)

	ev := domain.FillEvent{
		OrderID:       so.rec.OrderID,
		BrokerOrderID: brokerID,
		Symbol:        so.rec.Symbol,
		Qty:           so.rec.RequestedQty,
		Price:         price,
		At:            time.Now().UTC(),
	}
	g.mu.Unlock()

	g.fills <- ev
}

// applyToPosition adjusts the simulated position book. Caller holds g.mu.
func (g *SimGateway) applyToPosition(rec domain.OrderRecord, qty int64, price decimal.Decimal) {
	pos, ok := g.positions[rec.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: rec.Symbol}
		g.positions[rec.Symbol] = pos
	}
	if rec.Side == domain.SideBuy {
		total := decimal.NewFromInt(pos.Qty).Mul(pos.AvgEntryPrice).
			Add(decimal.NewFromInt(qty).Mul(price))
		pos.Qty += qty
		if pos.Qty > 0 {
			pos.AvgEntryPrice = total.Div(decimal.NewFromInt(pos.Qty))
		}
	} else {
		pos.Qty -= qty
		if pos.Qty == 0 {
			delete(g.positions, rec.Symbol)
		}
	}
}

// Cancel cancels an open order; terminal orders are rejected.
func (g *SimGateway) Cancel(_ context.Context, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	so, ok := g.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if so.status.State.Terminal() {
		return &RejectionError{Reason: "order already " + string(so.status.State)}
	}
	so.status.State = domain.OrderStateCancelled
	return nil
}

// QueryOrder returns the simulated order state by broker id.
func (g *SimGateway) QueryOrder(_ context.Context, brokerOrderID string) (OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	so, ok := g.orders[brokerOrderID]
	if !ok {
		return OrderStatus{}, ErrOrderNotFound
	}
	return so.status, nil
}

// QueryOrderByClientID returns the simulated order state by client order id.
func (g *SimGateway) QueryOrderByClientID(_ context.Context, orderID string) (OrderStatus, error) {
	g.mu.Lock()
	brokerID, ok := g.byClient[orderID]
	g.mu.Unlock()
	if !ok {
		return OrderStatus{}, ErrOrderNotFound
	}
	return g.QueryOrder(context.Background(), brokerID)
}

// QueryPositions returns the simulated position book.
func (g *SimGateway) QueryPositions(_ context.Context) ([]domain.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}

// QueryLimits returns the simulated account limits.
func (g *SimGateway) QueryLimits(_ context.Context) (domain.AccountLimits, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits, nil
}
