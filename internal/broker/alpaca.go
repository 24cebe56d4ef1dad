package broker

import (
	"context"
	"errors"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// AlpacaGateway implements Gateway against the Alpaca trading API.
type AlpacaGateway struct {
	client *alpaca.Client
}

// NewAlpacaGateway creates a gateway for the given credentials and endpoint.
// Point baseURL at the paper endpoint for paper accounts.
func NewAlpacaGateway(apiKey, apiSecret, baseURL string) *AlpacaGateway {
	return &AlpacaGateway{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string { return "alpaca" }

// call runs fn on its own goroutine and waits for either its result or
// context expiry. The SDK does not take a context, so this is how every
// gateway call gets a bound. A context timeout is an ambiguous outcome and is
// reported as transient.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, &TransientError{Op: op, Err: ctx.Err()}
	case res := <-ch:
		if res.err != nil {
			var zero T
			return zero, classify(op, res.err)
		}
		return res.v, nil
	}
}

// classify separates definitive broker answers from network trouble. Alpaca
// returns a structured APIError for anything its API actually processed;
// everything else is transport-level and therefore transient.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 404:
			return ErrOrderNotFound
		case apiErr.StatusCode == 429 || apiErr.StatusCode == 408:
			// Throttled or timed out before processing. Not a broker
			// answer about the order itself.
			return &TransientError{Op: op, Err: err}
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return &RejectionError{Reason: apiErr.Message}
		}
	}
	return &TransientError{Op: op, Err: err}
}

// Submit places the order with our OrderID as the client order id. Alpaca
// rejects a duplicate client order id, which makes this call idempotent even
// after a crash between submit and ack.
func (g *AlpacaGateway) Submit(ctx context.Context, rec domain.OrderRecord) (Ack, error) {
	qty := decimal.NewFromInt(rec.RequestedQty)

	req := alpaca.PlaceOrderRequest{
		Symbol:        rec.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(rec.Side),
		TimeInForce:   alpaca.Day,
		ClientOrderID: rec.OrderID,
	}
	switch rec.Type {
	case domain.OrderTypeLimit:
		req.Type = alpaca.Limit
		limit := rec.LimitPrice
		req.LimitPrice = &limit
	default:
		req.Type = alpaca.Market
	}

	order, err := call(ctx, "submit", func() (*alpaca.Order, error) {
		return g.client.PlaceOrder(req)
	})
	if err != nil {
		return Ack{}, err
	}
	return Ack{BrokerOrderID: order.ID}, nil
}

// Cancel requests cancellation of an open order.
func (g *AlpacaGateway) Cancel(ctx context.Context, brokerOrderID string) error {
	_, err := call(ctx, "cancel", func() (struct{}, error) {
		return struct{}{}, g.client.CancelOrder(brokerOrderID)
	})
	return err
}

// QueryOrder returns the live state of an order by broker id.
func (g *AlpacaGateway) QueryOrder(ctx context.Context, brokerOrderID string) (OrderStatus, error) {
	order, err := call(ctx, "query_order", func() (*alpaca.Order, error) {
		return g.client.GetOrder(brokerOrderID)
	})
	if err != nil {
		return OrderStatus{}, err
	}
	return statusFromOrder(order), nil
}

// QueryOrderByClientID looks an order up by client order id.
func (g *AlpacaGateway) QueryOrderByClientID(ctx context.Context, orderID string) (OrderStatus, error) {
	order, err := call(ctx, "query_order_by_client_id", func() (*alpaca.Order, error) {
		return g.client.GetOrderByClientOrderID(orderID)
	})
	if err != nil {
		return OrderStatus{}, err
	}
	return statusFromOrder(order), nil
}

// QueryPositions returns all current positions.
func (g *AlpacaGateway) QueryPositions(ctx context.Context) ([]domain.Position, error) {
	positions, err := call(ctx, "query_positions", func() ([]alpaca.Position, error) {
		return g.client.GetPositions()
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.IntPart(),
			AvgEntryPrice: p.AvgEntryPrice,
		})
	}
	return out, nil
}

// QueryLimits returns cash and margin figures from the account endpoint.
func (g *AlpacaGateway) QueryLimits(ctx context.Context) (domain.AccountLimits, error) {
	acct, err := call(ctx, "query_limits", func() (*alpaca.Account, error) {
		return g.client.GetAccount()
	})
	if err != nil {
		return domain.AccountLimits{}, err
	}
	return domain.AccountLimits{
		AvailableCash: acct.Cash,
		UsedMargin:    acct.InitialMargin,
		BuyingPower:   acct.BuyingPower,
	}, nil
}

// statusFromOrder maps an Alpaca order to our lifecycle view.
func statusFromOrder(o *alpaca.Order) OrderStatus {
	st := OrderStatus{
		BrokerOrderID: o.ID,
		FilledQty:     o.FilledQty.IntPart(),
	}
	if o.FilledAvgPrice != nil {
		st.AvgFillPrice = *o.FilledAvgPrice
	}
	st.State = stateFromAlpaca(string(o.Status), st.FilledQty)
	return st
}

// stateFromAlpaca maps Alpaca order statuses onto the local state machine.
func stateFromAlpaca(status string, filledQty int64) domain.OrderState {
	switch status {
	case "filled":
		return domain.OrderStateFilled
	case "partially_filled":
		return domain.OrderStatePartiallyFilled
	case "canceled", "expired", "done_for_day":
		return domain.OrderStateCancelled
	case "rejected", "suspended", "stopped":
		return domain.OrderStateRejected
	case "new", "accepted", "pending_new", "pending_cancel", "pending_replace", "held", "accepted_for_bidding", "calculated":
		if filledQty > 0 {
			return domain.OrderStatePartiallyFilled
		}
		return domain.OrderStateOpen
	default:
		return domain.OrderStateOpen
	}
}
