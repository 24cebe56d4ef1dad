package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

// FillHandler receives decoded execution reports from the trade-update stream.
type FillHandler func(ctx context.Context, ev domain.FillEvent)

// TradeUpdateStream subscribes to the broker's trade_updates websocket channel
// and forwards fill and partial_fill events to the handler. It reconnects with
// backoff on disconnect. The stream is an accelerator only: recovery never
// depends on it, since reconciliation re-reads order state over REST.
type TradeUpdateStream struct {
	url       string
	apiKey    string
	apiSecret string
	onFill    FillHandler
	logger    *slog.Logger
}

// NewTradeUpdateStream creates a stream client for the given websocket URL and
// credentials.
func NewTradeUpdateStream(url, apiKey, apiSecret string, onFill FillHandler, logger *slog.Logger) *TradeUpdateStream {
	return &TradeUpdateStream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		onFill:    onFill,
		logger:    logger.With(slog.String("component", "trade_update_stream")),
	}
}

// Run connects and consumes trade updates until ctx is cancelled.
func (s *TradeUpdateStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("trade update stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// streamMessage is the envelope every stream frame arrives in.
type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeUpdate is the payload of a trade_updates frame.
type tradeUpdate struct {
	Event     string          `json:"event"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp time.Time       `json:"timestamp"`
	Order     struct {
		ID            string `json:"id"`
		ClientOrderID string `json:"client_order_id"`
		Symbol        string `json:"symbol"`
	} `json:"order"`
}

func (s *TradeUpdateStream) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", s.url, err)
	}
	defer conn.Close()

	// Close the socket when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	auth := map[string]any{
		"action": "authenticate",
		"data":   map[string]string{"key_id": s.apiKey, "secret_key": s.apiSecret},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("stream: authenticate: %w", err)
	}

	listen := map[string]any{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("stream: listen: %w", err)
	}

	s.logger.Info("trade update stream connected", slog.String("url", s.url))

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("stream: read: %w", err)
		}

		switch msg.Stream {
		case "trade_updates":
			s.handleUpdate(ctx, msg.Data)
		case "authorization", "listening":
			s.logger.Debug("stream control message", slog.String("stream", msg.Stream))
		}
	}
}

// handleUpdate decodes a trade update and forwards fills. Non-fill lifecycle
// events (new, canceled, rejected) are ignored here: the engine already owns
// those transitions through its own submit/cancel calls.
func (s *TradeUpdateStream) handleUpdate(ctx context.Context, raw json.RawMessage) {
	var tu tradeUpdate
	if err := json.Unmarshal(raw, &tu); err != nil {
		s.logger.Error("undecodable trade update", slog.String("error", err.Error()))
		return
	}

	switch tu.Event {
	case "fill", "partial_fill":
	default:
		return
	}

	ev := domain.FillEvent{
		OrderID:       tu.Order.ClientOrderID,
		BrokerOrderID: tu.Order.ID,
		Symbol:        tu.Order.Symbol,
		Qty:           tu.Qty.IntPart(),
		Price:         tu.Price,
		At:            tu.Timestamp,
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.onFill(ctx, ev)
}
