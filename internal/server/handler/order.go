package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

// Executor is the slice of the execution engine the order endpoints use.
type Executor interface {
	Execute(ctx context.Context, intent domain.Intent) (string, error)
	Cancel(ctx context.Context, orderID string) error
}

// OrderHandler serves order intake and inspection endpoints.
type OrderHandler struct {
	executor Executor
	ledger   domain.OrderLedger
	logger   *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(executor Executor, ledger domain.OrderLedger, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		executor: executor,
		ledger:   ledger,
		logger:   logger,
	}
}

// orderView is the JSON shape of an order record.
type orderView struct {
	OrderID       string `json:"order_id"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	StrategyID    string `json:"strategy_id"`
	IntentTag     string `json:"intent_tag"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	LimitPrice    string `json:"limit_price,omitempty"`
	State         string `json:"state"`
	RequestedQty  int64  `json:"requested_qty"`
	FilledQty     int64  `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toView(rec domain.OrderRecord) orderView {
	v := orderView{
		OrderID:       rec.OrderID,
		BrokerOrderID: rec.BrokerOrderID,
		StrategyID:    rec.StrategyID,
		IntentTag:     rec.IntentTag,
		Symbol:        rec.Symbol,
		Side:          string(rec.Side),
		Type:          string(rec.Type),
		State:         string(rec.State),
		RequestedQty:  rec.RequestedQty,
		FilledQty:     rec.FilledQty,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !rec.LimitPrice.IsZero() {
		v.LimitPrice = rec.LimitPrice.String()
	}
	if !rec.AvgFillPrice.IsZero() {
		v.AvgFillPrice = rec.AvgFillPrice.String()
	}
	return v
}

// submitRequest is the intent intake body.
type submitRequest struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	Type       string `json:"type"`
	LimitPrice string `json:"limit_price,omitempty"`
	Tag        string `json:"tag"`
}

// SubmitOrder turns an intent into an order.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	intent := domain.Intent{
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       domain.Side(req.Side),
		Quantity:   req.Quantity,
		Type:       domain.OrderType(req.Type),
		Tag:        req.Tag,
		CreatedAt:  time.Now().UTC(),
	}
	if req.LimitPrice != "" {
		price, err := decimal.NewFromString(req.LimitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit_price")
			return
		}
		intent.LimitPrice = price
	}

	orderID, err := h.executor.Execute(r.Context(), intent)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"order_id": orderID})
	case errors.Is(err, domain.ErrDuplicateIntent):
		// The tag was already executed; return the existing order.
		writeJSON(w, http.StatusOK, map[string]any{
			"order_id":  orderID,
			"duplicate": true,
		})
	case errors.Is(err, domain.ErrNotAccepting), errors.Is(err, domain.ErrSessionDead):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var ve *domain.ValidationError
		var de *domain.DenialError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		case errors.As(err, &de):
			writeError(w, http.StatusUnprocessableEntity, de.Error())
		default:
			h.logger.ErrorContext(r.Context(), "submit failed",
				slog.String("tag", req.Tag),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "order submission failed")
		}
	}
}

// ListOrders returns every non-terminal order.
// GET /api/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.ListNonTerminal(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list orders failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	views := make([]orderView, 0, len(records))
	for _, rec := range records {
		views = append(views, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// GetOrder returns one order by id.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get order failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, toView(rec))
}

// CancelOrder requests cancellation of an open order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	err := h.executor.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}
