package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState tracks an order through its lifecycle. SubmitUnknown is durable
// but not terminal: it records that a submit attempt got no usable answer from
// the broker and must be resolved by reconciliation, never by resubmission.
type OrderState string

const (
	OrderStatePending         OrderState = "pending"
	OrderStateSubmitting      OrderState = "submitting"
	OrderStateOpen            OrderState = "open"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateRejected        OrderState = "rejected"
	OrderStateSubmitUnknown   OrderState = "submit_unknown"
)

// Terminal reports whether no further transition can occur from s.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// transitions enumerates the legal lifecycle edges.
var transitions = map[OrderState][]OrderState{
	OrderStatePending:    {OrderStateSubmitting},
	OrderStateSubmitting: {OrderStateOpen, OrderStateRejected, OrderStateSubmitUnknown},
	OrderStateOpen: {
		OrderStatePartiallyFilled, OrderStateFilled,
		OrderStateCancelled, OrderStateSubmitUnknown,
	},
	OrderStatePartiallyFilled: {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled},
}

// CanTransition reports whether the edge s -> to is part of the order
// lifecycle. Reconciliation bypasses this check because broker state is
// authoritative there.
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderRecord is the durable representation of one broker order. It is owned
// exclusively by the execution engine; the ledger only stores and retrieves
// it. Records are never deleted; terminal records remain for audit and
// recovery.
type OrderRecord struct {
	OrderID       string // allocated locally before submission, idempotency key at the broker
	BrokerOrderID string // empty until the broker acks the order
	StrategyID    string
	IntentTag     string
	Symbol        string
	Side          Side
	Type          OrderType
	LimitPrice    decimal.Decimal
	State         OrderState
	RequestedQty  int64
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ApplyFill folds one fill into the record: FilledQty is incremented and
// AvgFillPrice recomputed as a quantity-weighted average. A fill that would
// push FilledQty above RequestedQty is a data-integrity violation and leaves
// the record untouched. The state transition (partially_filled vs filled) is
// the caller's job.
func (r *OrderRecord) ApplyFill(qty int64, price decimal.Decimal) error {
	if qty <= 0 {
		return &IntegrityError{OrderID: r.OrderID, Reason: "non-positive fill quantity"}
	}
	if r.FilledQty+qty > r.RequestedQty {
		return &IntegrityError{
			OrderID: r.OrderID,
			Reason:  "fill exceeds requested quantity",
		}
	}

	prev := decimal.NewFromInt(r.FilledQty)
	add := decimal.NewFromInt(qty)
	total := prev.Add(add)
	r.AvgFillPrice = r.AvgFillPrice.Mul(prev).Add(price.Mul(add)).Div(total)
	r.FilledQty += qty
	return nil
}

// Filled reports whether the order is completely filled.
func (r *OrderRecord) Filled() bool {
	return r.FilledQty == r.RequestedQty
}
