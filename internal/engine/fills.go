package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebriley/optexec/internal/domain"
)

// EnqueueFill queues an execution report for the apply loop. It is the
// handler wired into the broker's trade-update stream.
func (e *Engine) EnqueueFill(ctx context.Context, ev domain.FillEvent) {
	select {
	case e.fillCh <- ev:
	case <-ctx.Done():
	}
}

// Run consumes queued fill events until ctx is cancelled. A single loop
// applies events in arrival order, so out-of-order broker callbacks can never
// race each other on the same record.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("fill apply loop started")
	defer e.logger.Info("fill apply loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.fillCh:
			e.applyFill(ctx, ev)
		}
	}
}

// applyFill folds one execution report into its order record and dispatches
// the position-exit callback.
func (e *Engine) applyFill(ctx context.Context, ev domain.FillEvent) {
	log := e.logger.With(
		slog.String("order_id", ev.OrderID),
		slog.String("broker_order_id", ev.BrokerOrderID),
	)

	if ev.OrderID == "" {
		e.integrity(ctx, &domain.IntegrityError{Reason: "fill event without order id"})
		return
	}

	release := e.orders.lock(ev.OrderID)
	defer release()

	rec, err := e.ledger.Get(ctx, ev.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		e.integrity(ctx, &domain.IntegrityError{
			OrderID: ev.OrderID,
			Reason:  "fill references unknown order",
		})
		return
	}
	if err != nil {
		log.Error("fill lookup failed", slog.String("error", err.Error()))
		return
	}

	switch rec.State {
	case domain.OrderStateOpen, domain.OrderStatePartiallyFilled:
	case domain.OrderStateSubmitting:
		// The stream can outrun the submit ack. Adopt the broker id and
		// treat the order as open before applying the fill.
		rec.BrokerOrderID = ev.BrokerOrderID
		e.transition(ctx, &rec, domain.OrderStateOpen)
	case domain.OrderStateSubmitUnknown:
		// A fill carrying our order id proves the parked submission
		// reached the broker. Adopt open with broker state as the
		// authority, outside the normal lifecycle edges.
		rec.BrokerOrderID = ev.BrokerOrderID
		rec.State = domain.OrderStateOpen
		rec.UpdatedAt = time.Now().UTC()
		if err := e.ledger.Update(ctx, rec); err != nil {
			log.Error("ledger update failed", slog.String("error", err.Error()))
			return
		}
		log.Info("parked submission resolved by fill")
	default:
		e.integrity(ctx, &domain.IntegrityError{
			OrderID: rec.OrderID,
			Reason:  fmt.Sprintf("fill on order in state %s", rec.State),
		})
		return
	}

	if err := rec.ApplyFill(ev.Qty, ev.Price); err != nil {
		var ie *domain.IntegrityError
		if errors.As(err, &ie) {
			e.integrity(ctx, ie)
			return
		}
		log.Error("fill application failed", slog.String("error", err.Error()))
		return
	}

	next := domain.OrderStatePartiallyFilled
	if rec.Filled() {
		next = domain.OrderStateFilled
	}
	e.transition(ctx, &rec, next)
	e.risk.ApplyFill(rec, ev.Qty, ev.Price)

	log.Info("fill applied",
		slog.Int64("qty", ev.Qty),
		slog.String("price", ev.Price.String()),
		slog.Int64("filled_qty", rec.FilledQty),
		slog.String("state", string(rec.State)),
	)

	if e.exits != nil {
		e.exits.OnFill(ctx, rec, ev)
	}
}

// integrity logs a data-integrity violation and surfaces it to the operator.
// The record is never silently corrected.
func (e *Engine) integrity(ctx context.Context, ie *domain.IntegrityError) {
	e.logger.Error("data integrity violation",
		slog.String("order_id", ie.OrderID),
		slog.String("reason", ie.Reason),
	)
	if e.audit != nil {
		_ = e.audit.Log(ctx, "integrity_violation", map[string]any{
			"order_id": ie.OrderID,
			"reason":   ie.Reason,
		})
	}
	e.emit(ctx, "integrity", "Data integrity violation", ie.Error())
}
