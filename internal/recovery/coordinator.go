// Package recovery reconciles persisted order state against the broker's live
// view on startup, before any new intent is accepted.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebriley/optexec/internal/broker"
	"github.com/calebriley/optexec/internal/domain"
)

// UnknownOrderPolicy decides what happens to a record the broker has no
// memory of. This is an operator-facing configuration choice: broker-side
// state can lag, so neither option is safe to infer.
type UnknownOrderPolicy string

const (
	// PolicyReject marks the record rejected and lets the strategy decide
	// whether to re-enter. The fail-safe default.
	PolicyReject UnknownOrderPolicy = "reject"
	// PolicyResubmit re-enters the order under a fresh orderId and the same
	// intent tag, provided the intent is younger than MaxIntentAge.
	PolicyResubmit UnknownOrderPolicy = "resubmit"
)

// Resubmitter re-enters a superseded order. Implemented by the engine.
type Resubmitter interface {
	Resubmit(ctx context.Context, old domain.OrderRecord) (string, error)
}

// SnapshotRebuilder recomputes the account snapshot from reconciled state.
// Implemented by risk.Manager.
type SnapshotRebuilder interface {
	Rebuild(positions []domain.Position, todays []domain.OrderRecord)
}

// Notifier publishes recovery decisions to the operator.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the coordinator's policy and retry parameters.
type Config struct {
	Policy       UnknownOrderPolicy
	MaxIntentAge time.Duration // resubmit only records younger than this
	MaxAttempts  int
	Backoff      time.Duration
	QueryTimeout time.Duration
	Timezone     *time.Location
}

// Coordinator runs the startup reconciliation pass. It must complete fully,
// or fail closed, before the engine's intake path admits new intents.
type Coordinator struct {
	ledger   domain.OrderLedger
	gateway  broker.Gateway
	rebuild  SnapshotRebuilder
	resubmit Resubmitter
	audit    domain.AuditStore
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a Coordinator.
func New(
	ledger domain.OrderLedger,
	gateway broker.Gateway,
	rebuild SnapshotRebuilder,
	resubmit Resubmitter,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 15 * time.Second
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Coordinator{
		ledger:   ledger,
		gateway:  gateway,
		rebuild:  rebuild,
		resubmit: resubmit,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "recovery")),
	}
}

// WithAudit attaches the audit store.
func (c *Coordinator) WithAudit(a domain.AuditStore) *Coordinator {
	c.audit = a
	return c
}

// WithNotifier attaches the operator notification channel.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// Run executes the reconciliation pass, retrying with backoff while the
// gateway is unreachable. It returns nil only when every non-terminal record
// has been resolved; any other outcome keeps the intake path closed.
func (c *Coordinator) Run(ctx context.Context) error {
	backoff := c.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		lastErr = c.pass(ctx)
		if lastErr == nil {
			return nil
		}
		if !broker.IsTransient(lastErr) && !errors.Is(lastErr, context.DeadlineExceeded) {
			return fmt.Errorf("recovery: %w", lastErr)
		}

		c.logger.Warn("reconciliation attempt failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("recovery: gateway unreachable after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// pass performs one full reconciliation sweep and snapshot rebuild.
func (c *Coordinator) pass(ctx context.Context) error {
	records, err := c.ledger.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal: %w", err)
	}
	c.logger.Info("reconciliation started", slog.Int("records", len(records)))

	for _, rec := range records {
		if err := c.reconcile(ctx, rec); err != nil {
			return err
		}
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	positions, err := c.gateway.QueryPositions(queryCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}

	now := time.Now().In(c.cfg.Timezone)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.cfg.Timezone)
	todays, err := c.ledger.ListUpdatedSince(ctx, dayStart)
	if err != nil {
		return fmt.Errorf("list today's records: %w", err)
	}
	c.rebuild.Rebuild(positions, todays)

	c.logger.Info("reconciliation complete",
		slog.Int("records", len(records)),
		slog.Int("positions", len(positions)),
	)
	c.notify(ctx, "recovery", "Recovery complete",
		fmt.Sprintf("%d record(s) reconciled, %d position(s)", len(records), len(positions)))
	return nil
}

// reconcile resolves one non-terminal record against the broker.
func (c *Coordinator) reconcile(ctx context.Context, rec domain.OrderRecord) error {
	queryCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	var (
		st  broker.OrderStatus
		err error
	)
	if rec.BrokerOrderID != "" {
		st, err = c.gateway.QueryOrder(queryCtx, rec.BrokerOrderID)
	} else {
		// The record died before an ack was processed; the broker indexes
		// orders by our client order id.
		st, err = c.gateway.QueryOrderByClientID(queryCtx, rec.OrderID)
	}

	switch {
	case err == nil:
		return c.adopt(ctx, rec, st)
	case errors.Is(err, broker.ErrOrderNotFound):
		return c.resolveUnknown(ctx, rec)
	default:
		return err
	}
}

// adopt overwrites the local record with the broker's authoritative view.
// Broker state always wins during reconciliation, so this bypasses the
// normal transition rules.
func (c *Coordinator) adopt(ctx context.Context, rec domain.OrderRecord, st broker.OrderStatus) error {
	from := rec.State
	rec.BrokerOrderID = st.BrokerOrderID
	rec.State = st.State
	rec.FilledQty = st.FilledQty
	if st.FilledQty > 0 {
		rec.AvgFillPrice = st.AvgFillPrice
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := c.ledger.Update(ctx, rec); err != nil {
		return fmt.Errorf("adopt broker state for %s: %w", rec.OrderID, err)
	}

	c.logger.Info("record reconciled",
		slog.String("order_id", rec.OrderID),
		slog.String("from", string(from)),
		slog.String("to", string(rec.State)),
		slog.Int64("filled_qty", rec.FilledQty),
	)
	c.auditLog(ctx, "reconciled", map[string]any{
		"order_id":   rec.OrderID,
		"from":       string(from),
		"to":         string(rec.State),
		"filled_qty": rec.FilledQty,
	})
	return nil
}

// resolveUnknown applies the configured policy to a record the broker has no
// memory of. Each decision is audited and surfaced to the operator.
func (c *Coordinator) resolveUnknown(ctx context.Context, rec domain.OrderRecord) error {
	age := time.Since(rec.CreatedAt)
	policy := c.cfg.Policy
	if policy == PolicyResubmit && c.cfg.MaxIntentAge > 0 && age > c.cfg.MaxIntentAge {
		c.logger.Warn("record too old to resubmit, rejecting instead",
			slog.String("order_id", rec.OrderID),
			slog.Duration("age", age),
		)
		policy = PolicyReject
	}

	if policy == PolicyResubmit && c.resubmit != nil {
		newID, err := c.resubmit.Resubmit(ctx, rec)
		if err != nil && !errors.Is(err, domain.ErrDuplicateIntent) {
			return fmt.Errorf("resubmit %s: %w", rec.OrderID, err)
		}
		c.auditLog(ctx, "reconcile_resubmitted", map[string]any{
			"order_id":     rec.OrderID,
			"new_order_id": newID,
			"tag":          rec.IntentTag,
		})
		c.notify(ctx, "recovery", "Order resubmitted after recovery",
			fmt.Sprintf("%s %s %d tag=%s old=%s new=%s",
				rec.Side, rec.Symbol, rec.RequestedQty, rec.IntentTag, rec.OrderID, newID))
		return nil
	}

	rec.State = domain.OrderStateRejected
	rec.UpdatedAt = time.Now().UTC()
	if err := c.ledger.Update(ctx, rec); err != nil {
		return fmt.Errorf("reject unknown %s: %w", rec.OrderID, err)
	}
	c.logger.Warn("order unknown at broker, marked rejected",
		slog.String("order_id", rec.OrderID),
		slog.String("tag", rec.IntentTag),
	)
	c.auditLog(ctx, "reconcile_rejected", map[string]any{
		"order_id": rec.OrderID,
		"tag":      rec.IntentTag,
	})
	c.notify(ctx, "recovery", "Order rejected during recovery",
		fmt.Sprintf("%s %s %d tag=%s had no broker-side record",
			rec.Side, rec.Symbol, rec.RequestedQty, rec.IntentTag))
	return nil
}

func (c *Coordinator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	_ = c.audit.Log(ctx, event, detail)
}

func (c *Coordinator) notify(ctx context.Context, event, title, message string) {
	if c.notifier == nil {
		return
	}
	_ = c.notifier.Notify(ctx, event, title, message)
}
