// Package engine drives an order from intent to terminal state: idempotent
// intake, at-most-once submission, fill application, and confirmed-only
// cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/broker"
	"github.com/calebriley/optexec/internal/domain"
)

// ErrSubmissionFailed marks a submit attempt whose outcome is unknown. The
// order record is parked in submit_unknown and resolved by reconciliation on
// the next startup, never by blind resubmission.
var ErrSubmissionFailed = errors.New("submission outcome unknown")

// RiskChecker gates intents and consumes fills. Implemented by risk.Manager.
type RiskChecker interface {
	Check(ctx context.Context, intent domain.Intent) error
	ApplyFill(rec domain.OrderRecord, qty int64, price decimal.Decimal)
}

// SessionGate reports whether the broker session is believed alive.
// Implemented by the session monitor.
type SessionGate interface {
	Alive() bool
}

// ExitHandler receives position-exit callbacks on fills. Implemented by the
// strategy registry.
type ExitHandler interface {
	OnFill(ctx context.Context, rec domain.OrderRecord, ev domain.FillEvent)
}

// Notifier publishes structured operator events. Implemented by
// notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the engine's call bounds.
type Config struct {
	SubmitTimeout time.Duration
	CancelTimeout time.Duration
	FillBuffer    int
}

// Engine is the order execution state machine. Intents for distinct tags run
// in parallel; a keyed mutex serializes work per tag and per order, and a
// single apply loop consumes fill events in arrival order.
type Engine struct {
	ledger  domain.OrderLedger
	gateway broker.Gateway
	risk    RiskChecker
	session SessionGate
	audit   domain.AuditStore
	limiter domain.RateLimiter
	exits   ExitHandler
	notify  Notifier
	logger  *slog.Logger
	cfg     Config

	tags      *keyedMutex // one winner per intent tag
	orders    *keyedMutex // serializes fill/cancel per order id
	fillCh    chan domain.FillEvent
	accepting atomic.Bool
}

// New creates an Engine. It starts closed to intents; the recovery coordinator
// opens intake once reconciliation has completed.
func New(
	ledger domain.OrderLedger,
	gateway broker.Gateway,
	risk RiskChecker,
	session SessionGate,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.CancelTimeout == 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if cfg.FillBuffer == 0 {
		cfg.FillBuffer = 256
	}
	return &Engine{
		ledger:  ledger,
		gateway: gateway,
		risk:    risk,
		session: session,
		logger:  logger.With(slog.String("component", "engine")),
		cfg:     cfg,
		tags:    newKeyedMutex(),
		orders:  newKeyedMutex(),
		fillCh:  make(chan domain.FillEvent, cfg.FillBuffer),
	}
}

// WithAudit attaches the append-only audit store.
func (e *Engine) WithAudit(audit domain.AuditStore) *Engine {
	e.audit = audit
	return e
}

// WithRateLimiter throttles broker submissions under the given key space.
func (e *Engine) WithRateLimiter(l domain.RateLimiter) *Engine {
	e.limiter = l
	return e
}

// WithExitHandler attaches the strategy-side position-exit callback.
func (e *Engine) WithExitHandler(h ExitHandler) *Engine {
	e.exits = h
	return e
}

// WithNotifier attaches the operator notification channel.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notify = n
	return e
}

// SetAccepting opens or closes the intake path. Recovery opens it exactly
// once reconciliation has completed; the session monitor closes it when the
// session dies.
func (e *Engine) SetAccepting(v bool) {
	e.accepting.Store(v)
}

// Accepting reports whether Execute currently admits new intents.
func (e *Engine) Accepting() bool {
	return e.accepting.Load()
}

// Execute turns an intent into a tracked order. It returns the orderId on
// success; for a replayed tag it returns the existing orderId together with
// domain.ErrDuplicateIntent and never resubmits. Risk denials return a
// *domain.DenialError and persist nothing.
func (e *Engine) Execute(ctx context.Context, intent domain.Intent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}
	if !e.accepting.Load() {
		return "", domain.ErrNotAccepting
	}
	if e.session != nil && !e.session.Alive() {
		return "", domain.ErrSessionDead
	}

	// Single winner per tag: the check-and-create below is atomic under this
	// lock, and the ledger's unique tag constraint backs it across processes.
	release := e.tags.lock(intent.Tag)
	defer release()

	if existing, err := e.ledger.GetByTag(ctx, intent.Tag); err == nil {
		return existing.OrderID, domain.ErrDuplicateIntent
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("engine: lookup tag %s: %w", intent.Tag, err)
	}

	if err := e.risk.Check(ctx, intent); err != nil {
		var denial *domain.DenialError
		if errors.As(err, &denial) {
			e.logger.Warn("intent denied",
				slog.String("tag", intent.Tag),
				slog.String("strategy", intent.StrategyID),
				slog.String("reason", denial.Reason),
			)
			e.emit(ctx, "risk_denied", "Risk denied",
				fmt.Sprintf("%s %s %d %s: %s", intent.Side, intent.Symbol, intent.Quantity, intent.Tag, denial.Reason))
		}
		return "", err
	}

	now := time.Now().UTC()
	rec := domain.OrderRecord{
		OrderID:      uuid.New().String(),
		StrategyID:   intent.StrategyID,
		IntentTag:    intent.Tag,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		Type:         intent.Type,
		LimitPrice:   intent.LimitPrice,
		State:        domain.OrderStatePending,
		RequestedQty: intent.Quantity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Persist before contacting the broker: a crash after the broker accepts
	// but before we process the ack still leaves a recoverable record.
	if err := e.ledger.Insert(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			if existing, lookupErr := e.ledger.GetByTag(ctx, intent.Tag); lookupErr == nil {
				return existing.OrderID, domain.ErrDuplicateIntent
			}
		}
		return "", fmt.Errorf("engine: persist order: %w", err)
	}

	e.transition(ctx, &rec, domain.OrderStateSubmitting)
	return e.submit(ctx, rec)
}

// Resubmit re-enters an order the broker has no record of, under a fresh
// orderId and the same intent tag. The old record is marked rejected first so
// the tag's active-record uniqueness admits the replacement. Only the
// recovery coordinator calls this, and only under the resubmit policy.
func (e *Engine) Resubmit(ctx context.Context, old domain.OrderRecord) (string, error) {
	release := e.tags.lock(old.IntentTag)
	defer release()

	old.State = domain.OrderStateRejected
	old.UpdatedAt = time.Now().UTC()
	if err := e.ledger.Update(ctx, old); err != nil {
		return "", fmt.Errorf("engine: supersede %s: %w", old.OrderID, err)
	}

	now := time.Now().UTC()
	rec := domain.OrderRecord{
		OrderID:      uuid.New().String(),
		StrategyID:   old.StrategyID,
		IntentTag:    old.IntentTag,
		Symbol:       old.Symbol,
		Side:         old.Side,
		Type:         old.Type,
		LimitPrice:   old.LimitPrice,
		State:        domain.OrderStatePending,
		RequestedQty: old.RequestedQty,
		RetryCount:   old.RetryCount + 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.ledger.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("engine: persist resubmitted order: %w", err)
	}

	e.transition(ctx, &rec, domain.OrderStateSubmitting)
	return e.submit(ctx, rec)
}

// submit performs the single submission attempt for a record in submitting
// state and settles it into open, rejected, or submit_unknown.
func (e *Engine) submit(ctx context.Context, rec domain.OrderRecord) (string, error) {
	log := e.logger.With(
		slog.String("order_id", rec.OrderID),
		slog.String("tag", rec.IntentTag),
		slog.String("symbol", rec.Symbol),
	)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, "submit:"+e.gateway.Name()); err != nil {
			e.transition(ctx, &rec, domain.OrderStateSubmitUnknown)
			return rec.OrderID, fmt.Errorf("engine: %w: rate limiter: %v", ErrSubmissionFailed, err)
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	ack, err := e.gateway.Submit(submitCtx, rec)
	cancel()

	switch {
	case err == nil:
		rec.BrokerOrderID = ack.BrokerOrderID
		e.transition(ctx, &rec, domain.OrderStateOpen)
		log.Info("order open", slog.String("broker_order_id", ack.BrokerOrderID))
		return rec.OrderID, nil

	case isRejection(err):
		e.transition(ctx, &rec, domain.OrderStateRejected)
		log.Warn("order rejected by broker", slog.String("error", err.Error()))
		return rec.OrderID, err

	default:
		// Timeout or network failure: the broker may have the order. Park it
		// for reconciliation.
		e.transition(ctx, &rec, domain.OrderStateSubmitUnknown)
		log.Error("submit outcome unknown, parked for reconciliation",
			slog.String("error", err.Error()),
		)
		return rec.OrderID, fmt.Errorf("engine: %w: %v", ErrSubmissionFailed, err)
	}
}

func isRejection(err error) bool {
	var rej *broker.RejectionError
	return errors.As(err, &rej)
}

// Cancel requests cancellation of an open or partially filled order. The
// record moves to cancelled only once the broker confirms; an unconfirmed
// cancel leaves the order open for the next reconciliation pass.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	release := e.orders.lock(orderID)
	defer release()

	rec, err := e.ledger.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: cancel %s: %w", orderID, err)
	}

	switch rec.State {
	case domain.OrderStateOpen, domain.OrderStatePartiallyFilled:
	default:
		return fmt.Errorf("engine: cancel %s: order is %s", orderID, rec.State)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	err = e.gateway.Cancel(cancelCtx, rec.BrokerOrderID)
	cancel()
	if err != nil {
		e.logger.Warn("cancel unconfirmed, order left open",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("engine: cancel %s: %w", orderID, err)
	}

	e.transition(ctx, &rec, domain.OrderStateCancelled)
	e.logger.Info("order cancelled", slog.String("order_id", orderID))
	return nil
}

// transition moves rec to the target state, persists it, and records the
// audit event. Ledger persistence failures are logged, not fatal: the broker
// holds the truth and reconciliation re-reads it on the next startup.
func (e *Engine) transition(ctx context.Context, rec *domain.OrderRecord, to domain.OrderState) {
	from := rec.State
	if from != to && !from.CanTransition(to) {
		e.logger.Error("illegal state transition attempted",
			slog.String("order_id", rec.OrderID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return
	}

	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	if err := e.ledger.Update(ctx, *rec); err != nil {
		e.logger.Error("ledger update failed",
			slog.String("order_id", rec.OrderID),
			slog.String("state", string(to)),
			slog.String("error", err.Error()),
		)
	}

	if e.audit != nil {
		_ = e.audit.Log(ctx, "order_transition", map[string]any{
			"order_id":        rec.OrderID,
			"broker_order_id": rec.BrokerOrderID,
			"tag":             rec.IntentTag,
			"from":            string(from),
			"to":              string(to),
			"filled_qty":      rec.FilledQty,
		})
	}
	if to.Terminal() || to == domain.OrderStateSubmitUnknown {
		e.emit(ctx, "order_state", "Order "+string(to),
			fmt.Sprintf("%s %s %d %s (%s)", rec.Side, rec.Symbol, rec.RequestedQty, rec.IntentTag, rec.OrderID))
	}
}

// emit publishes an operator notification, if a channel is configured.
func (e *Engine) emit(ctx context.Context, event, title, message string) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Notify(ctx, event, title, message); err != nil {
		e.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
