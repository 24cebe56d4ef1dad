package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/calebriley/optexec/internal/domain"
)

// AccountSource exposes the risk manager's view of the account.
type AccountSource interface {
	Snapshot() domain.AccountSnapshot
}

// SessionSource exposes the session monitor's view of the broker connection.
type SessionSource interface {
	Alive() bool
	State() domain.SessionState
}

// StrategySource lists the registered strategies.
type StrategySource interface {
	List() []string
}

// StatusHandler serves execution status endpoints.
type StatusHandler struct {
	account    AccountSource
	session    SessionSource
	strategies StrategySource
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(account AccountSource, session SessionSource, strategies StrategySource, audit domain.AuditStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		account:    account,
		session:    session,
		strategies: strategies,
		audit:      audit,
		logger:     logger,
	}
}

// GetStatus returns the account snapshot, session health, and registered
// strategies in one response.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.account.Snapshot()
	state := h.session.State()

	resp := map[string]any{
		"account": map[string]any{
			"trading_day":          snap.TradingDay.Format("2006-01-02"),
			"daily_realized_pnl":   snap.DailyRealizedPnL.String(),
			"daily_loss_limit_hit": snap.DailyLossLimitHit,
			"open_positions":       snap.OpenPositionCount,
		},
		"session": map[string]any{
			"alive":                h.session.Alive(),
			"consecutive_failures": state.ConsecutiveFailures,
		},
		"strategies": h.strategies.List(),
	}
	if !state.LastSuccessfulHeartbeatAt.IsZero() {
		resp["session"].(map[string]any)["last_heartbeat"] = state.LastSuccessfulHeartbeatAt.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListAudit returns recent audit entries, newest first.
// GET /api/audit?limit=50&offset=0
func (h *StatusHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	type auditView struct {
		ID        int64          `json:"id"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail,omitempty"`
		CreatedAt string         `json:"created_at"`
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
