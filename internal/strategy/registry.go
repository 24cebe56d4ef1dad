package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/calebriley/optexec/internal/domain"
)

// Registry holds the named strategies and fans fill callbacks out to them by
// StrategyID. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	logger     *slog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		logger:     logger.With(slog.String("component", "strategy_registry")),
	}
}

// Register adds a strategy under its own name, replacing any previous
// registration.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return s, nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InitAll initialises every registered strategy, stopping at the first
// failure.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, s := range r.strategies {
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("strategy %q: init: %w", name, err)
		}
	}
	return nil
}

// CloseAll closes every registered strategy, returning the first error seen
// but closing the rest regardless.
func (r *Registry) CloseAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var firstErr error
	for name, s := range r.strategies {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("strategy %q: close: %w", name, err)
		}
	}
	return firstErr
}

// OnFill routes a fill to the strategy that submitted the order. Fills for
// unregistered strategies are logged and dropped; a strategy error must not
// disturb order accounting.
func (r *Registry) OnFill(ctx context.Context, rec domain.OrderRecord, ev domain.FillEvent) {
	s, err := r.Get(rec.StrategyID)
	if err != nil {
		r.logger.DebugContext(ctx, "fill for unregistered strategy",
			slog.String("strategy_id", rec.StrategyID),
			slog.String("order_id", rec.OrderID),
		)
		return
	}

	if err := s.OnFill(ctx, rec, ev); err != nil {
		r.logger.ErrorContext(ctx, "strategy fill callback failed",
			slog.String("strategy_id", rec.StrategyID),
			slog.String("order_id", rec.OrderID),
			slog.String("error", err.Error()),
		)
	}
}
