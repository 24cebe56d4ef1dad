package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/calebriley/optexec/internal/archive"
	"github.com/calebriley/optexec/internal/broker"
	"github.com/calebriley/optexec/internal/domain"
	"github.com/calebriley/optexec/internal/engine"
	"github.com/calebriley/optexec/internal/monitor"
	"github.com/calebriley/optexec/internal/recovery"
	"github.com/calebriley/optexec/internal/risk"
	"github.com/calebriley/optexec/internal/server"
	"github.com/calebriley/optexec/internal/server/handler"
	"github.com/calebriley/optexec/internal/strategy"
)

// runTrading is the live/paper execution loop. Order intake stays closed
// until the recovery barrier completes; after that the fill loop, session
// monitor, fill source, and optional archiver run until the context is
// cancelled or the broker session is declared dead.
func (a *App) runTrading(ctx context.Context, deps *Dependencies) error {
	// Only one instance may trade an account.
	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, "trader:"+a.cfg.Broker.AccountID, a.cfg.Redis.LockTTL.Duration)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("app: account %s is already being traded by another instance", a.cfg.Broker.AccountID)
			}
			return fmt.Errorf("app: acquire trader lock: %w", err)
		}
		defer unlock()
	}

	loc, err := time.LoadLocation(a.cfg.Risk.Timezone)
	if err != nil {
		return fmt.Errorf("app: load timezone %s: %w", a.cfg.Risk.Timezone, err)
	}

	riskMgr := risk.NewManager(risk.Config{
		MaxDailyLoss:         decimal.NewFromFloat(a.cfg.Risk.MaxDailyLoss),
		MaxOpenPositions:     a.cfg.Risk.MaxOpenPositions,
		MaxSymbolExposure:    decimal.NewFromFloat(a.cfg.Risk.MaxSymbolExposure),
		MaxAggregateExposure: decimal.NewFromFloat(a.cfg.Risk.MaxAggregateExposure),
		Timezone:             loc,
	}, deps.Gateway, a.logger)

	mon := monitor.New(deps.Gateway, monitor.Config{
		Interval:         a.cfg.Session.Interval.Duration,
		ProbeTimeout:     a.cfg.Session.ProbeTimeout.Duration,
		FailureThreshold: a.cfg.Session.FailureThreshold,
	}, a.logger).WithNotifier(deps.Notifier)

	registry := strategy.NewRegistry(a.logger)

	eng := engine.New(deps.Ledger, deps.Gateway, riskMgr, mon, a.logger, engine.Config{
		SubmitTimeout: a.cfg.Engine.SubmitTimeout.Duration,
		CancelTimeout: a.cfg.Engine.CancelTimeout.Duration,
		FillBuffer:    a.cfg.Engine.FillBuffer,
	}).
		WithAudit(deps.Audit).
		WithExitHandler(registry).
		WithNotifier(deps.Notifier)
	if deps.RateLimiter != nil {
		eng = eng.WithRateLimiter(deps.RateLimiter)
	}

	coord := recovery.New(deps.Ledger, deps.Gateway, riskMgr, eng, recovery.Config{
		Policy:       recovery.UnknownOrderPolicy(a.cfg.Recovery.UnknownOrderPolicy),
		MaxIntentAge: a.cfg.Recovery.MaxIntentAge.Duration,
		MaxAttempts:  a.cfg.Recovery.MaxAttempts,
		Backoff:      a.cfg.Recovery.Backoff.Duration,
		QueryTimeout: a.cfg.Recovery.QueryTimeout.Duration,
		Timezone:     loc,
	}, a.logger).
		WithAudit(deps.Audit).
		WithNotifier(deps.Notifier)

	// Recovery is a hard barrier: no intent is admitted until the ledger and
	// the broker agree.
	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("app: startup recovery: %w", err)
	}
	if err := registry.InitAll(ctx); err != nil {
		return fmt.Errorf("app: init strategies: %w", err)
	}
	eng.SetAccepting(true)
	a.logger.InfoContext(ctx, "recovery complete, accepting intents")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(ctx)
	})

	g.Go(func() error {
		return mon.Run(ctx)
	})

	// Fill source: the broker's trade-update stream in live mode, the
	// simulator's fill channel in paper mode.
	if deps.SimFills != nil {
		fills := deps.SimFills
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-fills:
					if !ok {
						return nil
					}
					eng.EnqueueFill(ctx, ev)
				}
			}
		})
	} else {
		stream := broker.NewTradeUpdateStream(
			a.cfg.Broker.StreamURL,
			a.cfg.Broker.APIKey,
			a.cfg.Broker.APISecret,
			func(ctx context.Context, ev domain.FillEvent) {
				eng.EnqueueFill(ctx, ev)
			},
			a.logger,
		)
		g.Go(func() error {
			return stream.Run(ctx)
		})
	}

	if deps.BlobWriter != nil {
		arch, err := archive.New(archive.Config{
			Prefix:     a.cfg.Archive.Prefix,
			CutoffHour: a.cfg.Archive.CutoffHour,
			Timezone:   a.cfg.Risk.Timezone,
		}, deps.Ledger, deps.Audit, deps.BlobWriter, a.logger)
		if err != nil {
			return fmt.Errorf("app: archiver: %w", err)
		}
		g.Go(func() error {
			return arch.Run(ctx)
		})
	}

	// Operational API: intent intake, order inspection, session status.
	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Enabled: true,
			Port:    a.cfg.Server.Port,
			APIKey:  a.cfg.Server.APIKey,
		}, server.Handlers{
			Health: handler.NewHealthHandler(a.logger),
			Orders: handler.NewOrderHandler(eng, deps.Ledger, a.logger),
			Status: handler.NewStatusHandler(riskMgr, mon, registry, deps.Audit, a.logger),
		}, a.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// A dead session means heartbeats cannot reach the broker; stop
	// everything and exit non-zero so the supervisor restarts us into a
	// fresh recovery pass.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-mon.Dead():
			a.logger.ErrorContext(ctx, "broker session dead, shutting down for supervised restart")
			return domain.ErrSessionDead
		}
	})

	err = g.Wait()
	if closeErr := registry.CloseAll(); closeErr != nil {
		a.logger.Warn("strategy close failed", slog.String("error", closeErr.Error()))
	}
	return err
}
