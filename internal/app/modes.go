package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pariflow/pariflow/internal/server"
	"github.com/pariflow/pariflow/internal/server/handler"
	"github.com/pariflow/pariflow/internal/server/ws"
	"github.com/pariflow/pariflow/internal/service"
)

// shutdownGrace bounds how long in-flight HTTP requests may run after the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// APIMode serves the HTTP and WebSocket API without background workers.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return waitGroup(g)
}

// WorkerMode runs the background consumers: reputation tracking, settlement
// notifications, and archival. No API surface is exposed.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	return waitGroup(g)
}

// FullMode runs the API and all background workers in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	a.startWorkers(ctx, g, deps)
	return waitGroup(g)
}

// startServer adds the websocket hub and HTTP server goroutines to the given
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled by config")
		return
	}

	hub := ws.NewHub(deps.Bus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.PG, deps.Redis, a.logger),
		Markets:   handler.NewMarketHandler(deps.Engine, a.logger),
		Positions: handler.NewPositionHandler(deps.Engine, a.logger),
		Relay:     handler.NewRelayHandler(deps.Relay, deps.Pool, a.logger),
		Oracle:    handler.NewOracleHandler(deps.Oracle, deps.Verifier, deps.Relay, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.Limiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown failed", "error", err.Error())
		}
		return ctx.Err()
	})
}

// startWorkers adds the background consumer goroutines to the given errgroup.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	tracker := service.NewReputationTracker(deps.Bus, deps.Reputation, deps.Ledger, a.logger)
	g.Go(func() error {
		return tracker.Run(ctx)
	})

	if deps.Watcher != nil {
		g.Go(func() error {
			return deps.Watcher.Run(ctx)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
}

// waitGroup waits for the errgroup, normalising clean-shutdown cancellation
// to nil.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
