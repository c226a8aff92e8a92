package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/epochlabs/ledgerd/internal/server"
	"github.com/epochlabs/ledgerd/internal/server/handler"
	"github.com/epochlabs/ledgerd/internal/server/ws"
)

// IndexMode runs the ingest pipeline: the HTTP server accepts event batches
// on POST /api/events and the indexer loop applies them to the ledger.
func (a *App) IndexMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting index mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Indexer.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// BackfillMode runs the gap-scan loop: every market of every known group is
// checked for unindexed blocks and the findings are published on the gaps
// channel so the upstream log source can re-deliver those ranges.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backfill mode",
		slog.Duration("interval", a.cfg.Indexer.GapScanInterval.Duration),
	)

	if deps.Backfiller == nil {
		return fmt.Errorf("backfill mode: no chain endpoint configured")
	}
	return deps.Backfiller.RunLoop(ctx, a.cfg.Indexer.GapScanInterval.Duration)
}

// ServerMode serves the REST API and WebSocket stream over the materialized
// ledger. Ingested events are still applied, but no gap scanning runs and a
// chain endpoint is optional.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	// The ingest route submits to the indexer queue, so the consume loop
	// runs here too.
	g.Go(func() error {
		return deps.Indexer.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// ReplayMode re-applies archived event batches and exits. The target comes
// from indexer.replay_path: a single object, or every object under a prefix
// when the path ends with "/".
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	path := a.cfg.Indexer.ReplayPath
	a.logger.InfoContext(ctx, "starting replay mode", slog.String("path", path))

	if deps.Replayer == nil {
		return fmt.Errorf("replay mode: blob storage not configured")
	}
	if strings.HasSuffix(path, "/") {
		return deps.Replayer.ReplayPrefix(ctx, path)
	}
	return deps.Replayer.ReplayPath(ctx, path)
}

// FullMode starts all subsystems: the indexer loop, the gap-scan loop, and
// the HTTP server with its WebSocket hub.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Indexer.Run(ctx)
	})

	if deps.Backfiller != nil {
		g.Go(func() error {
			return deps.Backfiller.RunLoop(ctx, a.cfg.Indexer.GapScanInterval.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(a.logger),
		MarketGroups: handler.NewMarketGroupHandler(deps.Groups, deps.Markets, a.logger),
		Positions:    handler.NewPositionHandler(deps.Positions, deps.Transactions, a.logger),
		Ingest:       handler.NewIngestHandler(deps.Indexer, a.logger),
	}
	if deps.Detector != nil {
		handlers.Gaps = handler.NewGapsHandler(deps.Detector, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
