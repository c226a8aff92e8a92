package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/epochlabs/ledgerd/internal/domain"
	"github.com/epochlabs/ledgerd/internal/reconcile"
)

// GapReport is the JSON payload published on the gaps channel for one
// market's missing-block scan.
type GapReport struct {
	ChainID       uint64   `json:"chainId"`
	Address       string   `json:"address"`
	MarketID      int64    `json:"marketId"`
	MissingBlocks []uint64 `json:"missingBlocks"`
}

// Backfiller scans the configured market groups for unindexed blocks and
// publishes gap reports so the upstream log source can re-deliver those
// ranges. The scan fans out across workers, one market at a time.
type Backfiller struct {
	groups   domain.MarketGroupStore
	markets  domain.MarketStore
	detector *reconcile.GapDetector
	bus      domain.SignalBus
	workers  int
	logger   *slog.Logger
}

// NewBackfiller creates a Backfiller with the given worker-pool size.
func NewBackfiller(
	groups domain.MarketGroupStore,
	markets domain.MarketStore,
	detector *reconcile.GapDetector,
	bus domain.SignalBus,
	workers int,
	logger *slog.Logger,
) *Backfiller {
	if workers <= 0 {
		workers = 4
	}
	return &Backfiller{
		groups:   groups,
		markets:  markets,
		detector: detector,
		bus:      bus,
		workers:  workers,
		logger:   logger.With(slog.String("component", "backfill")),
	}
}

// Scan runs one missing-block scan across every market of every known group
// and returns the non-empty gap reports. Reports are also published on the
// gaps channel.
func (b *Backfiller) Scan(ctx context.Context) ([]GapReport, error) {
	groups, err := b.groups.List(ctx, domain.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("pipeline: list market groups: %w", err)
	}

	type target struct {
		group  domain.MarketGroup
		market domain.Market
	}
	var targets []target
	for _, group := range groups {
		markets, err := b.markets.ListByGroup(ctx, group.ID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: list markets for %s: %w", group.Address, err)
		}
		for _, market := range markets {
			targets = append(targets, target{group, market})
		}
	}

	reports := make([]GapReport, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, t := range targets {
		g.Go(func() error {
			missing, err := b.detector.MissingBlocks(ctx, t.group.ChainID, t.group.Address, t.market.MarketID)
			if err != nil {
				return err
			}
			reports[i] = GapReport{
				ChainID:       t.group.ChainID,
				Address:       t.group.Address,
				MarketID:      t.market.MarketID,
				MissingBlocks: missing,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var found []GapReport
	for _, report := range reports {
		if len(report.MissingBlocks) == 0 {
			continue
		}
		found = append(found, report)
		b.publish(ctx, report)
	}

	b.logger.Info("gap scan complete",
		slog.Int("markets", len(targets)),
		slog.Int("with_gaps", len(found)),
	)
	return found, nil
}

// RunLoop repeats Scan on a fixed interval until ctx is cancelled. Scan
// failures are logged; the loop keeps going.
func (b *Backfiller) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("backfill loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Scan(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Error("gap scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (b *Backfiller) publish(ctx context.Context, report GapReport) {
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, ChannelGaps, payload); err != nil {
		b.logger.Warn("gap report publish failed",
			slog.String("address", report.Address),
			slog.String("error", err.Error()),
		)
	}
}
