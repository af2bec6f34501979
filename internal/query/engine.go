// Package query is the sole read entry point: it routes a request across
// tiers, fans out to the tier readers, and merges their results.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/buildingvitals/tieredstore/internal/cold"
	"github.com/buildingvitals/tieredstore/internal/merge"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/router"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HotReader serves the low-latency tier.
type HotReader interface {
	Query(ctx context.Context, site string, points []string, start, end int64) ([]types.Series, error)
}

// ColdReader serves the archive tier.
type ColdReader interface {
	Query(ctx context.Context, site string, points []string, start, end int64) ([]types.Series, cold.QueryStats, error)
}

// Metadata describes how a query was served. Downstream consumers see only
// this shape, never tier or partition internals beyond these counts.
type Metadata struct {
	Strategy           string   `json:"strategy"`
	Tiers              []string `json:"tiers"`
	EstimatedLatencyMs float64  `json:"estimated_latency_ms"`
	HotRows            int      `json:"hot_rows"`
	ColdRows           int      `json:"cold_rows"`
	TotalRows          int      `json:"total_rows"`
	PartitionsFetched  int      `json:"partitions_fetched"`
	PartitionsSkipped  int      `json:"partitions_skipped"`
	RecordsDropped     int      `json:"records_dropped"`
}

// Result is a merged query response.
type Result struct {
	Series   []merge.Series `json:"series"`
	Metadata Metadata       `json:"metadata"`
}

// Engine wires Router → readers → merger.
type Engine struct {
	router *router.Router
	hot    HotReader
	cold   ColdReader
	logger *zap.Logger
}

func NewEngine(r *router.Router, hot HotReader, cold ColdReader, logger *zap.Logger) *Engine {
	return &Engine{router: r, hot: hot, cold: cold, logger: logger}
}

// Query serves [start, end] (unix ms, inclusive) for a point set. Cold-tier
// partition problems degrade to skipped partitions in the metadata; a hot
// tier failure is returned, since it signals the primary store is down
// rather than a pocket of unreadable history.
func (e *Engine) Query(ctx context.Context, site string, points []string, start, end int64) (Result, error) {
	if end < start {
		return Result{}, fmt.Errorf("invalid range: end %d before start %d", end, start)
	}

	began := time.Now()
	decision := e.router.Route(points, start, end)

	var (
		hotSeries  []types.Series
		coldSeries []types.Series
		coldStats  cold.QueryStats
	)

	g, gctx := errgroup.WithContext(ctx)
	if decision.UseHot {
		g.Go(func() error {
			var err error
			hotSeries, err = e.hot.Query(gctx, site, points, decision.HotRange.Start, decision.HotRange.End)
			if err != nil {
				return fmt.Errorf("hot tier: %w", err)
			}
			return nil
		})
	}
	if decision.UseCold {
		g.Go(func() error {
			var err error
			coldSeries, coldStats, err = e.cold.Query(gctx, site, points, decision.ColdRange.Start, decision.ColdRange.End)
			if err != nil {
				return fmt.Errorf("cold tier: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	merged := merge.Merge(hotSeries, coldSeries)

	var tiers []string
	if decision.UseHot {
		tiers = append(tiers, types.TierHot.String())
	}
	if decision.UseCold {
		tiers = append(tiers, types.TierCold.String())
	}

	metrics.QueryDuration.WithLabelValues(decision.Strategy.String()).Observe(time.Since(began).Seconds())
	e.logger.Debug("query served",
		zap.String("site", site),
		zap.Int("points", len(points)),
		zap.String("strategy", decision.Strategy.String()),
		zap.Int("rows", merged.TotalRows),
		zap.Int("skipped_partitions", coldStats.PartitionsSkipped),
	)

	return Result{
		Series: merged.Series,
		Metadata: Metadata{
			Strategy:           decision.Strategy.String(),
			Tiers:              tiers,
			EstimatedLatencyMs: decision.EstimatedLatencyMs,
			HotRows:            merged.HotRows,
			ColdRows:           merged.ColdRows,
			TotalRows:          merged.TotalRows,
			PartitionsFetched:  coldStats.PartitionsFetched,
			PartitionsSkipped:  coldStats.PartitionsSkipped,
			RecordsDropped:     coldStats.RecordsDropped,
		},
	}, nil
}
