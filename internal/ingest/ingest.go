// Package ingest is the write entry point. It validates incoming samples,
// splits them by age against the hot-window boundary, and dispatches each
// half to its tier.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/hot"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

// HotWriter is the hot-tier upsert path.
type HotWriter interface {
	BatchInsert(ctx context.Context, samples []types.Sample) (hot.InsertResult, error)
}

// ColdWriter is the archive partition write path.
type ColdWriter interface {
	WriteDaily(ctx context.Context, site string, date types.Date, samples []types.Sample) (int, error)
}

// WriteResult accounts for every sample in a batch. Partial success is a
// normal outcome: callers inspect the counts, not just the error.
type WriteResult struct {
	Accepted     int      `json:"accepted"`
	HotInserted  int      `json:"hot_inserted"`
	HotFailed    int      `json:"hot_failed"`
	ColdArchived int      `json:"cold_archived"`
	ColdFailed   int      `json:"cold_failed"`
	Filtered     int      `json:"filtered"`
	Errors       []string `json:"errors,omitempty"`
}

// Service routes writes between tiers by sample age.
type Service struct {
	hot           HotWriter
	cold          ColdWriter
	hotWindowDays int
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(hotW HotWriter, coldW ColdWriter, cfg config.RouterConfig, logger *zap.Logger) *Service {
	return &Service{
		hot:           hotW,
		cold:          coldW,
		hotWindowDays: cfg.HotWindowDays,
		logger:        logger,
		now:           time.Now,
	}
}

// Write ingests one batch for a site. Samples newer than the hot-window
// boundary are upserted into the hot tier; older samples are sealed history
// and go straight into daily archive partitions. Tier failures degrade to
// per-sample accounting in the result; the error return covers only context
// cancellation.
func (s *Service) Write(ctx context.Context, site string, samples []types.Sample) (WriteResult, error) {
	var result WriteResult
	if len(samples) == 0 {
		return result, nil
	}

	cutoff := s.now().AddDate(0, 0, -s.hotWindowDays).UnixMilli()

	var recent []types.Sample
	historical := make(map[types.Date][]types.Sample)
	for _, sample := range samples {
		sample.Site = site
		if err := sample.Validate(); err != nil {
			result.Filtered++
			metrics.SamplesRejected.WithLabelValues(site, "invalid").Inc()
			s.logger.Debug("sample rejected",
				zap.String("site", site),
				zap.String("point", sample.Point),
				zap.Error(err),
			)
			continue
		}
		result.Accepted++
		if sample.Timestamp >= cutoff {
			recent = append(recent, sample)
		} else {
			day := types.DateOf(sample.Time())
			historical[day] = append(historical[day], sample)
		}
	}

	if len(recent) > 0 {
		ins, err := s.hot.BatchInsert(ctx, recent)
		result.HotInserted += ins.Inserted
		result.HotFailed += ins.Failed
		result.Errors = append(result.Errors, ins.Errors...)
		metrics.SamplesIngested.WithLabelValues(site, types.TierHot.String()).Add(float64(ins.Inserted))
		if err != nil {
			return result, err
		}
	}

	for day, batch := range historical {
		if err := ctx.Err(); err != nil {
			result.ColdFailed += len(batch)
			return result, err
		}
		if _, err := s.cold.WriteDaily(ctx, site, day, batch); err != nil {
			result.ColdFailed += len(batch)
			result.Errors = append(result.Errors, fmt.Sprintf("partition %s: %v", day, err))
			s.logger.Error("archive write failed",
				zap.String("site", site),
				zap.String("date", string(day)),
				zap.Int("samples", len(batch)),
				zap.Error(err),
			)
			continue
		}
		result.ColdArchived += len(batch)
		metrics.SamplesIngested.WithLabelValues(site, types.TierCold.String()).Add(float64(len(batch)))
	}

	return result, nil
}
