package backfill

import (
	"context"
	"time"

	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

// Source is the external paginated telemetry API a backfill imports from.
type Source interface {
	// FetchPage returns one page of samples for [start, end) and the cursor
	// for the next page. An empty cursor means the window is exhausted.
	FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) ([]types.Sample, string, error)
}

// Archive is the cold-tier write path the runner imports through.
type Archive interface {
	WriteDaily(ctx context.Context, site string, date types.Date, samples []types.Sample) (int, error)
}

// Counters is the persisted counter sink for per-day import accounting.
type Counters interface {
	IncrCounter(ctx context.Context, metric string, day types.Date, delta int64) (int64, error)
}

// Report summarizes one runner invocation.
type Report struct {
	Site            string `json:"site"`
	PagesFetched    int    `json:"pages_fetched"`
	SamplesArchived int64  `json:"samples_archived"`
	DatesAdvanced   int    `json:"dates_advanced"`
	Complete        bool   `json:"complete"`
	Stopped         string `json:"stopped,omitempty"` // reason the run ended early
	State           State  `json:"state"`
}

// Runner drives a multi-day historical import through short, resumable
// invocations. There is no in-process scheduler: each RunOnce call does a
// bounded amount of work and persists its progress, and the external caller
// re-invokes until the record reports complete.
type Runner struct {
	mgr      *Manager
	source   Source
	archive  Archive
	counters Counters
	cfg      config.BackfillConfig
	logger   *zap.Logger
}

func NewRunner(mgr *Manager, source Source, archive Archive, counters Counters, cfg config.BackfillConfig, logger *zap.Logger) *Runner {
	return &Runner{
		mgr:      mgr,
		source:   source,
		archive:  archive,
		counters: counters,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunOnce performs one bounded invocation for a site: fetch up to
// MaxPagesPerRun pages for the current date, archive them, and advance the
// date whenever its pagination is exhausted. State is persisted after every
// transition and before the work that depends on it, so a crash resumes
// from the last durable record. Fetch and write failures are recorded into
// the state, not returned: the error return covers only state-store and
// context failures.
func (r *Runner) RunOnce(ctx context.Context, site string) (Report, error) {
	state, err := r.mgr.GetOrCreate(ctx, site)
	if err != nil {
		return Report{}, err
	}

	report := Report{Site: site, State: state}
	if state.Status == StatusComplete {
		report.Complete = true
		return report, nil
	}

	maxPages := r.cfg.MaxPagesPerRun
	if maxPages <= 0 {
		maxPages = 100
	}

	for report.PagesFetched < maxPages {
		if err := ctx.Err(); err != nil {
			report.Stopped = "canceled"
			return report, err
		}

		day := state.CurrentDate
		dayStart := day.Time()
		dayEnd := day.Next().Time()

		samples, nextCursor, err := r.source.FetchPage(ctx, site, dayStart, dayEnd, state.Cursor)
		if err != nil {
			state, serr := r.mgr.RecordError(ctx, site, err.Error(), true)
			if serr != nil {
				return report, serr
			}
			metrics.BackfillErrors.WithLabelValues(site).Inc()
			r.logger.Error("backfill fetch failed",
				zap.String("site", site),
				zap.String("date", string(day)),
				zap.Error(err),
			)
			report.State = state
			report.Stopped = "fetch error"
			return report, nil
		}

		if len(samples) > 0 {
			// Archive before persisting page progress: a crash in between
			// re-fetches the page and the idempotent partition merge
			// deduplicates the replay.
			if _, err := r.archive.WriteDaily(ctx, site, day, samples); err != nil {
				state, serr := r.mgr.RecordError(ctx, site, err.Error(), true)
				if serr != nil {
					return report, serr
				}
				metrics.BackfillErrors.WithLabelValues(site).Inc()
				r.logger.Error("backfill archive write failed",
					zap.String("site", site),
					zap.String("date", string(day)),
					zap.Error(err),
				)
				report.State = state
				report.Stopped = "archive error"
				return report, nil
			}
		}

		state, err = r.mgr.RecordPage(ctx, site, nextCursor, int64(len(samples)))
		if err != nil {
			return report, err
		}
		report.PagesFetched++
		report.SamplesArchived += int64(len(samples))
		metrics.BackfillPages.WithLabelValues(site).Inc()
		metrics.BackfillSamples.WithLabelValues(site).Add(float64(len(samples)))
		if r.counters != nil && len(samples) > 0 {
			if _, err := r.counters.IncrCounter(ctx, "backfill_samples", day, int64(len(samples))); err != nil {
				r.logger.Warn("failed to bump import counter", zap.Error(err))
			}
		}

		if nextCursor != "" {
			continue
		}

		// Date exhausted; move on.
		state, err = r.mgr.Advance(ctx, site)
		if err != nil {
			return report, err
		}
		report.DatesAdvanced++
		metrics.BackfillDatesCompleted.WithLabelValues(site).Inc()

		if state.Status == StatusComplete {
			report.Complete = true
			break
		}
	}

	if report.PagesFetched >= maxPages && !report.Complete {
		report.Stopped = "page budget"
	}

	report.State = state
	r.logger.Info("backfill invocation finished",
		zap.String("site", site),
		zap.Int("pages", report.PagesFetched),
		zap.Int64("samples", report.SamplesArchived),
		zap.Int("dates_advanced", report.DatesAdvanced),
		zap.Float64("progress_pct", state.Progress()),
		zap.Bool("complete", report.Complete),
	)
	return report, nil
}
