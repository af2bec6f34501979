// Package router decides where a query's time range lives: entirely in the
// hot tier, entirely in the cold archive, or split across both. The decision
// is computed per query and never persisted.
package router

import (
	"time"

	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/types"
)

// Strategy selects which tier(s) serve a query.
type Strategy int

const (
	HotOnly Strategy = iota
	ColdOnly
	Split
)

func (s Strategy) String() string {
	switch s {
	case HotOnly:
		return "hot_only"
	case ColdOnly:
		return "cold_only"
	case Split:
		return "split"
	default:
		return "unknown"
	}
}

// Range is a half-open-free inclusive time window in unix milliseconds.
type Range struct {
	Start int64
	End   int64
}

// Decision is the routing outcome for one query. SplitPoint is meaningful
// only when Strategy is Split. EstimatedLatencyMs informs callers and
// telemetry, it carries no correctness obligation.
type Decision struct {
	Strategy           Strategy
	UseHot             bool
	UseCold            bool
	SplitPoint         int64
	HotRange           Range
	ColdRange          Range
	EstimatedLatencyMs float64
}

// Router classifies time ranges against the hot-window threshold.
type Router struct {
	cfg config.RouterConfig
	now func() time.Time
}

func New(cfg config.RouterConfig) *Router {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock is New with an injected clock, pinning the hot-window
// boundary for tests.
func NewWithClock(cfg config.RouterConfig, clock func() time.Time) *Router {
	return &Router{cfg: cfg, now: clock}
}

// Route classifies [start, end] (unix ms, inclusive) against the hot window.
// Always returns a decision: a range straddling the boundary, or touching it
// exactly, fails closed toward Split.
func (r *Router) Route(points []string, start, end int64) Decision {
	hotCutoff := r.now().AddDate(0, 0, -r.cfg.HotWindowDays).UnixMilli()

	var d Decision
	switch {
	case start > hotCutoff:
		d = Decision{
			Strategy: HotOnly,
			UseHot:   true,
			HotRange: Range{Start: start, End: end},
		}
	case end < hotCutoff:
		d = Decision{
			Strategy:  ColdOnly,
			UseCold:   true,
			ColdRange: Range{Start: start, End: end},
		}
	default:
		// Either a genuine straddle or an exact boundary touch. The hot
		// reader takes [split, end] and the cold reader [start, split];
		// the merger resolves the shared boundary timestamp.
		d = Decision{
			Strategy:   Split,
			UseHot:     true,
			UseCold:    true,
			SplitPoint: hotCutoff,
			HotRange:   Range{Start: hotCutoff, End: end},
			ColdRange:  Range{Start: start, End: hotCutoff},
		}
	}

	d.EstimatedLatencyMs = r.estimateLatency(d, len(points))
	metrics.RouteDecisions.WithLabelValues(d.Strategy.String()).Inc()
	return d
}

// estimateLatency is a coarse heuristic: hot cost grows with expected row
// count, cold cost with the number of daily partitions to fetch. Each path
// is capped at its tier's SLA.
func (r *Router) estimateLatency(d Decision, pointCount int) float64 {
	if pointCount == 0 {
		pointCount = 1
	}

	var total float64
	if d.UseHot {
		rows := float64(pointCount) * expectedRowsPerPointDay * rangeDays(d.HotRange)
		ms := r.cfg.HotBaseMs + rows/1000*r.cfg.HotPerThousandRowsMs
		if ms > r.cfg.HotSLAMs {
			ms = r.cfg.HotSLAMs
		}
		total += ms
	}
	if d.UseCold {
		partitions := float64(len(types.DatesInRange(
			types.DateOf(time.UnixMilli(d.ColdRange.Start)),
			types.DateOf(time.UnixMilli(d.ColdRange.End)),
		)))
		ms := r.cfg.ColdBaseMs + partitions*r.cfg.ColdPerPartitionMs
		if ms > r.cfg.ColdSLAMs {
			ms = r.cfg.ColdSLAMs
		}
		total += ms
	}
	return total
}

// expectedRowsPerPointDay assumes minute-resolution sensors when sizing the
// hot path. Only the latency estimate depends on it.
const expectedRowsPerPointDay = 1440

func rangeDays(r Range) float64 {
	if r.End <= r.Start {
		return 1
	}
	return float64(r.End-r.Start) / float64(24*time.Hour/time.Millisecond)
}
