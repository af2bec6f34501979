package cold

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QueryStats reports partition- and record-level outcomes of one cold query.
// Skipped partitions and dropped records are the observable trace of the
// availability-over-completeness trade-off: a missing, corrupt, or slow
// partition contributes zero rows instead of failing the query, and a single
// unparseable record inside an otherwise healthy partition loses only itself.
type QueryStats struct {
	PartitionsFetched int `json:"partitions_fetched"`
	PartitionsSkipped int `json:"partitions_skipped"`
	RecordsDropped    int `json:"records_dropped"`
}

// Query enumerates every daily partition overlapping [start, end] (unix ms,
// inclusive), fetches them with bounded concurrency, and returns the
// filtered samples as one sorted series per point.
func (s *Store) Query(ctx context.Context, site string, points []string, start, end int64) ([]types.Series, QueryStats, error) {
	var stats QueryStats
	if len(points) == 0 || end < start {
		return nil, stats, nil
	}

	dates := types.DatesInRange(
		types.DateOf(time.UnixMilli(start)),
		types.DateOf(time.UnixMilli(end)),
	)

	pointSet := make(map[string]bool, len(points))
	for _, p := range points {
		pointSet[p] = true
	}

	concurrency := s.cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	// Each partition fetch writes only its own slot; no locking is needed
	// for the data itself.
	perDate := make([][]types.Sample, len(dates))
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, date := range dates {
		i, date := i, date
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			samples, dropped, err := s.fetchPartition(gctx, site, date)
			if err != nil {
				// A timed-out partition is treated the same as a missing
				// one: skip, log, keep the query available.
				statsMu.Lock()
				stats.PartitionsSkipped++
				statsMu.Unlock()
				metrics.ColdPartitionFetches.WithLabelValues(site, "skipped").Inc()
				if !isNotFound(err) {
					s.logger.Warn("skipping unreadable partition",
						zap.String("site", site),
						zap.String("date", string(date)),
						zap.Error(err),
					)
				}
				return nil
			}

			filtered := samples[:0]
			for _, sample := range samples {
				if pointSet[sample.Point] && sample.Timestamp >= start && sample.Timestamp <= end {
					filtered = append(filtered, sample)
				}
			}
			perDate[i] = filtered

			if dropped > 0 {
				metrics.ColdRecordsDropped.WithLabelValues(site).Add(float64(dropped))
				s.logger.Warn("dropped unparseable partition records",
					zap.String("site", site),
					zap.String("date", string(date)),
					zap.Int("dropped", dropped),
				)
			}

			statsMu.Lock()
			stats.PartitionsFetched++
			stats.RecordsDropped += dropped
			statsMu.Unlock()
			metrics.ColdPartitionFetches.WithLabelValues(site, "ok").Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, stats, fmt.Errorf("cold query canceled: %w", err)
	}

	return groupSeries(perDate), stats, nil
}

// fetchPartition downloads, verifies, and decodes one daily partition under
// its own timeout so a single slow object cannot stall the whole query.
func (s *Store) fetchPartition(ctx context.Context, site string, date types.Date) ([]types.Sample, int, error) {
	timeout := s.cfg.FetchTimeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	key := s.dailyKey(site, date)
	resp, err := s.s3.GetObject(fetchCtx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	compressed, err := readAllLimited(resp.Body, int64(s.cfg.MaxPartitionSize))
	if err != nil {
		return nil, 0, fmt.Errorf("reading partition %s: %w", key, err)
	}
	metrics.ColdFetchDuration.WithLabelValues(site).Observe(time.Since(start).Seconds())

	samples, dropped, err := decodeNDJSON(compressed, int64(s.cfg.MaxPartitionSize))
	if err != nil {
		return nil, dropped, fmt.Errorf("decoding partition %s: %w", key, err)
	}
	return samples, dropped, nil
}

// groupSeries folds per-partition samples into per-point series sorted by
// (point, timestamp).
func groupSeries(perDate [][]types.Sample) []types.Series {
	byPoint := make(map[string][]types.DataPoint)
	for _, samples := range perDate {
		for _, sample := range samples {
			byPoint[sample.Point] = append(byPoint[sample.Point], types.DataPoint{
				Timestamp: sample.Timestamp,
				Value:     sample.Value,
			})
		}
	}

	names := make([]string, 0, len(byPoint))
	for name := range byPoint {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]types.Series, 0, len(names))
	for _, name := range names {
		data := byPoint[name]
		sort.Slice(data, func(i, j int) bool { return data[i].Timestamp < data[j].Timestamp })
		series = append(series, types.Series{Point: name, Data: data})
	}
	return series
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	return io.ReadAll(io.LimitReader(r, limit))
}
