package hot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

// InsertResult reports the outcome of one BatchInsert call. Partial success
// is the normal outcome under load, not an exceptional one.
type InsertResult struct {
	Inserted int      `json:"inserted"`
	Failed   int      `json:"failed"`
	Filtered int      `json:"filtered"`
	Errors   []string `json:"errors,omitempty"`
}

// BatchInsert upserts samples in chunks of at most MaxChunkRows, the hard
// ceiling imposed by the store. Malformed samples are filtered out before
// chunking and logged, never counted as failures. Each chunk is one atomic
// statement; a transient chunk failure is retried with doubling backoff,
// and an exhausted chunk is reported failed without aborting its siblings.
// The returned error is non-nil only when the caller's context ends.
func (s *Store) BatchInsert(ctx context.Context, samples []types.Sample) (InsertResult, error) {
	var res InsertResult

	valid := make([]types.Sample, 0, len(samples))
	for _, sample := range samples {
		if err := sample.Validate(); err != nil {
			s.logger.Warn("dropping invalid sample", zap.Error(err))
			metrics.SamplesRejected.WithLabelValues(sample.Site, "invalid").Inc()
			res.Filtered++
			continue
		}
		valid = append(valid, sample)
	}
	if len(valid) == 0 {
		return res, nil
	}

	chunkRows := s.cfg.MaxChunkRows
	if chunkRows <= 0 || chunkRows > 1000 {
		chunkRows = 1000
	}

	for start := 0; start < len(valid); start += chunkRows {
		end := start + chunkRows
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]

		if err := s.insertChunkWithRetry(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				res.Failed += len(valid) - start
				return res, ctx.Err()
			}
			res.Failed += len(chunk)
			res.Errors = append(res.Errors, fmt.Sprintf("chunk at offset %d: %v", start, err))
			metrics.HotChunksFailed.WithLabelValues(chunk[0].Site).Inc()
			s.logger.Error("hot chunk failed after retries",
				zap.Int("offset", start),
				zap.Int("rows", len(chunk)),
				zap.Error(err),
			)
			continue
		}
		res.Inserted += len(chunk)
		metrics.HotChunksWritten.WithLabelValues(chunk[0].Site).Inc()
	}

	return res, nil
}

func (s *Store) insertChunkWithRetry(ctx context.Context, chunk []types.Sample) error {
	maxRetries := s.cfg.MaxRetries
	base := s.cfg.RetryBackoff.Duration()
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.HotChunkRetries.WithLabelValues(chunk[0].Site).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(base << (attempt - 1)):
			}
		}

		start := time.Now()
		err := s.insertChunk(ctx, chunk)
		if err == nil {
			metrics.HotInsertDuration.WithLabelValues(chunk[0].Site).Observe(time.Since(start).Seconds())
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("hot chunk insert failed",
			zap.Int("attempt", attempt+1),
			zap.Int("rows", len(chunk)),
			zap.Error(err),
		)
	}
	return lastErr
}

// insertChunk submits one chunk as a single multi-row upsert statement.
// Re-inserting an existing (site, point_name, ts) overwrites the value.
func (s *Store) insertChunk(ctx context.Context, chunk []types.Sample) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("INSERT INTO samples (site, point_name, ts, value) VALUES ")
	args := make([]any, 0, len(chunk)*4)
	for i, sample := range chunk {
		if i > 0 {
			sb.WriteByte(',')
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4)
		args = append(args, sample.Site, sample.Point, sample.Time(), sample.Value)
	}
	sb.WriteString(" ON CONFLICT (site, point_name, ts) DO UPDATE SET value = EXCLUDED.value")

	_, err := s.db.Exec(opCtx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("upserting %d rows: %w", len(chunk), err)
	}
	return nil
}
