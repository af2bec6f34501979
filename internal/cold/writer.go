package cold

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/types"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// gzipMagic is the two-byte container signature checked before any
// decompression attempt.
var gzipMagic = []byte{0x1f, 0x8b}

// WriteDaily writes samples into the (site, date) NDJSON partition with
// append semantics: an existing partition is read back, merged with the new
// samples by dedup key (new value wins), re-sorted, and rewritten whole.
// The rewrite is bounded by one day's worth of data. Returns the total row
// count of the partition after the merge.
func (s *Store) WriteDaily(ctx context.Context, site string, date types.Date, samples []types.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	start := time.Now()

	key := s.dailyKey(site, date)

	existing, dropped, err := s.readDaily(ctx, key)
	if err != nil && !isNotFound(err) {
		return 0, fmt.Errorf("reading existing partition %s: %w", key, err)
	}
	if dropped > 0 {
		s.logger.Warn("dropped unparseable records from existing partition",
			zap.String("key", key),
			zap.Int("dropped", dropped),
		)
	}

	merged := mergeByKey(existing, samples)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Point != merged[j].Point {
			return merged[i].Point < merged[j].Point
		}
		return merged[i].Timestamp < merged[j].Timestamp
	})

	body, err := encodeNDJSON(merged)
	if err != nil {
		return 0, fmt.Errorf("encoding partition %s: %w", key, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/gzip"),
		Metadata: map[string]string{
			"tts-site":      site,
			"tts-date":      string(date),
			"tts-row-count": strconv.Itoa(len(merged)),
		},
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if _, err := s.s3.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("uploading partition %s: %w", key, err)
	}

	metrics.ColdPartitionsWritten.WithLabelValues(site, "ndjson").Inc()
	metrics.ColdWriteDuration.WithLabelValues(site, "ndjson").Observe(time.Since(start).Seconds())
	s.logger.Debug("daily partition written",
		zap.String("key", key),
		zap.Int("rows", len(merged)),
		zap.Int("new_rows", len(samples)),
		zap.Int("compressed_bytes", len(body)),
	)

	return len(merged), nil
}

// readDaily downloads and decodes one NDJSON partition in full.
func (s *Store) readDaily(ctx context.Context, key string) ([]types.Sample, int, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	compressed, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.cfg.MaxPartitionSize)))
	if err != nil {
		return nil, 0, fmt.Errorf("reading partition body: %w", err)
	}

	return decodeNDJSON(compressed, int64(s.cfg.MaxPartitionSize))
}

// mergeByKey overlays newer samples onto existing ones, last write wins on
// the (site, point, timestamp) dedup key.
func mergeByKey(existing, newer []types.Sample) []types.Sample {
	seen := make(map[string]int, len(existing)+len(newer))
	out := make([]types.Sample, 0, len(existing)+len(newer))
	for _, lists := range [][]types.Sample{existing, newer} {
		for _, sample := range lists {
			k := sample.Key()
			if i, ok := seen[k]; ok {
				out[i] = sample
				continue
			}
			seen[k] = len(out)
			out = append(out, sample)
		}
	}
	return out
}

// encodeNDJSON serializes samples one JSON object per line and compresses
// the result with a streaming gzip writer.
func encodeNDJSON(samples []types.Sample) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, sample := range samples {
		if err := enc.Encode(sample); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeNDJSON verifies the gzip magic, decompresses, and parses records
// line by line, returning the count of lines it had to drop. An unparseable
// record loses only itself: the remaining lines still decode. Container-level
// problems (bad magic, truncated gzip stream) fail the whole partition.
func decodeNDJSON(compressed []byte, maxDecompressed int64) ([]types.Sample, int, error) {
	if len(compressed) < len(gzipMagic) || !bytes.Equal(compressed[:len(gzipMagic)], gzipMagic) {
		return nil, 0, ErrBadMagic
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, 0, fmt.Errorf("opening gzip reader: %w", err)
	}
	defer zr.Close()

	var reader io.Reader = zr
	if maxDecompressed > 0 {
		reader = io.LimitReader(zr, maxDecompressed)
	}

	var samples []types.Sample
	var dropped int
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var sample types.Sample
		if err := json.Unmarshal(line, &sample); err != nil {
			dropped++
			continue
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return samples, dropped, fmt.Errorf("reading partition records: %w", err)
	}
	return samples, dropped, nil
}
