package cold

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/types"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"go.uber.org/zap"
)

// validationSampleRows bounds how many rows of a batch are inspected before
// a columnar write. A bounded prefix catches systemic encoding errors
// without paying for a full scan.
const validationSampleRows = 100

// columnarRow is the parquet layout of one sample.
type columnarRow struct {
	SiteName    string  `parquet:"site_name,zstd"`
	PointName   string  `parquet:"point_name,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
}

// WriteColumnar encodes a (site, point, date) batch into a compressed
// parquet partition. The batch is validated on a sampled prefix and
// rejected whole on malformed rows.
func (s *Store) WriteColumnar(ctx context.Context, site, point string, date types.Date, samples []types.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	if err := validateColumnarBatch(samples); err != nil {
		return 0, err
	}
	start := time.Now()

	rows := make([]columnarRow, len(samples))
	for i, sample := range samples {
		rows[i] = columnarRow{
			SiteName:    site,
			PointName:   point,
			TimestampMs: sample.Timestamp,
			Value:       sample.Value,
		}
	}

	body, err := encodeParquet(rows, s.columnarCodec(), s.cfg.Columnar.RowGroupRows)
	if err != nil {
		return 0, fmt.Errorf("encoding columnar partition: %w", err)
	}

	key := s.columnarKey(site, point, date)
	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/vnd.apache.parquet"),
		Metadata: map[string]string{
			"tts-site":  site,
			"tts-point": point,
			"tts-date":  string(date),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("uploading columnar partition %s: %w", key, err)
	}

	metrics.ColdPartitionsWritten.WithLabelValues(site, "parquet").Inc()
	metrics.ColdWriteDuration.WithLabelValues(site, "parquet").Observe(time.Since(start).Seconds())
	s.logger.Debug("columnar partition written",
		zap.String("key", key),
		zap.Int("rows", len(rows)),
		zap.Int("compressed_bytes", len(body)),
	)

	return len(rows), nil
}

// ReadColumnar downloads and decodes one (site, point, date) parquet
// partition.
func (s *Store) ReadColumnar(ctx context.Context, site, point string, date types.Date) ([]types.Sample, error) {
	key := s.columnarKey(site, point, date)
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading columnar partition %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, int64(s.cfg.MaxPartitionSize))
	if err != nil {
		return nil, fmt.Errorf("reading columnar partition %s: %w", key, err)
	}

	rows, err := parquet.Read[columnarRow](bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("decoding columnar partition %s: %w", key, err)
	}

	samples := make([]types.Sample, len(rows))
	for i, row := range rows {
		samples[i] = types.Sample{
			Site:      row.SiteName,
			Point:     row.PointName,
			Timestamp: row.TimestampMs,
			Value:     row.Value,
		}
	}
	return samples, nil
}

func (s *Store) columnarCodec() compress.Codec {
	switch s.cfg.Columnar.Compression {
	case "snappy":
		return &parquet.Snappy
	case "gzip":
		return &parquet.Gzip
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// validateColumnarBatch inspects the first rows of a batch for missing
// required fields or non-numeric timestamp/value.
func validateColumnarBatch(samples []types.Sample) error {
	n := len(samples)
	if n > validationSampleRows {
		n = validationSampleRows
	}
	for i := 0; i < n; i++ {
		sample := samples[i]
		if sample.Point == "" {
			return fmt.Errorf("columnar batch row %d missing point name", i)
		}
		if sample.Timestamp <= 0 {
			return fmt.Errorf("columnar batch row %d has invalid timestamp %d", i, sample.Timestamp)
		}
		if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
			return fmt.Errorf("columnar batch row %d has non-numeric value", i)
		}
	}
	return nil
}

// encodeParquet serializes rows into parquet, flushing a row group every
// rowGroupRows rows.
func encodeParquet(rows []columnarRow, codec compress.Codec, rowGroupRows int) ([]byte, error) {
	if rowGroupRows <= 0 {
		rowGroupRows = 10000
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[columnarRow](&buf, parquet.Compression(codec))

	for start := 0; start < len(rows); start += rowGroupRows {
		end := start + rowGroupRows
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := writer.Write(rows[start:end]); err != nil {
			return nil, err
		}
		if err := writer.Flush(); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
