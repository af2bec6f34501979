// Package cold implements the archive tier on S3-compatible object storage.
// Sealed historical days are stored one partition per (site, date) as
// gzip-compressed line-delimited JSON, with an optional parquet columnar
// encoding partitioned by (site, point, date) for analytical use.
package cold

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the archive uses. Tests substitute
// an in-memory implementation.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Store reads and writes archive partitions.
type Store struct {
	s3     S3API
	bucket string
	cfg    config.ColdTierConfig
	logger *zap.Logger
}

// NewStore creates an archive store over an S3API implementation.
func NewStore(s3api S3API, bucket string, cfg config.ColdTierConfig, logger *zap.Logger) *Store {
	return &Store{
		s3:     s3api,
		bucket: bucket,
		cfg:    cfg,
		logger: logger,
	}
}

// dailyKey is the deterministic object key for a (site, date) NDJSON
// partition. Repeated writes for the same partition always resolve to the
// same object, so they are discoverable and mergeable, never duplicated.
func (s *Store) dailyKey(site string, date types.Date) string {
	if s.cfg.Prefix != "" {
		return fmt.Sprintf("%s/%s/daily/%s.ndjson.gz", s.cfg.Prefix, site, date)
	}
	return fmt.Sprintf("%s/daily/%s.ndjson.gz", site, date)
}

// columnarKey is the deterministic object key for a (site, point, date)
// parquet partition. Point names may contain arbitrary characters, so the
// point segment is path-escaped.
func (s *Store) columnarKey(site, point string, date types.Date) string {
	escaped := url.PathEscape(point)
	if s.cfg.Prefix != "" {
		return fmt.Sprintf("%s/%s/columnar/%s/%s.parquet", s.cfg.Prefix, site, escaped, date)
	}
	return fmt.Sprintf("%s/columnar/%s/%s.parquet", site, escaped, date)
}

// Ping checks bucket reachability with a metadata-only request.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    ptr(".tieredstore-ping"),
	})
	// A NotFound response still proves the bucket answered.
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
