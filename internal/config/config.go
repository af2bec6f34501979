package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Hot           HotTierConfig       `yaml:"hot"`
	Cold          ColdTierConfig      `yaml:"cold"`
	Router        RouterConfig        `yaml:"router"`
	Backfill      BackfillConfig      `yaml:"backfill"`
	Source        SourceConfig        `yaml:"source"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// HotTierConfig configures the low-latency PostgreSQL tier.
type HotTierConfig struct {
	DSN          string   `yaml:"dsn"`
	MaxChunkRows int      `yaml:"max_chunk_rows"`
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
	OpTimeout    Duration `yaml:"op_timeout"`
}

// ColdTierConfig configures the S3-compatible archive tier.
type ColdTierConfig struct {
	Endpoint         string         `yaml:"endpoint"`
	Region           string         `yaml:"region"`
	Bucket           string         `yaml:"bucket"`
	Prefix           string         `yaml:"prefix"`
	AccessKeyID      string         `yaml:"access_key_id"`
	SecretAccessKey  string         `yaml:"secret_access_key"`
	ForcePathStyle   bool           `yaml:"force_path_style"`
	StorageClass     string         `yaml:"storage_class"`
	FetchConcurrency int            `yaml:"fetch_concurrency"`
	FetchTimeout     Duration       `yaml:"fetch_timeout"`
	MaxPartitionSize ByteSize       `yaml:"max_partition_size"`
	Columnar         ColumnarConfig `yaml:"columnar"`
}

// ColumnarConfig tunes the parquet encoding used for analytical partitions.
type ColumnarConfig struct {
	RowGroupRows int    `yaml:"row_group_rows"`
	Compression  string `yaml:"compression"`
}

// RouterConfig holds the hot/cold boundary and the latency heuristics.
// HotWindowDays is the single source of truth for the tier boundary.
type RouterConfig struct {
	HotWindowDays        int     `yaml:"hot_window_days"`
	HotBaseMs            float64 `yaml:"hot_base_ms"`
	HotPerThousandRowsMs float64 `yaml:"hot_per_thousand_rows_ms"`
	HotSLAMs             float64 `yaml:"hot_sla_ms"`
	ColdBaseMs           float64 `yaml:"cold_base_ms"`
	ColdPerPartitionMs   float64 `yaml:"cold_per_partition_ms"`
	ColdSLAMs            float64 `yaml:"cold_sla_ms"`
}

// BackfillConfig bounds the work done by a single backfill invocation and
// sets the default import window for newly created records.
type BackfillConfig struct {
	MaxPagesPerRun   int `yaml:"max_pages_per_run"`
	DefaultRangeDays int `yaml:"default_range_days"`
}

// SourceConfig configures the upstream paginated telemetry API.
type SourceConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	PageSize       int      `yaml:"page_size"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Hot.DSN == "" {
		return fmt.Errorf("hot.dsn is required")
	}
	if c.Hot.MaxChunkRows <= 0 || c.Hot.MaxChunkRows > 1000 {
		return fmt.Errorf("hot.max_chunk_rows must be in (0, 1000], got %d", c.Hot.MaxChunkRows)
	}
	if c.Hot.MaxRetries < 0 {
		return fmt.Errorf("hot.max_retries must be >= 0")
	}

	if c.Cold.Bucket == "" {
		return fmt.Errorf("cold.bucket is required")
	}
	if c.Cold.FetchConcurrency <= 0 {
		return fmt.Errorf("cold.fetch_concurrency must be > 0")
	}
	if c.Cold.Columnar.RowGroupRows <= 0 {
		return fmt.Errorf("cold.columnar.row_group_rows must be > 0")
	}

	if c.Router.HotWindowDays <= 0 {
		return fmt.Errorf("router.hot_window_days must be > 0")
	}

	if c.Backfill.MaxPagesPerRun <= 0 {
		return fmt.Errorf("backfill.max_pages_per_run must be > 0")
	}
	if c.Backfill.DefaultRangeDays <= 0 {
		return fmt.Errorf("backfill.default_range_days must be > 0")
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5s", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
