package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Hot: HotTierConfig{
			MaxChunkRows: 1000, // hard ceiling imposed by the store
			MaxRetries:   3,
			RetryBackoff: Duration(500 * time.Millisecond),
			OpTimeout:    Duration(5 * time.Second),
		},
		Cold: ColdTierConfig{
			Region:           "us-east-1",
			FetchConcurrency: 10,
			FetchTimeout:     Duration(5 * time.Second),
			MaxPartitionSize: ByteSize(256 * 1024 * 1024),
			Columnar: ColumnarConfig{
				RowGroupRows: 10000,
				Compression:  "zstd",
			},
		},
		Router: RouterConfig{
			HotWindowDays:        20,
			HotBaseMs:            50,
			HotPerThousandRowsMs: 10,
			HotSLAMs:             2000,
			ColdBaseMs:           500,
			ColdPerPartitionMs:   200,
			ColdSLAMs:            30000,
		},
		Backfill: BackfillConfig{
			MaxPagesPerRun:   100,
			DefaultRangeDays: 90,
		},
		Source: SourceConfig{
			BaseURL:        "https://flightdeck.aceiot.cloud/api",
			PageSize:       5000,
			RequestTimeout: Duration(30 * time.Second),
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/tieredstore/meta.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
