package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	SamplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_samples_ingested_total",
		Help: "Samples accepted for storage, by tier",
	}, []string{"site", "tier"})

	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_samples_rejected_total",
		Help: "Samples dropped at the ingestion boundary",
	}, []string{"site", "reason"})

	// Hot tier metrics
	HotChunksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_hot_chunks_written_total",
		Help: "Hot-tier chunks successfully inserted",
	}, []string{"site"})

	HotChunkRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_hot_chunk_retries_total",
		Help: "Hot-tier chunk insert retries",
	}, []string{"site"})

	HotChunksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_hot_chunks_failed_total",
		Help: "Hot-tier chunks that exhausted all retries",
	}, []string{"site"})

	HotInsertDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tts_hot_insert_duration_seconds",
		Help:    "Hot-tier chunk insert latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"site"})

	// Cold tier metrics
	ColdPartitionsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_cold_partitions_written_total",
		Help: "Cold-tier partitions uploaded, by encoding",
	}, []string{"site", "encoding"})

	ColdWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tts_cold_write_duration_seconds",
		Help:    "Cold-tier partition write latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"site", "encoding"})

	ColdPartitionFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_cold_partition_fetches_total",
		Help: "Cold-tier partition fetch outcomes",
	}, []string{"site", "status"})

	ColdRecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_cold_records_dropped_total",
		Help: "Unparseable records dropped while decoding cold partitions",
	}, []string{"site"})

	ColdFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tts_cold_fetch_duration_seconds",
		Help:    "Cold-tier partition fetch latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"site"})

	// Query path metrics
	RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_route_decisions_total",
		Help: "Routing decisions by strategy",
	}, []string{"strategy"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tts_query_duration_seconds",
		Help:    "End-to-end query latency by strategy",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"strategy"})

	// Backfill metrics
	BackfillPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_backfill_pages_total",
		Help: "Backfill pages fetched from the upstream source",
	}, []string{"site"})

	BackfillSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_backfill_samples_total",
		Help: "Backfill samples archived",
	}, []string{"site"})

	BackfillErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_backfill_errors_total",
		Help: "Backfill errors recorded",
	}, []string{"site"})

	BackfillDatesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_backfill_dates_completed_total",
		Help: "Backfill dates advanced past",
	}, []string{"site"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
