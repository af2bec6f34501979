// Package serve exposes the HTTP API: sample ingestion, tiered queries, and
// backfill control.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buildingvitals/tieredstore/internal/backfill"
	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/ingest"
	"github.com/buildingvitals/tieredstore/internal/query"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

const maxIngestBody = 32 << 20

// Ingestor accepts sample batches for a site.
type Ingestor interface {
	Write(ctx context.Context, site string, samples []types.Sample) (ingest.WriteResult, error)
}

// Querier serves tiered reads.
type Querier interface {
	Query(ctx context.Context, site string, points []string, start, end int64) (query.Result, error)
}

// BackfillControl exposes the backfill state operations.
type BackfillControl interface {
	GetOrCreate(ctx context.Context, site string) (backfill.State, error)
	Advance(ctx context.Context, site string) (backfill.State, error)
	RecordPage(ctx context.Context, site, cursor string, samplesFetched int64) (backfill.State, error)
	RecordError(ctx context.Context, site, message string, markDateFailed bool) (backfill.State, error)
	Reset(ctx context.Context, site string) (backfill.State, error)
}

// BackfillRunner drives one bounded import invocation.
type BackfillRunner interface {
	RunOnce(ctx context.Context, site string) (backfill.Report, error)
}

// SiteLister enumerates the sites available at the upstream source.
type SiteLister interface {
	ListSites(ctx context.Context) ([]string, error)
}

type handler struct {
	ingest   Ingestor
	query    Querier
	backfill BackfillControl
	runner   BackfillRunner
	sites    SiteLister
	logger   *zap.Logger
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, ing Ingestor, q Querier, bf BackfillControl, runner BackfillRunner, sites SiteLister, logger *zap.Logger) error {
	h := &handler{
		ingest:   ing,
		query:    q,
		backfill: bf,
		runner:   runner,
		sites:    sites,
		logger:   logger,
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h.routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/sources/sites", h.handleSourceSites)
	mux.HandleFunc("POST /v1/sites/{site}/samples", h.handleIngest)
	mux.HandleFunc("GET /v1/sites/{site}/query", h.handleQuery)
	mux.HandleFunc("GET /v1/backfill/{site}", h.handleBackfillGet)
	mux.HandleFunc("POST /v1/backfill/{site}/advance", h.handleBackfillAdvance)
	mux.HandleFunc("POST /v1/backfill/{site}/page", h.handleBackfillPage)
	mux.HandleFunc("POST /v1/backfill/{site}/error", h.handleBackfillError)
	mux.HandleFunc("POST /v1/backfill/{site}/reset", h.handleBackfillReset)
	mux.HandleFunc("POST /v1/backfill/{site}/run", h.handleBackfillRun)
	return mux
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) handleSourceSites(w http.ResponseWriter, r *http.Request) {
	if h.sites == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no source configured"})
		return
	}
	names, err := h.sites.ListSites(r.Context())
	if err != nil {
		h.logger.Error("site listing failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sites": names,
		"count": len(names),
	})
}

// ingestRequest is the POST samples body.
type ingestRequest struct {
	Samples []types.Sample `json:"samples"`
}

func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")

	var req ingestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if len(req.Samples) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no samples"})
		return
	}

	result, err := h.ingest.Write(r.Context(), site, req.Samples)
	if err != nil {
		h.logger.Error("ingest failed", zap.String("site", site), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Partial failure still returns the full accounting.
	status := http.StatusOK
	if result.HotFailed > 0 || result.ColdFailed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")
	q := r.URL.Query()

	var points []string
	for _, raw := range q["points"] {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				points = append(points, p)
			}
		}
	}
	if len(points) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "points is required"})
		return
	}

	start, err := parseMillis(q.Get("start"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid start: " + err.Error()})
		return
	}
	end, err := parseMillis(q.Get("end"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid end: " + err.Error()})
		return
	}
	if end < start {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end before start"})
		return
	}

	result, err := h.query.Query(r.Context(), site, points, start, end)
	if err != nil {
		h.logger.Error("query failed", zap.String("site", site), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseMillis accepts unix milliseconds or an RFC3339 timestamp.
func parseMillis(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func (h *handler) handleBackfillGet(w http.ResponseWriter, r *http.Request) {
	state, err := h.backfill.GetOrCreate(r.Context(), r.PathValue("site"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeBackfillState(w, state)
}

func (h *handler) handleBackfillAdvance(w http.ResponseWriter, r *http.Request) {
	state, err := h.backfill.Advance(r.Context(), r.PathValue("site"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backfill.ErrAlreadyComplete) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeBackfillState(w, state)
}

type pageRequest struct {
	Cursor         string `json:"cursor"`
	SamplesFetched int64  `json:"samples_fetched"`
}

func (h *handler) handleBackfillPage(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	state, err := h.backfill.RecordPage(r.Context(), r.PathValue("site"), req.Cursor, req.SamplesFetched)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeBackfillState(w, state)
}

type errorRequest struct {
	Message        string `json:"message"`
	MarkDateFailed bool   `json:"mark_date_failed"`
}

func (h *handler) handleBackfillError(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	state, err := h.backfill.RecordError(r.Context(), r.PathValue("site"), req.Message, req.MarkDateFailed)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeBackfillState(w, state)
}

func (h *handler) handleBackfillReset(w http.ResponseWriter, r *http.Request) {
	state, err := h.backfill.Reset(r.Context(), r.PathValue("site"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeBackfillState(w, state)
}

func (h *handler) handleBackfillRun(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no source configured"})
		return
	}
	report, err := h.runner.RunOnce(r.Context(), r.PathValue("site"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeBackfillState decorates the persisted record with its derived
// progress fields.
func writeBackfillState(w http.ResponseWriter, state backfill.State) {
	resp := map[string]interface{}{
		"state":        state,
		"progress_pct": state.Progress(),
	}
	if remaining, ok := state.ETA(time.Now()); ok {
		resp["eta_seconds"] = int64(remaining.Seconds())
		resp["eta"] = time.Now().Add(remaining).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
