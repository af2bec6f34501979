package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/buildingvitals/tieredstore/internal/backfill"
	"github.com/buildingvitals/tieredstore/internal/ingest"
	"github.com/buildingvitals/tieredstore/internal/query"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

type fakeIngestor struct {
	site    string
	samples []types.Sample
	result  ingest.WriteResult
	err     error
}

func (f *fakeIngestor) Write(_ context.Context, site string, samples []types.Sample) (ingest.WriteResult, error) {
	f.site = site
	f.samples = samples
	return f.result, f.err
}

type fakeQuerier struct {
	site   string
	points []string
	start  int64
	end    int64
	result query.Result
	err    error
}

func (f *fakeQuerier) Query(_ context.Context, site string, points []string, start, end int64) (query.Result, error) {
	f.site = site
	f.points = points
	f.start, f.end = start, end
	return f.result, f.err
}

type fakeBackfill struct {
	state      backfill.State
	advanceErr error
	lastCursor string
	lastMsg    string
	resets     int
}

func (f *fakeBackfill) GetOrCreate(_ context.Context, site string) (backfill.State, error) {
	return f.state, nil
}
func (f *fakeBackfill) Advance(_ context.Context, site string) (backfill.State, error) {
	return f.state, f.advanceErr
}
func (f *fakeBackfill) RecordPage(_ context.Context, _, cursor string, _ int64) (backfill.State, error) {
	f.lastCursor = cursor
	return f.state, nil
}
func (f *fakeBackfill) RecordError(_ context.Context, _, message string, _ bool) (backfill.State, error) {
	f.lastMsg = message
	return f.state, nil
}
func (f *fakeBackfill) Reset(_ context.Context, site string) (backfill.State, error) {
	f.resets++
	return f.state, nil
}

type fakeRunner struct {
	report backfill.Report
}

func (f *fakeRunner) RunOnce(_ context.Context, site string) (backfill.Report, error) {
	f.report.Site = site
	return f.report, nil
}

type fakeSiteLister struct {
	sites []string
	err   error
}

func (f *fakeSiteLister) ListSites(_ context.Context) ([]string, error) {
	return f.sites, f.err
}

func newTestHandler(ing *fakeIngestor, q *fakeQuerier, bf *fakeBackfill, runner BackfillRunner) http.Handler {
	h := &handler{ingest: ing, query: q, backfill: bf, runner: runner, logger: zap.NewNop()}
	return h.routes()
}

func testBackfillState() backfill.State {
	return backfill.NewState("site-a", "2024-01-01", "2024-01-10",
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
}

func TestHandleIngest(t *testing.T) {
	ing := &fakeIngestor{result: ingest.WriteResult{Accepted: 2, HotInserted: 2}}
	mux := newTestHandler(ing, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	body := `{"samples":[{"point":"p1","ts":1700000000000,"v":1.5},{"point":"p2","ts":1700000001000,"v":2.5}]}`
	req := httptest.NewRequest("POST", "/v1/sites/site-a/samples", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ing.site != "site-a" || len(ing.samples) != 2 {
		t.Fatalf("ingestor got site=%q samples=%d", ing.site, len(ing.samples))
	}

	var res ingest.WriteResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.HotInserted != 2 {
		t.Errorf("response = %+v", res)
	}
}

func TestHandleIngestPartialFailureIsMultiStatus(t *testing.T) {
	ing := &fakeIngestor{result: ingest.WriteResult{Accepted: 2, HotInserted: 1, HotFailed: 1}}
	mux := newTestHandler(ing, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("POST", "/v1/sites/site-a/samples",
		strings.NewReader(`{"samples":[{"point":"p1","ts":1,"v":1}]}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}
}

func TestHandleIngestRejectsEmptyBody(t *testing.T) {
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	for _, body := range []string{``, `{}`, `{"samples":[]}`, `not json`} {
		req := httptest.NewRequest("POST", "/v1/sites/site-a/samples", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestHandleQuery(t *testing.T) {
	q := &fakeQuerier{result: query.Result{
		Metadata: query.Metadata{Strategy: "split", TotalRows: 42},
	}}
	mux := newTestHandler(&fakeIngestor{}, q, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("GET", "/v1/sites/site-a/query?points=p1,p2&points=p3&start=1000&end=2000", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(q.points) != 3 {
		t.Errorf("points = %v", q.points)
	}
	if q.start != 1000 || q.end != 2000 {
		t.Errorf("range = [%d, %d]", q.start, q.end)
	}
}

func TestHandleQueryAcceptsRFC3339(t *testing.T) {
	q := &fakeQuerier{}
	mux := newTestHandler(&fakeIngestor{}, q, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("GET",
		"/v1/sites/s/query?points=p1&start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if q.start != want {
		t.Errorf("start = %d, want %d", q.start, want)
	}
}

func TestHandleQueryValidation(t *testing.T) {
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	cases := []string{
		"/v1/sites/s/query?start=1&end=2",             // no points
		"/v1/sites/s/query?points=p1&start=x&end=2",   // bad start
		"/v1/sites/s/query?points=p1&start=2&end=1",   // reversed
		"/v1/sites/s/query?points=p1&start=1&end=bad", // bad end
	}
	for _, path := range cases {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestHandleBackfillGetIncludesProgress(t *testing.T) {
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("GET", "/v1/backfill/site-a", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := payload["progress_pct"]; !ok {
		t.Error("response missing progress_pct")
	}
	if _, ok := payload["state"]; !ok {
		t.Error("response missing state")
	}
}

func TestHandleBackfillAdvanceConflictWhenComplete(t *testing.T) {
	bf := &fakeBackfill{state: testBackfillState(), advanceErr: backfill.ErrAlreadyComplete}
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, bf, nil)

	req := httptest.NewRequest("POST", "/v1/backfill/site-a/advance", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleBackfillPage(t *testing.T) {
	bf := &fakeBackfill{state: testBackfillState()}
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, bf, nil)

	req := httptest.NewRequest("POST", "/v1/backfill/site-a/page",
		strings.NewReader(`{"cursor":"abc","samples_fetched":500}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if bf.lastCursor != "abc" {
		t.Errorf("cursor = %q", bf.lastCursor)
	}
}

func TestHandleBackfillErrorRequiresMessage(t *testing.T) {
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("POST", "/v1/backfill/site-a/error", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleBackfillRunWithoutSource(t *testing.T) {
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("POST", "/v1/backfill/site-a/run", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandleBackfillRun(t *testing.T) {
	runner := &fakeRunner{report: backfill.Report{PagesFetched: 3, Complete: true}}
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, runner)

	req := httptest.NewRequest("POST", "/v1/backfill/site-a/run", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report backfill.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Site != "site-a" || report.PagesFetched != 3 {
		t.Errorf("report = %+v", report)
	}
}

func TestHandleSourceSites(t *testing.T) {
	h := &handler{
		ingest:   &fakeIngestor{},
		query:    &fakeQuerier{},
		backfill: &fakeBackfill{state: testBackfillState()},
		sites:    &fakeSiteLister{sites: []string{"site-a", "site-b"}},
		logger:   zap.NewNop(),
	}
	mux := h.routes()

	req := httptest.NewRequest("GET", "/v1/sources/sites", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Sites []string `json:"sites"`
		Count int      `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Count != 2 || len(payload.Sites) != 2 || payload.Sites[0] != "site-a" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestHandleSourceSitesWithoutSource(t *testing.T) {
	mux := newTestHandler(&fakeIngestor{}, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("GET", "/v1/sources/sites", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandleSourceSitesUpstreamFailure(t *testing.T) {
	h := &handler{
		ingest:   &fakeIngestor{},
		query:    &fakeQuerier{},
		backfill: &fakeBackfill{state: testBackfillState()},
		sites:    &fakeSiteLister{err: errors.New("source returned 503")},
		logger:   zap.NewNop(),
	}
	mux := h.routes()

	req := httptest.NewRequest("GET", "/v1/sources/sites", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestHandleIngestErrorIs500(t *testing.T) {
	ing := &fakeIngestor{err: errors.New("context canceled")}
	mux := newTestHandler(ing, &fakeQuerier{}, &fakeBackfill{state: testBackfillState()}, nil)

	req := httptest.NewRequest("POST", "/v1/sites/site-a/samples",
		strings.NewReader(`{"samples":[{"point":"p1","ts":1,"v":1}]}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
