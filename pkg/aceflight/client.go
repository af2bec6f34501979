// Package aceflight is a client for the ACE FlightDeck paginated timeseries
// API, the upstream source for historical backfills.
package aceflight

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

const (
	minPageSize   = 10000
	maxPageSize   = 50000
	fetchAttempts = 4
)

// Client fetches raw samples from the FlightDeck paginated endpoint. The
// upstream occasionally fails mid-transfer on large pages, so the client
// retries with a shrinking page size rather than giving up.
type Client struct {
	baseURL  string
	apiKey   string
	pageSize int
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(cfg config.SourceConfig, logger *zap.Logger) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = maxPageSize
	}
	if pageSize < minPageSize {
		pageSize = minPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		pageSize: pageSize,
		http: &http.Client{
			Timeout: cfg.RequestTimeout.Duration(),
		},
		logger: logger,
	}
}

// pageResponse is the paginated endpoint's envelope.
type pageResponse struct {
	PointSamples []pointSample `json:"point_samples"`
	NextCursor   string        `json:"next_cursor"`
}

// pointSample tolerates the field aliases the upstream has used over time.
type pointSample struct {
	Name      string          `json:"name"`
	Point     string          `json:"point"`
	PointName string          `json:"point_name"`
	Time      json.RawMessage `json:"time"`
	Timestamp json.RawMessage `json:"timestamp"`
	TS        json.RawMessage `json:"ts"`
	Value     json.RawMessage `json:"value"`
}

// FetchPage retrieves one page of raw samples for [start, end) and returns
// the cursor for the next page; an empty cursor means the window is
// exhausted. Rows with missing names, unparseable times, or non-finite
// values are dropped.
func (c *Client) FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) ([]types.Sample, string, error) {
	endpoint := fmt.Sprintf("%s/sites/%s/timeseries/paginated", c.baseURL, url.PathEscape(site))

	pageSize := c.pageSize
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			// Downsize the page before retrying; oversized responses are the
			// usual cause of mid-transfer failures.
			if pageSize > minPageSize {
				pageSize = max(minPageSize, pageSize*6/10)
			}
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		resp, err := c.fetchOnce(ctx, endpoint, site, start, end, cursor, pageSize)
		if err != nil {
			lastErr = err
			c.logger.Warn("source page fetch failed",
				zap.String("site", site),
				zap.Int("attempt", attempt+1),
				zap.Int("page_size", pageSize),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			continue
		}

		samples := make([]types.Sample, 0, len(resp.PointSamples))
		for _, row := range resp.PointSamples {
			sample, ok := row.toSample(site)
			if !ok {
				continue
			}
			samples = append(samples, sample)
		}
		return samples, resp.NextCursor, nil
	}
	return nil, "", fmt.Errorf("fetching page for site %s: %w", site, lastErr)
}

// sitesResponse is the site-listing envelope.
type sitesResponse struct {
	Sites []struct {
		Name string `json:"name"`
	} `json:"sites"`
}

// ListSites returns the names of the sites the upstream exposes. Entries
// without a name are skipped.
func (c *Client) ListSites(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sites", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing sites: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("source returned %d: %s", resp.StatusCode, body)
	}

	var payload sitesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding site list: %w", err)
	}

	names := make([]string, 0, len(payload.Sites))
	for _, site := range payload.Sites {
		if site.Name != "" {
			names = append(names, site.Name)
		}
	}
	c.logger.Debug("listed source sites", zap.Int("count", len(names)))
	return names, nil
}

func (c *Client) fetchOnce(ctx context.Context, endpoint, site string, start, end time.Time, cursor string, pageSize int) (*pageResponse, error) {
	q := url.Values{}
	q.Set("start_time", start.UTC().Format(time.RFC3339))
	q.Set("end_time", end.UTC().Format(time.RFC3339))
	q.Set("raw_data", "true")
	q.Set("page_size", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("source returned %d: %s", resp.StatusCode, body)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}
	return &page, nil
}

func (p pointSample) toSample(site string) (types.Sample, bool) {
	name := p.Name
	if name == "" {
		name = p.Point
	}
	if name == "" {
		name = p.PointName
	}
	if name == "" {
		return types.Sample{}, false
	}

	ts, ok := parseTimestamp(p.Time)
	if !ok {
		if ts, ok = parseTimestamp(p.Timestamp); !ok {
			if ts, ok = parseTimestamp(p.TS); !ok {
				return types.Sample{}, false
			}
		}
	}

	value, ok := parseValue(p.Value)
	if !ok {
		return types.Sample{}, false
	}

	return types.Sample{Site: site, Point: name, Timestamp: ts, Value: value}, true
}

// parseTimestamp accepts unix milliseconds or an RFC3339 string.
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms, ms > 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// parseValue accepts numbers and numeric strings; NaN and infinities are
// rejected whether they arrive as JSON tokens or strings.
func parseValue(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
