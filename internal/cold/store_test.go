package cold

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/types"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu      sync.RWMutex
	objects map[string][]byte
	putErr  error
	getErr  error
	headErr error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(params.Body)
	m.mu.Lock()
	m.objects[*params.Key] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: ptr(int64(len(data))),
	}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, *params.Key)
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: ptr(int64(len(data)))}, nil
}

func newTestStore(t *testing.T) (*Store, *mockS3) {
	t.Helper()
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", config.ColdTierConfig{
		Prefix:           "archive",
		FetchConcurrency: 4,
		FetchTimeout:     config.Duration(time.Second),
		MaxPartitionSize: config.ByteSize(16 << 20),
		Columnar: config.ColumnarConfig{
			RowGroupRows: 100,
			Compression:  "zstd",
		},
	}, zap.NewNop())
	return store, mock
}

const testDate = types.Date("2024-03-15")

func daySamples(point string, n int) []types.Sample {
	base := testDate.Time().UnixMilli()
	samples := make([]types.Sample, n)
	for i := range samples {
		samples[i] = types.Sample{
			Site:      "test-site",
			Point:     point,
			Timestamp: base + int64(i)*60_000,
			Value:     float64(i),
		}
	}
	return samples
}

func queryDay(t *testing.T, store *Store, points ...string) ([]types.Series, QueryStats) {
	t.Helper()
	start := testDate.Time().UnixMilli()
	end := testDate.Next().Time().UnixMilli() - 1
	series, stats, err := store.Query(context.Background(), "test-site", points, start, end)
	if err != nil {
		t.Fatal(err)
	}
	return series, stats
}

func TestWriteDailyRoundTrip(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	n, err := store.WriteDaily(ctx, "test-site", testDate, daySamples("p1", 100))
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Fatalf("partition rows = %d, want 100", n)
	}

	key := "archive/test-site/daily/2024-03-15.ndjson.gz"
	mock.mu.RLock()
	data, ok := mock.objects[key]
	mock.mu.RUnlock()
	if !ok {
		t.Fatalf("partition not written at %s; have %v", key, keysOf(mock))
	}
	if !bytes.HasPrefix(data, gzipMagic) {
		t.Fatal("partition body is not gzip")
	}

	series, stats := queryDay(t, store, "p1")
	if stats.PartitionsFetched != 1 || stats.PartitionsSkipped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(series) != 1 || len(series[0].Data) != 100 {
		t.Fatalf("read back %d series", len(series))
	}
	for i := 1; i < len(series[0].Data); i++ {
		if series[0].Data[i].Timestamp <= series[0].Data[i-1].Timestamp {
			t.Fatal("series not sorted by timestamp")
		}
	}
}

func keysOf(m *mockS3) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func TestWriteDailyAppendMergesAndDedups(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := daySamples("p1", 10)
	if _, err := store.WriteDaily(ctx, "test-site", testDate, first); err != nil {
		t.Fatal(err)
	}

	// Overlap: rows 5-9 rewritten with new values, rows 10-14 appended.
	second := daySamples("p1", 15)[5:]
	for i := range second {
		second[i].Value += 1000
	}
	n, err := store.WriteDaily(ctx, "test-site", testDate, second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 15 {
		t.Fatalf("merged partition rows = %d, want 15", n)
	}

	series, _ := queryDay(t, store, "p1")
	data := series[0].Data
	if len(data) != 15 {
		t.Fatalf("read %d rows, want 15", len(data))
	}
	// Old value survives where there was no overlap, new value wins on it.
	if data[0].Value != 0 {
		t.Errorf("data[0].v = %v, want original 0", data[0].Value)
	}
	if data[5].Value != 1005 {
		t.Errorf("data[5].v = %v, want rewritten 1005", data[5].Value)
	}
}

func TestWriteDailyIdempotentReplay(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	batch := daySamples("p1", 20)
	for i := 0; i < 3; i++ {
		n, err := store.WriteDaily(ctx, "test-site", testDate, batch)
		if err != nil {
			t.Fatal(err)
		}
		if n != 20 {
			t.Fatalf("replay %d: rows = %d, want 20", i, n)
		}
	}
}

func TestQuerySkipsMissingPartitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.WriteDaily(ctx, "test-site", testDate, daySamples("p1", 5)); err != nil {
		t.Fatal(err)
	}

	// Three-day range with only the middle day present.
	start := testDate.Time().AddDate(0, 0, -1).UnixMilli()
	end := testDate.Next().Time().UnixMilli() - 1
	series, stats, err := store.Query(ctx, "test-site", []string{"p1"}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PartitionsFetched != 1 || stats.PartitionsSkipped != 2 {
		t.Fatalf("stats = %+v, want 1 fetched / 2 skipped", stats)
	}
	if len(series) != 1 || len(series[0].Data) != 5 {
		t.Fatalf("series = %+v", series)
	}
}

func TestQuerySkipsCorruptPartition(t *testing.T) {
	store, mock := newTestStore(t)

	// An object that is not a gzip container must be skipped before any
	// decompression attempt, not crash the query.
	mock.mu.Lock()
	mock.objects["archive/test-site/daily/2024-03-15.ndjson.gz"] = []byte("PK\x03\x04 not gzip")
	mock.mu.Unlock()

	series, stats := queryDay(t, store, "p1")
	if stats.PartitionsSkipped != 1 || stats.PartitionsFetched != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(series) != 0 {
		t.Fatalf("corrupt partition produced data: %+v", series)
	}
}

func TestQuerySkipsTransportFailure(t *testing.T) {
	store, mock := newTestStore(t)
	mock.getErr = errors.New("connection reset")

	series, stats := queryDay(t, store, "p1")
	if stats.PartitionsSkipped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(series) != 0 {
		t.Fatal("unexpected data")
	}
}

func TestQueryFiltersPointsAndRange(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	samples := append(daySamples("wanted", 10), daySamples("other", 10)...)
	if _, err := store.WriteDaily(ctx, "test-site", testDate, samples); err != nil {
		t.Fatal(err)
	}

	// Only the first five minutes of the wanted point.
	start := testDate.Time().UnixMilli()
	end := start + 4*60_000
	series, _, err := store.Query(ctx, "test-site", []string{"wanted"}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 1 || series[0].Point != "wanted" {
		t.Fatalf("series = %+v", series)
	}
	if len(series[0].Data) != 5 {
		t.Fatalf("rows = %d, want 5", len(series[0].Data))
	}
}

func TestDecodeNDJSONRejectsBadMagic(t *testing.T) {
	if _, _, err := decodeNDJSON([]byte{0x00, 0x8b, 1, 2, 3}, 0); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
	if _, _, err := decodeNDJSON([]byte{0x1f}, 0); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("truncated header: got %v, want ErrBadMagic", err)
	}
}

// gzipLines builds a compressed NDJSON body from raw lines, valid or not.
func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, line := range lines {
		if _, err := io.WriteString(zw, line+"\n"); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestQueryDropsBadRecordKeepsRest(t *testing.T) {
	store, mock := newTestStore(t)
	base := testDate.Time().UnixMilli()

	// One malformed line between two good records: only the bad line is lost.
	body := gzipLines(t,
		fmt.Sprintf(`{"site":"test-site","point":"p1","ts":%d,"v":1}`, base),
		`{"site":"test-site","point":"p1","ts":`,
		fmt.Sprintf(`{"site":"test-site","point":"p1","ts":%d,"v":2}`, base+60_000),
	)
	mock.mu.Lock()
	mock.objects["archive/test-site/daily/2024-03-15.ndjson.gz"] = body
	mock.mu.Unlock()

	series, stats := queryDay(t, store, "p1")
	if stats.PartitionsFetched != 1 || stats.PartitionsSkipped != 0 {
		t.Fatalf("stats = %+v, want the partition fetched", stats)
	}
	if stats.RecordsDropped != 1 {
		t.Fatalf("records dropped = %d, want 1", stats.RecordsDropped)
	}
	if len(series) != 1 || len(series[0].Data) != 2 {
		t.Fatalf("series = %+v, want 2 surviving rows", series)
	}
	if series[0].Data[0].Value != 1 || series[0].Data[1].Value != 2 {
		t.Fatalf("surviving rows = %+v", series[0].Data)
	}
}

func TestWriteDailyAppendSurvivesBadRecord(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()
	base := testDate.Time().UnixMilli()

	body := gzipLines(t,
		fmt.Sprintf(`{"site":"test-site","point":"p1","ts":%d,"v":7}`, base),
		`garbage line`,
	)
	mock.mu.Lock()
	mock.objects["archive/test-site/daily/2024-03-15.ndjson.gz"] = body
	mock.mu.Unlock()

	newer := []types.Sample{{Site: "test-site", Point: "p1", Timestamp: base + 60_000, Value: 8}}
	n, err := store.WriteDaily(ctx, "test-site", testDate, newer)
	if err != nil {
		t.Fatalf("append over partition with one bad record failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("merged rows = %d, want surviving record plus new one", n)
	}

	series, stats := queryDay(t, store, "p1")
	if stats.RecordsDropped != 0 {
		t.Fatalf("rewrite kept the bad record: stats = %+v", stats)
	}
	if len(series) != 1 || len(series[0].Data) != 2 {
		t.Fatalf("series = %+v", series)
	}
	if series[0].Data[0].Value != 7 {
		t.Errorf("pre-existing record lost: %+v", series[0].Data)
	}
}

func TestColumnarRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	samples := daySamples("vav-12/zone temp", 250)
	n, err := store.WriteColumnar(ctx, "test-site", "vav-12/zone temp", testDate, samples)
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 {
		t.Fatalf("wrote %d rows", n)
	}

	got, err := store.ReadColumnar(ctx, "test-site", "vav-12/zone temp", testDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 250 {
		t.Fatalf("read %d rows, want 250", len(got))
	}
	for i, sample := range got {
		if sample.Timestamp != samples[i].Timestamp || sample.Value != samples[i].Value {
			t.Fatalf("row %d = %+v, want %+v", i, sample, samples[i])
		}
	}
}

func TestWriteColumnarRejectsMalformedBatch(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	bad := daySamples("p1", 10)
	bad[3].Value = math.NaN()

	if _, err := store.WriteColumnar(ctx, "test-site", "p1", testDate, bad); err == nil {
		t.Fatal("expected validation error")
	}
	if len(keysOf(mock)) != 0 {
		t.Fatal("rejected batch must not be uploaded")
	}
}

func TestDailyKeyIsDeterministic(t *testing.T) {
	store, _ := newTestStore(t)
	k1 := store.dailyKey("site-a", testDate)
	k2 := store.dailyKey("site-a", testDate)
	if k1 != k2 {
		t.Fatalf("keys differ: %s vs %s", k1, k2)
	}
	if k1 != "archive/site-a/daily/2024-03-15.ndjson.gz" {
		t.Fatalf("key = %s", k1)
	}
}

func TestColumnarKeyEscapesPoint(t *testing.T) {
	store, _ := newTestStore(t)
	key := store.columnarKey("site-a", "ahu 1/sat", testDate)
	want := fmt.Sprintf("archive/site-a/columnar/%s/2024-03-15.parquet", "ahu%201%2Fsat")
	if key != want {
		t.Fatalf("key = %s, want %s", key, want)
	}
}

func TestPingToleratesNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("NotFound must pass ping: %v", err)
	}
	mock.headErr = errors.New("dial tcp: timeout")
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("transport failure must fail ping")
	}
}
