package types

import (
	"math"
	"testing"
	"time"
)

func TestSampleValidate(t *testing.T) {
	valid := Sample{Site: "ses_falls_city", Point: "ahu1/sat", Timestamp: 1700000000000, Value: 72.4}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid sample rejected: %v", err)
	}

	cases := []struct {
		name   string
		sample Sample
	}{
		{"missing point", Sample{Site: "s", Timestamp: 1, Value: 1}},
		{"zero timestamp", Sample{Site: "s", Point: "p", Timestamp: 0, Value: 1}},
		{"negative timestamp", Sample{Site: "s", Point: "p", Timestamp: -5, Value: 1}},
		{"NaN value", Sample{Site: "s", Point: "p", Timestamp: 1, Value: math.NaN()}},
		{"positive infinity", Sample{Site: "s", Point: "p", Timestamp: 1, Value: math.Inf(1)}},
		{"negative infinity", Sample{Site: "s", Point: "p", Timestamp: 1, Value: math.Inf(-1)}},
	}
	for _, tc := range cases {
		if err := tc.sample.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestSampleKeyDistinguishesFields(t *testing.T) {
	a := Sample{Site: "s1", Point: "p", Timestamp: 100}
	b := Sample{Site: "s1", Point: "p", Timestamp: 100, Value: 9}
	if a.Key() != b.Key() {
		t.Fatal("key must ignore value")
	}
	c := Sample{Site: "s2", Point: "p", Timestamp: 100}
	if a.Key() == c.Key() {
		t.Fatal("key must include site")
	}
}

func TestDateOfTruncatesToUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	// 2024-03-01 20:30 UTC-8 is 2024-03-02 04:30 UTC.
	d := DateOf(time.Date(2024, 3, 1, 20, 30, 0, 0, loc))
	if d != Date("2024-03-02") {
		t.Fatalf("got %s, want 2024-03-02", d)
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	if err != nil {
		t.Fatal(err)
	}
	if d != Date("2024-02-29") {
		t.Fatalf("got %s", d)
	}

	for _, bad := range []string{"", "2024-13-01", "2024-02-30", "20240229", "2024-2-9"} {
		if _, err := ParseDate(bad); err == nil {
			t.Errorf("ParseDate(%q): expected error", bad)
		}
	}
}

func TestDateNextCrossesMonthAndYear(t *testing.T) {
	if got := Date("2024-01-31").Next(); got != Date("2024-02-01") {
		t.Errorf("month boundary: got %s", got)
	}
	if got := Date("2023-12-31").Next(); got != Date("2024-01-01") {
		t.Errorf("year boundary: got %s", got)
	}
	if got := Date("2024-02-28").Next(); got != Date("2024-02-29") {
		t.Errorf("leap day: got %s", got)
	}
}

func TestDaysBetween(t *testing.T) {
	cases := []struct {
		from, to Date
		want     int
	}{
		{"2024-01-01", "2024-01-01", 1},
		{"2024-01-01", "2024-01-05", 5},
		{"2024-02-27", "2024-03-02", 5}, // leap february
		{"2024-01-05", "2024-01-01", 0}, // reversed
	}
	for _, tc := range cases {
		if got := DaysBetween(tc.from, tc.to); got != tc.want {
			t.Errorf("DaysBetween(%s, %s) = %d, want %d", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestDatesInRange(t *testing.T) {
	got := DatesInRange("2024-01-30", "2024-02-02")
	want := []Date{"2024-01-30", "2024-01-31", "2024-02-01", "2024-02-02"}
	if len(got) != len(want) {
		t.Fatalf("got %d dates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dates[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if got := DatesInRange("2024-01-02", "2024-01-01"); got != nil {
		t.Fatalf("reversed range should be empty, got %v", got)
	}
}
