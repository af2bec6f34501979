package types

import (
	"fmt"
	"math"
	"time"
)

// Tier identifies which storage tier holds or served data.
type Tier int

const (
	TierHot Tier = iota
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Sample is a single telemetry reading. The triple (Site, Point, Timestamp)
// is the dedup key: at most one value is retained for it anywhere in the
// system, last write wins.
type Sample struct {
	Site      string  `json:"site"`
	Point     string  `json:"point"`
	Timestamp int64   `json:"ts"` // unix milliseconds
	Value     float64 `json:"v"`
}

// Key returns the dedup key for the sample.
func (s Sample) Key() string {
	return fmt.Sprintf("%s\x00%s\x00%d", s.Site, s.Point, s.Timestamp)
}

// Time returns the sample timestamp as a UTC time.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// Validate reports whether the sample is structurally usable. Samples that
// fail validation are rejected at the ingestion boundary, never coerced.
func (s Sample) Validate() error {
	if s.Point == "" {
		return fmt.Errorf("sample missing point name")
	}
	if s.Timestamp <= 0 {
		return fmt.Errorf("sample for point %q has non-positive timestamp %d", s.Point, s.Timestamp)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("sample for point %q has non-finite value", s.Point)
	}
	return nil
}

// DataPoint is one (timestamp, value) pair within a series.
type DataPoint struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"v"`
}

// Series is the ordered data for a single point, sorted ascending by
// timestamp.
type Series struct {
	Point string      `json:"point"`
	Data  []DataPoint `json:"data"`
}

// Date is a UTC calendar day in ISO form (2006-01-02). The format sorts
// lexicographically, so string comparison doubles as date comparison.
type Date string

const dateLayout = "2006-01-02"

// DateOf truncates a time to its UTC calendar day.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

// ParseDate validates and normalizes an ISO date string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	t, _ := time.Parse(dateLayout, string(d))
	return t
}

// Valid reports whether the date is well-formed.
func (d Date) Valid() bool {
	_, err := time.Parse(dateLayout, string(d))
	return err == nil
}

// Next returns the following calendar day.
func (d Date) Next() Date {
	return DateOf(d.Time().AddDate(0, 0, 1))
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool { return string(d) < string(other) }

// After reports whether d is later than other.
func (d Date) After(other Date) bool { return string(d) > string(other) }

// DaysBetween returns the number of days in the inclusive range [from, to].
// A reversed range counts zero days.
func DaysBetween(from, to Date) int {
	if from.After(to) {
		return 0
	}
	return int(to.Time().Sub(from.Time())/(24*time.Hour)) + 1
}

// DatesInRange enumerates every calendar day in [from, to] inclusive.
func DatesInRange(from, to Date) []Date {
	if from.After(to) {
		return nil
	}
	out := make([]Date, 0, DaysBetween(from, to))
	for d := from; !d.After(to); d = d.Next() {
		out = append(out, d)
	}
	return out
}
