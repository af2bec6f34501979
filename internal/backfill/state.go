// Package backfill implements the resumable day-by-day historical import
// state machine. All transitions operate on a snapshot and return a new
// state; callers persist the returned state before acting on it, so a crash
// between transition and persistence re-reads the last durable state.
package backfill

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/buildingvitals/tieredstore/internal/types"
)

// Status of a backfill job. Error is not terminal: it marks that the most
// recent date attempt failed, the machine can still advance or retry.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// MaxErrorLog caps the persisted error ring buffer.
const MaxErrorLog = 50

// ErrAlreadyComplete is returned when advancing a completed backfill. It
// signals a caller bug, not a data problem.
var ErrAlreadyComplete = errors.New("backfill already complete")

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Time    time.Time  `json:"time"`
	Date    types.Date `json:"date"`
	Message string     `json:"message"`
}

// State is the persisted per-site backfill record, the single source of
// truth for resumability.
type State struct {
	Site              string       `json:"site_name"`
	Start             types.Date   `json:"backfill_start"`
	End               types.Date   `json:"backfill_end"`
	CurrentDate       types.Date   `json:"current_date"`
	Cursor            string       `json:"current_cursor,omitempty"`
	PagesFetchedToday int          `json:"pages_fetched_today"`
	SamplesToday      int64        `json:"samples_today"`
	CompletedDates    []types.Date `json:"completed_dates"`
	FailedDates       []types.Date `json:"failed_dates"`
	TotalSamples      int64        `json:"total_samples"`
	Status            Status       `json:"status"`
	StartedAt         time.Time    `json:"started_at"`
	LastUpdated       time.Time    `json:"last_updated"`
	ErrorLog          []ErrorEntry `json:"error_log,omitempty"`
}

// NewState creates the initial record for a site.
func NewState(site string, start, end types.Date, now time.Time) State {
	return State{
		Site:        site,
		Start:       start,
		End:         end,
		CurrentDate: start,
		Status:      StatusNotStarted,
		StartedAt:   now,
		LastUpdated: now,
	}
}

// Validate checks structural invariants. A stored record that fails
// validation is a fatal configuration error, not a retryable one.
func (s State) Validate() error {
	if s.Site == "" {
		return fmt.Errorf("backfill state missing site name")
	}
	for _, d := range []types.Date{s.Start, s.End, s.CurrentDate} {
		if !d.Valid() {
			return fmt.Errorf("backfill state for %s has malformed date %q", s.Site, d)
		}
	}
	if s.Start.After(s.End) {
		return fmt.Errorf("backfill state for %s has reversed range %s..%s", s.Site, s.Start, s.End)
	}
	if s.CurrentDate.Before(s.Start) || s.CurrentDate.After(s.End) {
		return fmt.Errorf("backfill state for %s has current_date %s outside %s..%s",
			s.Site, s.CurrentDate, s.Start, s.End)
	}
	if s.PagesFetchedToday < 0 || s.SamplesToday < 0 || s.TotalSamples < 0 {
		return fmt.Errorf("backfill state for %s has negative counters", s.Site)
	}
	switch s.Status {
	case StatusNotStarted, StatusInProgress, StatusComplete, StatusError:
	default:
		return fmt.Errorf("backfill state for %s has unknown status %q", s.Site, s.Status)
	}
	if s.Status == StatusComplete {
		if s.CurrentDate != s.End {
			return fmt.Errorf("backfill state for %s is complete but current_date %s != end %s",
				s.Site, s.CurrentDate, s.End)
		}
		if s.Cursor != "" {
			return fmt.Errorf("backfill state for %s is complete but carries a cursor", s.Site)
		}
	}
	if len(s.ErrorLog) > MaxErrorLog {
		return fmt.Errorf("backfill state for %s has oversized error log (%d)", s.Site, len(s.ErrorLog))
	}
	return nil
}

// AdvanceToNextDate marks the current date completed and moves to the next
// day, or completes the backfill at the end of the range. Rejected on an
// already-complete state.
func (s State) AdvanceToNextDate(now time.Time) (State, error) {
	if s.Status == StatusComplete {
		return s, fmt.Errorf("advancing %s past %s: %w", s.Site, s.End, ErrAlreadyComplete)
	}

	next := s.clone()
	next.CompletedDates = addDate(next.CompletedDates, next.CurrentDate)

	nextDate := next.CurrentDate.Next()
	if nextDate.After(next.End) {
		next.CurrentDate = next.End
		next.Cursor = ""
		next.Status = StatusComplete
	} else {
		next.CurrentDate = nextDate
		next.Cursor = ""
		next.PagesFetchedToday = 0
		next.SamplesToday = 0
		next.Status = StatusInProgress
	}
	next.LastUpdated = now
	return next, nil
}

// UpdatePageProgress records one page of a paginated fetch for the current
// date. An empty cursor signals the date's pagination is exhausted and the
// caller should advance next. Status is unchanged.
func (s State) UpdatePageProgress(cursor string, samplesFetched int64, now time.Time) State {
	next := s.clone()
	next.Cursor = cursor
	next.PagesFetchedToday++
	next.SamplesToday += samplesFetched
	next.TotalSamples += samplesFetched
	next.LastUpdated = now
	return next
}

// RecordError appends to the capped error log. With markDateFailed the
// current date joins failed_dates and status becomes error; the date is not
// advanced, the caller decides whether to retry or move past it.
func (s State) RecordError(message string, markDateFailed bool, now time.Time) State {
	next := s.clone()
	next.ErrorLog = append(next.ErrorLog, ErrorEntry{
		Time:    now,
		Date:    next.CurrentDate,
		Message: message,
	})
	if len(next.ErrorLog) > MaxErrorLog {
		next.ErrorLog = next.ErrorLog[len(next.ErrorLog)-MaxErrorLog:]
	}
	if markDateFailed {
		next.FailedDates = addDate(next.FailedDates, next.CurrentDate)
		next.Status = StatusError
	}
	next.LastUpdated = now
	return next
}

// Progress returns completion as a percentage rounded to two decimals.
// A zero-day range reports 100.
func (s State) Progress() float64 {
	total := types.DaysBetween(s.Start, s.End)
	if total == 0 {
		return 100
	}
	pct := float64(len(s.CompletedDates)) / float64(total) * 100
	return math.Round(pct*100) / 100
}

// ETA estimates the remaining wall time from the completion velocity since
// StartedAt. The second return is false when no estimate is possible yet.
func (s State) ETA(now time.Time) (time.Duration, bool) {
	completed := len(s.CompletedDates)
	elapsed := now.Sub(s.StartedAt)
	if completed == 0 || elapsed <= 0 {
		return 0, false
	}
	total := types.DaysBetween(s.Start, s.End)
	remaining := total - completed
	if remaining <= 0 {
		return 0, true
	}
	velocity := float64(completed) / elapsed.Hours() // days per hour
	hours := float64(remaining) / velocity
	return time.Duration(hours * float64(time.Hour)), true
}

func (s State) clone() State {
	next := s
	next.CompletedDates = append([]types.Date(nil), s.CompletedDates...)
	next.FailedDates = append([]types.Date(nil), s.FailedDates...)
	next.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	return next
}

// addDate inserts d into a sorted date set, no-op if already present.
func addDate(dates []types.Date, d types.Date) []types.Date {
	for i, existing := range dates {
		if existing == d {
			return dates
		}
		if existing.After(d) {
			out := append(dates[:i:i], d)
			return append(out, dates[i:]...)
		}
	}
	return append(dates, d)
}
