// Package runctx carries the immutable per-run context that every pipeline
// task receives: the processing date, the load date, the extraction window
// and a run identity. Tasks never read wall-clock time themselves; the
// resolver is the single place where "now" is turned into dates, so a
// delayed or replayed run still processes the originally intended day.
package runctx

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is the resolved watermark state for one pipeline run.
type Context struct {
	// RunID identifies this run instance in logs and metrics.
	RunID string

	// ProcessingDate is the business day being computed, at UTC midnight.
	ProcessingDate time.Time

	// LoadDate is the day the load itself happens, at UTC midnight. Staging
	// partitions are keyed by LoadDate, not ProcessingDate.
	LoadDate time.Time

	// WindowStart and WindowEnd bound incremental extraction:
	// [ProcessingDate 00:00, ProcessingDate+1d 00:00).
	WindowStart time.Time
	WindowEnd   time.Time

	// StartedAt is the invocation instant the run was resolved from.
	StartedAt time.Time
}

// Resolve computes the run context for a scheduled invocation: the
// processing date is the day before the invocation instant.
func Resolve(invokedAt time.Time) Context {
	return ForDate(Midnight(invokedAt).AddDate(0, 0, -1), invokedAt)
}

// ForDate computes the run context for an explicit processing date. Used by
// manual replays where the intended date is not derived from the clock.
func ForDate(processingDate, invokedAt time.Time) Context {
	pd := Midnight(processingDate)
	return Context{
		RunID:          fmt.Sprintf("%s_%s", pd.Format("20060102"), uuid.NewString()),
		ProcessingDate: pd,
		LoadDate:       Midnight(invokedAt),
		WindowStart:    pd,
		WindowEnd:      pd.AddDate(0, 0, 1),
		StartedAt:      invokedAt,
	}
}

// Midnight truncates t to UTC midnight of its calendar day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
