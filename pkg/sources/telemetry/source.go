// Package telemetry reads raw telemetry events from the upstream events
// store. The store is owned by another system and is read-only from here.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianlabs/clientmart/pkg/warehouse"
)

// Status is the enumerated outcome of a telemetry event. Anything the
// source reports outside the known values is folded into StatusOther.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusOther   Status = "other"
)

// ParseStatus normalizes a raw status string.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusSuccess:
		return StatusSuccess
	case StatusError:
		return StatusError
	default:
		return StatusOther
	}
}

// Event is one telemetry event. Events are immutable once extracted.
type Event struct {
	ClientID   string
	EventType  string
	DurationMS *float64
	Status     Status
	SessionID  string
	EventTS    time.Time
}

type SourceConfig struct {
	Logger *slog.Logger
	DB     warehouse.DB
}

func (cfg *SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Source struct {
	log *slog.Logger
	db  warehouse.DB
}

func NewSource(cfg SourceConfig) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{
		log: cfg.Logger,
		db:  cfg.DB,
	}, nil
}

// FetchEventsForDate returns all events whose event date equals the given
// day. One day of events is assumed to fit in memory.
func (s *Source) FetchEventsForDate(ctx context.Context, day time.Time) ([]Event, error) {
	const query = `
		SELECT client_id, event_type, duration_ms, status, session_id, event_ts
		FROM telemetry_events
		WHERE event_date = $1`

	rows, err := s.db.Query(ctx, query, day.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var status string
		if err := rows.Scan(&e.ClientID, &e.EventType, &e.DurationMS, &status, &e.SessionID, &e.EventTS); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry event: %w", err)
		}
		e.Status = ParseStatus(status)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating telemetry events: %w", err)
	}

	s.log.Debug("telemetry: fetched events", "count", len(events), "eventDate", day.Format(time.DateOnly))
	return events, nil
}
