// Package reports serves read-only client telemetry reports out of the
// mart table.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meridianlabs/clientmart/pkg/warehouse"
)

// ErrNotFound means no mart row exists for the client on or before the
// requested date.
var ErrNotFound = errors.New("report not found")

// Report is one dm_client_telemetry row.
type Report struct {
	DS           time.Time `json:"ds"`
	ClientID     string    `json:"client_id"`
	Segment      *string   `json:"segment"`
	Country      *string   `json:"country"`
	Plan         *string   `json:"plan"`
	EventsCnt    int64     `json:"events_cnt"`
	ErrorsCnt    int64     `json:"errors_cnt"`
	AvgLatencyMS *float64  `json:"avg_latency_ms"`
	P95LatencyMS *float64  `json:"p95_latency_ms"`
	SessionsCnt  int64     `json:"sessions_cnt"`
	LastEventAt  time.Time `json:"last_event_at"`
	LoadedAt     time.Time `json:"loaded_at"`
}

type StoreConfig struct {
	Logger *slog.Logger
	DB     warehouse.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	db  warehouse.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		db:  cfg.DB,
	}, nil
}

// Latest returns the client's most recent mart row on or before the given
// date.
func (s *Store) Latest(ctx context.Context, clientID string, onOrBefore time.Time) (Report, error) {
	const query = `
		SELECT ds, client_id, segment, country, plan,
		       events_cnt, errors_cnt, avg_latency_ms, p95_latency_ms,
		       sessions_cnt, last_event_at, loaded_at
		FROM dm_client_telemetry
		WHERE client_id = $1 AND ds <= $2
		ORDER BY ds DESC
		LIMIT 1`

	var r Report
	err := s.db.QueryRow(ctx, query, clientID, onOrBefore).Scan(
		&r.DS, &r.ClientID, &r.Segment, &r.Country, &r.Plan,
		&r.EventsCnt, &r.ErrorsCnt, &r.AvgLatencyMS, &r.P95LatencyMS,
		&r.SessionsCnt, &r.LastEventAt, &r.LoadedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("failed to query report: %w", err)
	}
	return r, nil
}
