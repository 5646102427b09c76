package mart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meridianlabs/clientmart/pkg/sources/telemetry"
	"github.com/meridianlabs/clientmart/pkg/warehouse"
)

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

// FactsForDate reads the ODS telemetry partition for the processing date.
func (s *Store) FactsForDate(ctx context.Context, ds time.Time) ([]Fact, error) {
	const query = `
		SELECT client_id, duration_ms, status, session_id, event_ts
		FROM ods_telemetry
		WHERE event_date = $1`

	rows, err := s.db.Query(ctx, query, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to query ods telemetry facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var status string
		if err := rows.Scan(&f.ClientID, &f.DurationMS, &status, &f.SessionID, &f.EventTS); err != nil {
			return nil, fmt.Errorf("failed to scan ods telemetry fact: %w", err)
		}
		f.Status = telemetry.ParseStatus(status)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ods telemetry facts: %w", err)
	}
	return facts, nil
}

// Dimension reads the full ODS client dimension.
func (s *Store) Dimension(ctx context.Context) ([]DimensionRow, error) {
	const query = `SELECT client_id, segment, country, plan FROM ods_crm_clients`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ods client dimension: %w", err)
	}
	defer rows.Close()

	var dims []DimensionRow
	for rows.Next() {
		var d DimensionRow
		if err := rows.Scan(&d.ClientID, &d.Segment, &d.Country, &d.Plan); err != nil {
			return nil, fmt.Errorf("failed to scan ods client: %w", err)
		}
		dims = append(dims, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ods clients: %w", err)
	}
	return dims, nil
}

// Replace swaps the dm_client_telemetry partition for ds with the given
// rows in one transaction. An empty slice still clears the partition:
// a day with no activity has no mart rows.
func (s *Store) Replace(ctx context.Context, ds time.Time, rows []Row) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin mart transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM dm_client_telemetry WHERE ds = $1`, ds); err != nil {
		return fmt.Errorf("failed to clear mart partition: %w", err)
	}

	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"dm_client_telemetry"},
			[]string{"ds", "client_id", "segment", "country", "plan", "events_cnt", "errors_cnt", "avg_latency_ms", "p95_latency_ms", "sessions_cnt", "last_event_at", "loaded_at"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				r := rows[i]
				return []any{r.DS, r.ClientID, r.Segment, r.Country, r.Plan, r.EventsCnt, r.ErrorsCnt, r.AvgLatencyMS, r.P95LatencyMS, r.SessionsCnt, r.LastEventAt, r.LoadedAt}, nil
			}))
		if err != nil {
			return fmt.Errorf("failed to copy mart rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit mart transaction: %w", err)
	}

	s.log.Info("mart: replaced partition", "ds", ds.Format(time.DateOnly), "rows", len(rows))
	return nil
}
