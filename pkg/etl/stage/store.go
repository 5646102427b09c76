// Package stage owns the staging layer: a transient per-source landing area
// for freshly extracted records, partitioned by load date. Re-staging a
// load date replaces the prior snapshot wholesale, which is what makes the
// step safe to retry from scratch.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meridianlabs/clientmart/pkg/sources/crm"
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

// ReplaceClients replaces the stg_crm_clients partition for the load date
// with the given records. An empty batch leaves staging untouched.
func (s *Store) ReplaceClients(ctx context.Context, loadDate time.Time, records []crm.ClientRecord) (int64, error) {
	if len(records) == 0 {
		s.log.Info("stage: no crm records to stage", "loadDate", loadDate.Format(time.DateOnly))
		return 0, nil
	}
	return s.replace(ctx, loadDate, "stg_crm_clients",
		[]string{"client_id", "segment", "country", "plan", "created_at", "updated_at", "load_date"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.ID, r.Segment, r.Country, r.Plan, r.CreatedAt, r.UpdatedAt, loadDate}, nil
		}))
}

// ReplaceEvents replaces the stg_telemetry partition for the load date with
// the given events.
func (s *Store) ReplaceEvents(ctx context.Context, loadDate time.Time, events []telemetry.Event) (int64, error) {
	if len(events) == 0 {
		s.log.Info("stage: no telemetry events to stage", "loadDate", loadDate.Format(time.DateOnly))
		return 0, nil
	}
	return s.replace(ctx, loadDate, "stg_telemetry",
		[]string{"client_id", "event_type", "duration_ms", "status", "session_id", "event_ts", "load_date"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.ClientID, e.EventType, e.DurationMS, string(e.Status), e.SessionID, e.EventTS, loadDate}, nil
		}))
}

// replace runs delete-then-insert for one staging table inside a single
// transaction, so a failed load leaves no partial snapshot behind.
func (s *Store) replace(ctx context.Context, loadDate time.Time, table string, columns []string, rows pgx.CopyFromSource) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE load_date = $1", table), loadDate); err != nil {
		return 0, fmt.Errorf("failed to clear %s for load date: %w", table, err)
	}

	inserted, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, rows)
	if err != nil {
		return 0, fmt.Errorf("failed to copy rows into %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit staging transaction: %w", err)
	}

	s.log.Info("stage: replaced staging partition", "table", table, "loadDate", loadDate.Format(time.DateOnly), "rows", inserted)
	return inserted, nil
}
