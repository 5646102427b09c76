// Package ods reconciles staged snapshots into the durable operational
// tables: an upsert into the client dimension and a replace of the
// telemetry fact partition scoped to the run's load date and processing
// window. Both merges read whatever is staged for the run's load date, so
// they depend on staging having run in the same invocation.
package ods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

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

// MergeClients upserts the staged registry snapshot for the load date into
// ods_crm_clients. DISTINCT ON keeps the most recently updated staged row
// per client id, which makes the merge order-independent and safe against
// a client appearing twice in one snapshot. Existing rows keep their
// created_at; classification fields and updated_at take the staged values.
// Merging the same snapshot twice yields the same dimension state.
func (s *Store) MergeClients(ctx context.Context, loadDate time.Time) (int64, error) {
	const query = `
		INSERT INTO ods_crm_clients (client_id, segment, country, plan, created_at, updated_at)
		SELECT DISTINCT ON (client_id)
			client_id, segment, country, plan, created_at, updated_at
		FROM stg_crm_clients
		WHERE load_date = $1
		ORDER BY client_id, updated_at DESC
		ON CONFLICT (client_id) DO UPDATE SET
			segment = EXCLUDED.segment,
			country = EXCLUDED.country,
			plan = EXCLUDED.plan,
			updated_at = EXCLUDED.updated_at`

	tag, err := s.db.Exec(ctx, query, loadDate)
	if err != nil {
		return 0, fmt.Errorf("failed to merge staged clients into ods: %w", err)
	}

	s.log.Info("ods: merged staged clients", "loadDate", loadDate.Format(time.DateOnly), "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// MergeEvents loads the staged telemetry snapshot for the load date into
// ods_telemetry, stamping each row with its derived event date. Facts from
// this load date and facts inside the run's processing window are cleared
// first: the load-date scope makes a retried merge after a partial failure
// exact replacement, and the window scope makes a replay of an already
// loaded day replace the facts an earlier run merged under its own load
// date instead of accumulating alongside them.
func (s *Store) MergeEvents(ctx context.Context, loadDate, windowStart, windowEnd time.Time) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin ods merge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const clear = `
		DELETE FROM ods_telemetry
		WHERE load_date = $1
		   OR (event_date >= $2 AND event_date < $3)`
	if _, err := tx.Exec(ctx, clear, loadDate, windowStart, windowEnd); err != nil {
		return 0, fmt.Errorf("failed to clear ods_telemetry for load date: %w", err)
	}

	const query = `
		INSERT INTO ods_telemetry (client_id, event_type, duration_ms, status, session_id, event_ts, event_date, load_date)
		SELECT
			client_id, event_type, duration_ms, status, session_id, event_ts,
			(event_ts AT TIME ZONE 'UTC')::date, load_date
		FROM stg_telemetry
		WHERE load_date = $1`

	tag, err := tx.Exec(ctx, query, loadDate)
	if err != nil {
		return 0, fmt.Errorf("failed to load staged telemetry into ods: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit ods merge transaction: %w", err)
	}

	s.log.Info("ods: loaded staged telemetry", "loadDate", loadDate.Format(time.DateOnly), "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}
