package ods

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execErr error

	tx       *fakeTx
	beginErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 3"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

type fakeTx struct {
	execs    []execCall
	execErrs map[int]error

	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err, ok := f.execErrs[len(f.execs)]; ok {
		return pgconn.CommandTag{}, err
	}
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 5"), nil
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func (f *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("nested tx") }
func (f *fakeTx) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (f *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (f *fakeTx) Conn() *pgx.Conn                                               { return nil }

var (
	loadDate    = time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	windowStart = time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
)

func TestODS_StoreConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := StoreConfig{}
	require.Error(t, cfg.Validate())

	cfg.Logger = testLogger()
	require.Error(t, cfg.Validate())

	cfg.DB = &fakeDB{}
	require.NoError(t, cfg.Validate())
}

func TestODS_MergeClients(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: db})
	require.NoError(t, err)

	n, err := store.MergeClients(context.Background(), loadDate)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	require.Len(t, db.execs, 1)
	sql := db.execs[0].sql
	require.Equal(t, []any{loadDate}, db.execs[0].args)

	// The merge is scoped to the staged load date and keeps the newest
	// staged row per client.
	require.Contains(t, sql, "WHERE load_date = $1")
	require.Contains(t, sql, "DISTINCT ON (client_id)")
	require.Contains(t, sql, "ORDER BY client_id, updated_at DESC")

	// On conflict only the classification fields and updated_at are
	// overwritten; created_at keeps its original value.
	require.Contains(t, sql, "ON CONFLICT (client_id) DO UPDATE SET")
	require.Contains(t, sql, "segment = EXCLUDED.segment")
	require.Contains(t, sql, "updated_at = EXCLUDED.updated_at")
	require.NotContains(t, sql, "created_at = EXCLUDED.created_at")
}

func TestODS_MergeClients_Error(t *testing.T) {
	t.Parallel()

	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{execErr: errors.New("connection lost")}})
	require.NoError(t, err)

	_, err = store.MergeClients(context.Background(), loadDate)
	require.ErrorContains(t, err, "connection lost")
}

func TestODS_MergeEvents(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
	require.NoError(t, err)

	n, err := store.MergeEvents(context.Background(), loadDate, windowStart, windowEnd)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	// The clear precedes the insert and both run in one transaction.
	require.Len(t, tx.execs, 2)
	require.Contains(t, tx.execs[0].sql, "DELETE FROM ods_telemetry")
	require.Contains(t, tx.execs[1].sql, "INSERT INTO ods_telemetry")
	require.Contains(t, tx.execs[1].sql, "(event_ts AT TIME ZONE 'UTC')::date")
	require.Contains(t, tx.execs[1].sql, "WHERE load_date = $1")
	require.True(t, tx.committed)
}

func TestODS_MergeEvents_ClearsLoadDateAndWindow(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
	require.NoError(t, err)

	// A replay of an already loaded day merges under a fresh load date, so
	// clearing only the load-date slice would leave the facts the original
	// run inserted and double every event in the mart. The clear must also
	// cover the processing window.
	replayLoadDate := time.Date(2024, 12, 10, 0, 0, 0, 0, time.UTC)
	_, err = store.MergeEvents(context.Background(), replayLoadDate, windowStart, windowEnd)
	require.NoError(t, err)

	clear := tx.execs[0]
	require.Contains(t, clear.sql, "load_date = $1")
	require.Contains(t, clear.sql, "event_date >= $2 AND event_date < $3")
	require.Equal(t, []any{replayLoadDate, windowStart, windowEnd}, clear.args)
}

func TestODS_MergeEvents_Errors(t *testing.T) {
	t.Parallel()

	t.Run("begin fails", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{beginErr: errors.New("pool exhausted")}})
		require.NoError(t, err)

		_, err = store.MergeEvents(context.Background(), loadDate, windowStart, windowEnd)
		require.ErrorContains(t, err, "pool exhausted")
	})

	t.Run("insert fails after delete", func(t *testing.T) {
		t.Parallel()
		tx := &fakeTx{execErrs: map[int]error{1: errors.New("disk full")}}
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
		require.NoError(t, err)

		_, err = store.MergeEvents(context.Background(), loadDate, windowStart, windowEnd)
		require.ErrorContains(t, err, "disk full")
		require.True(t, tx.rolledBack)
		require.False(t, tx.committed)
	})
}
