package stage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meridianlabs/clientmart/pkg/sources/crm"
	"github.com/meridianlabs/clientmart/pkg/sources/telemetry"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
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

type execCall struct {
	sql  string
	args []any
}

type copyCall struct {
	table   string
	columns []string
	rows    [][]any
}

type fakeTx struct {
	execs  []execCall
	copies []copyCall

	execErr error
	copyErr error

	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("DELETE 0"), nil
}

func (f *fakeTx) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	call := copyCall{table: table.Sanitize(), columns: columns}
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		call.rows = append(call.rows, vals)
	}
	f.copies = append(f.copies, call)
	return int64(len(call.rows)), nil
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
func (f *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return nil
}
func (f *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (f *fakeTx) Conn() *pgx.Conn                                               { return nil }

func strptr(s string) *string { return &s }

var loadDate = time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)

func TestStage_StoreConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := StoreConfig{}
	require.Error(t, cfg.Validate())

	cfg.Logger = testLogger()
	require.Error(t, cfg.Validate())

	cfg.DB = &fakeDB{}
	require.NoError(t, cfg.Validate())
}

func TestStage_ReplaceClients(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
	require.NoError(t, err)

	records := []crm.ClientRecord{
		{ID: "c-1", Segment: strptr("smb"), CreatedAt: loadDate.AddDate(-1, 0, 0), UpdatedAt: loadDate},
		{ID: "c-2", CreatedAt: loadDate.AddDate(0, -1, 0), UpdatedAt: loadDate},
	}

	n, err := store.ReplaceClients(context.Background(), loadDate, records)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// Delete-by-load-date runs before the bulk insert, inside the
	// transaction that is then committed.
	require.Len(t, tx.execs, 1)
	require.Contains(t, tx.execs[0].sql, "DELETE FROM stg_crm_clients WHERE load_date = $1")
	require.Equal(t, []any{loadDate}, tx.execs[0].args)

	require.Len(t, tx.copies, 1)
	require.Equal(t, `"stg_crm_clients"`, tx.copies[0].table)
	require.Equal(t, []string{"client_id", "segment", "country", "plan", "created_at", "updated_at", "load_date"}, tx.copies[0].columns)
	require.Len(t, tx.copies[0].rows, 2)
	require.Equal(t, "c-1", tx.copies[0].rows[0][0])
	require.Equal(t, loadDate, tx.copies[0].rows[0][6])

	require.True(t, tx.committed)
	require.False(t, tx.rolledBack)
}

func TestStage_ReplaceClients_Idempotent(t *testing.T) {
	t.Parallel()

	records := []crm.ClientRecord{{ID: "c-1", CreatedAt: loadDate, UpdatedAt: loadDate}}

	// Two identical runs issue identical replace steps, so the final
	// staging contents are the same as after one run.
	var snapshots [][][]any
	for range 2 {
		tx := &fakeTx{}
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
		require.NoError(t, err)

		_, err = store.ReplaceClients(context.Background(), loadDate, records)
		require.NoError(t, err)
		require.Len(t, tx.execs, 1)
		snapshots = append(snapshots, tx.copies[0].rows)
	}
	require.Equal(t, snapshots[0], snapshots[1])
}

func TestStage_ReplaceClients_EmptyBatchIsNoOp(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
	require.NoError(t, err)

	n, err := store.ReplaceClients(context.Background(), loadDate, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	// The warehouse is not touched at all.
	require.Empty(t, tx.execs)
	require.Empty(t, tx.copies)
	require.False(t, tx.committed)
}

func TestStage_ReplaceEvents(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
	require.NoError(t, err)

	dur := 42.0
	events := []telemetry.Event{
		{ClientID: "c-1", EventType: "api_call", DurationMS: &dur, Status: telemetry.StatusSuccess, SessionID: "s-1", EventTS: loadDate.Add(-10 * time.Hour)},
		{ClientID: "c-1", EventType: "api_call", Status: telemetry.StatusError, SessionID: "s-2", EventTS: loadDate.Add(-9 * time.Hour)},
	}

	n, err := store.ReplaceEvents(context.Background(), loadDate, events)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.Len(t, tx.execs, 1)
	require.Contains(t, tx.execs[0].sql, "DELETE FROM stg_telemetry WHERE load_date = $1")

	require.Len(t, tx.copies, 1)
	require.Equal(t, `"stg_telemetry"`, tx.copies[0].table)
	require.Equal(t, "success", tx.copies[0].rows[0][3])
	require.Nil(t, tx.copies[0].rows[1][2])
	require.True(t, tx.committed)
}

func TestStage_ReplaceFailureRollsBack(t *testing.T) {
	t.Parallel()

	t.Run("begin fails", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{beginErr: errors.New("pool exhausted")}})
		require.NoError(t, err)

		_, err = store.ReplaceClients(context.Background(), loadDate, []crm.ClientRecord{{ID: "c-1"}})
		require.ErrorContains(t, err, "pool exhausted")
	})

	t.Run("delete fails", func(t *testing.T) {
		t.Parallel()
		tx := &fakeTx{execErr: errors.New("table locked")}
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
		require.NoError(t, err)

		_, err = store.ReplaceClients(context.Background(), loadDate, []crm.ClientRecord{{ID: "c-1"}})
		require.ErrorContains(t, err, "table locked")
		require.True(t, tx.rolledBack)
	})

	t.Run("copy fails", func(t *testing.T) {
		t.Parallel()
		tx := &fakeTx{copyErr: errors.New("constraint violation")}
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &fakeDB{tx: tx}})
		require.NoError(t, err)

		_, err = store.ReplaceEvents(context.Background(), loadDate, []telemetry.Event{{ClientID: "c-1"}})
		require.ErrorContains(t, err, "constraint violation")
		require.True(t, tx.rolledBack)
		require.False(t, tx.committed)
	})
}
