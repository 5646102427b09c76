package warehouse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDB struct {
	execs   []string
	execErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func TestWarehouse_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg.Logger = testLogger()
	require.Error(t, cfg.Validate())

	cfg.DSN = "postgres://localhost/clientmart"
	require.NoError(t, cfg.Validate())
	require.Equal(t, int32(10), cfg.MaxConns)
	require.Equal(t, int32(2), cfg.MinConns)
}

func TestWarehouse_RunMigrations(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	require.NoError(t, RunMigrations(context.Background(), testLogger(), db))
	require.NotEmpty(t, db.execs)

	// All five tables exist after a clean run, staging files first.
	joined := strings.Join(db.execs, "\n")
	for _, table := range []string{"stg_crm_clients", "stg_telemetry", "ods_crm_clients", "ods_telemetry", "dm_client_telemetry"} {
		require.Contains(t, joined, table)
	}
	require.Less(t,
		strings.Index(joined, "stg_crm_clients"),
		strings.Index(joined, "dm_client_telemetry"))

	// Statements are idempotent so a second run is safe.
	for _, stmt := range db.execs {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			require.Contains(t, stmt, "IF NOT EXISTS")
		}
	}
}

func TestWarehouse_RunMigrations_ExecFailure(t *testing.T) {
	t.Parallel()

	db := &fakeDB{execErr: errors.New("syntax error")}
	err := RunMigrations(context.Background(), testLogger(), db)
	require.ErrorContains(t, err, "failed to execute migration")
}
