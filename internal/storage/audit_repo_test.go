package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/cmdguard/internal/security"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "audit.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAuditRepository_AppendAndQuery(t *testing.T) {
	db := openTestDB(t)
	repo := NewAuditRepository(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	events := []security.AuditEvent{
		{Timestamp: base, CorrelationID: "a", Action: security.ActionValidate, Command: "ls", Result: security.ResultAllowed},
		{Timestamp: base.Add(time.Second), CorrelationID: "a", Action: security.ActionRoute, Command: "ls", Decision: "direct", Result: security.ResultAllowed},
		{Timestamp: base.Add(2 * time.Second), CorrelationID: "b", Action: security.ActionValidate, Command: "rm -rf /etc/shadow",
			Stage: "protected-path", Reason: "access to protected path /etc/shadow is not allowed", Result: security.ResultDenied,
			Parameters: map[string]any{"source": "cli"}},
	}
	for _, e := range events {
		require.NoError(t, repo.Append(ctx, e))
	}

	all, err := repo.Query(ctx, AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].CorrelationID, "newest first")
	assert.Equal(t, "protected-path", all[0].Stage)
	assert.Equal(t, "cli", all[0].Parameters["source"])

	byCorr, err := repo.Query(ctx, AuditQuery{CorrelationID: "a"})
	require.NoError(t, err)
	assert.Len(t, byCorr, 2)

	denied, err := repo.Query(ctx, AuditQuery{Result: security.ResultDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "rm -rf /etc/shadow", denied[0].Command)

	limited, err := repo.Query(ctx, AuditQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAuditRepository_BehindDBAuditLogger(t *testing.T) {
	db := openTestDB(t)
	repo := NewAuditRepository(db)
	logger := security.NewDBAuditLogger(repo, nil)
	ctx := security.ContextWithCorrelationID(context.Background(), "corr-9")

	e := security.NewEvent(ctx, security.ActionExecute, "go test ./...")
	e.Result = security.ResultSuccess
	require.NoError(t, logger.LogAction(ctx, e))

	got, err := repo.Query(ctx, AuditQuery{Action: security.ActionExecute})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "corr-9", got[0].CorrelationID)
	assert.Equal(t, security.ResultSuccess, got[0].Result)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{Driver: "mysql"}, nil)
	assert.Error(t, err)

	_, err = Open(Config{Driver: DriverSQLite}, nil)
	assert.Error(t, err)

	_, err = Open(Config{Driver: DriverPostgres}, nil)
	assert.Error(t, err)
}

func TestDB_PingAndDriver(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, DriverSQLite, db.Driver())
	assert.NoError(t, db.Ping(context.Background()))
}
