package postgres

import (
	"context"
	"os"
	"testing"

	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/repositories/repotest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const dsnEnv = "CALLMESH_POSTGRES_TEST_DSN"

func TestPostgresSessionRepository(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	ctx := context.Background()
	db, err := Open(ctx, Options{DSN: dsn, ConnectAttempts: 1}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// migrations are idempotent
	require.NoError(t, Migrate(ctx, db, nil))

	repotest.RunSessionRepositoryContract(t, func(t *testing.T) ports.SessionRepository {
		_, err := db.ExecContext(ctx, `TRUNCATE call_sessions`)
		require.NoError(t, err)
		return NewPostgresSessionRepository(db)
	})
}
