package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRedisClient_MigratesSchema(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), ClientOptions{Address: mr.Addr(), PoolSize: 2}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer client.Close()

	version, err := mr.Get(schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(currentSchemaVersion), version)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), ClientOptions{Address: addr, DialTimeout: 500 * time.Millisecond}, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}
