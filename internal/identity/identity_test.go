package identity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchsync/party-server/internal/kv"
	"github.com/watchsync/party-server/internal/types"
)

func newTestMap(t *testing.T) (*Map, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := New(kv.NewRedisStoreFromClient(client), 2*time.Hour)
	return m, mr
}

func TestSetGetExists(t *testing.T) {
	m, mr := newTestMap(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "u1", "conn-1"))

	connID, ok, err := m.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conn-1", connID)

	exists, err := m.Exists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGetMissing(t *testing.T) {
	m, mr := newTestMap(t)
	defer mr.Close()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	m, mr := newTestMap(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "u1", "conn-1"))
	require.NoError(t, m.Remove(ctx, "u1"))

	exists, err := m.Exists(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetMappingExpiresAfterTTL(t *testing.T) {
	m, mr := newTestMap(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "u1", "conn-1"))
	mr.FastForward(3 * time.Hour)

	_, ok, err := m.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScan(t *testing.T) {
	m, mr := newTestMap(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "u1", "conn-1"))
	require.NoError(t, m.Set(ctx, "u2", "conn-2"))

	ids, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.UserID{"u1", "u2"}, ids)
}
