package auth

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosherhub/kosherhub/pkg/redis"
)

func newAuthRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := redis.DefaultConfig()
	cfg.Host = mr.Host()
	cfg.Port = port

	client, err := redis.NewClient(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestBlacklistAddAndContains(t *testing.T) {
	_, client := newAuthRedis(t)
	bl := NewTokenBlacklist(client, nil, nil)
	ctx := context.Background()

	require.NoError(t, bl.Add(ctx, "jti-1", time.Now().Add(time.Hour)))

	found, err := bl.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = bl.Contains(ctx, "jti-unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBlacklistSkipsExpiredTokens(t *testing.T) {
	_, client := newAuthRedis(t)
	bl := NewTokenBlacklist(client, nil, nil)
	ctx := context.Background()

	// a token already past exp has nothing to blacklist
	require.NoError(t, bl.Add(ctx, "jti-old", time.Now().Add(-time.Minute)))

	found, err := bl.Contains(ctx, "jti-old")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBlacklistEntriesExpireWithToken(t *testing.T) {
	mr, client := newAuthRedis(t)
	bl := NewTokenBlacklist(client, nil, nil)
	ctx := context.Background()

	require.NoError(t, bl.Add(ctx, "jti-ttl", time.Now().Add(time.Hour)))

	mr.FastForward(61 * time.Minute)

	found, err := bl.Contains(ctx, "jti-ttl")
	require.NoError(t, err)
	assert.False(t, found)
}
