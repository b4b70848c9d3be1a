package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/idgen"
)

func TestKey(t *testing.T) {
	a := Key("deal", "client_1", "conv_1", "vendor_1", "Logo", "1000.00")
	b := Key("deal", "client_1", "conv_1", "vendor_1", "Logo", "1000.00")
	c := Key("deal", "client_1", "conv_1", "vendor_1", "Logo", "1000.01")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "deal:", a[:5])
	// Field boundaries matter.
	assert.NotEqual(t, Key("x", "ab", "c"), Key("x", "a", "bc"))
}

func TestMemoryGuard_Window(t *testing.T) {
	g := NewMemoryGuard()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(9 * time.Second)
	ok, _ = g.Acquire(ctx, "k", 10*time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = g.Acquire(ctx, "k", 10*time.Second)
	assert.True(t, ok)
}

func TestMemoryGuard_Release(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	ok, _ := g.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)
	require.NoError(t, g.Release(ctx, "k"))

	ok, _ = g.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok, "a released key can be claimed again inside the window")
	require.NoError(t, g.Release(ctx, "missing"))
}

func TestRedisGuard(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set, skipping integration test")
	}
	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, url)
	require.NoError(t, err)
	defer func() { _ = rdb.Close() }()

	g := NewRedisGuard(rdb)
	key := "test:" + idgen.New()

	ok, err := g.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, key))
	ok, err = g.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
