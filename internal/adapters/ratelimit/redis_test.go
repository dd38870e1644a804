package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	fixed := time.Unix(1_700_000_000, 0)
	rl := NewRedisLimiter(mr.Addr(), "", 0, 3, time.Minute)
	defer rl.Close()
	rl.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i)
	}
	ok, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "fourth request in the window should be limited")

	ok, err = rl.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "other callers are counted separately")

	// Next window starts a fresh counter.
	fixed = fixed.Add(time.Minute)
	ok, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_SetsExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rl := NewRedisLimiter(mr.Addr(), "", 0, 10, 30*time.Second)
	defer rl.Close()
	_, err = rl.Allow(context.Background(), "caller")
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, 30*time.Second, mr.TTL(keys[0]))
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rl := NewRedisLimiter(mr.Addr(), "", 0, 10, time.Minute)
	defer rl.Close()
	mr.Close()

	_, err = rl.Allow(context.Background(), "caller")
	assert.Error(t, err)
	assert.Error(t, rl.Ping(context.Background()))
}
