package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalCache_SetGetDelete(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.Error(t, err)
}

func TestLocalCache_ValueKinds(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "bytes", []byte("raw"), 0))
	got, err := c.Get(ctx, "bytes")
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	require.NoError(t, c.Set(ctx, "struct", map[string]int{"n": 1}, 0))
	got, err = c.Get(ctx, "struct")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, got)
}

func TestLocalCache_Expiration(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.Error(t, err, "expired entry must not be readable")
}

func TestLocalCache_Ping(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()
	assert.NoError(t, c.Ping())
}

func TestNew_FallsBackToLocal(t *testing.T) {
	c, err := New("", "", zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	assert.IsType(t, &LocalCache{}, c)

	c2, err := New("local", "", zap.NewNop())
	require.NoError(t, err)
	defer c2.Close()
	assert.IsType(t, &LocalCache{}, c2)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New("memcached", "", zap.NewNop())
	assert.Error(t, err)
}
