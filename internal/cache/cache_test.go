package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "containers:a", []byte("x"), time.Minute))
	v, ok, err := c.Get(ctx, "containers:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), v)

	now = now.Add(time.Minute)
	_, ok, err = c.Get(ctx, "containers:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, c.Invalidate(ctx, "a", "missing"))

	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "b")
	assert.True(t, ok)
}

func TestJSONHelpers(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	type item struct {
		Name string `json:"name"`
	}
	require.NoError(t, SetJSON(ctx, c, "items", []item{{Name: "web"}}, time.Minute))

	var got []item
	ok, err := GetJSON(ctx, c, "items", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "web", got[0].Name)

	require.NoError(t, c.Set(ctx, "items", []byte("{not json"), time.Minute))
	ok, err = GetJSON(ctx, c, "items", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	_, present, _ := c.Get(ctx, "items")
	assert.False(t, present, "undecodable entries are dropped")
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	c := NewRedisCache(client, "sshdeck-test:")
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.Invalidate(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
