package ratecache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesetl/internal/etl/sources"
	"salesetl/internal/ratecache"
)

var _ sources.Cache = (*ratecache.Cache)(nil)

func newCache(t *testing.T, ttl time.Duration) (*ratecache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := ratecache.NewFromURL("redis://"+mr.Addr()+"/0", ttl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newCache(t, time.Hour)
	ctx := context.Background()
	url := "https://rates.local/api/gbp_thb"

	_, ok := c.Get(ctx, url)
	assert.False(t, ok)

	c.Set(ctx, url, []byte(`[{"id":1}]`))
	body, ok := c.Get(ctx, url)
	require.True(t, ok)
	assert.Equal(t, `[{"id":1}]`, string(body))

	require.NoError(t, c.Invalidate(ctx, url))
	_, ok = c.Get(ctx, url)
	assert.False(t, ok)
}

func TestCache_Expires(t *testing.T) {
	c, mr := newCache(t, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "u", []byte("x"))
	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, "u")
	assert.False(t, ok)
}

func TestCache_ServerDownIsMiss(t *testing.T) {
	c, mr := newCache(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	mr.Close()
	c.Set(ctx, "u", []byte("x")) // logged, not fatal
	_, ok := c.Get(ctx, "u")
	assert.False(t, ok)
}

func TestNewFromURL_BareAddress(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := ratecache.NewFromURL(mr.Addr(), time.Minute, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, c.Ping(context.Background()))
}
