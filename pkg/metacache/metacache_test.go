package metacache_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftorigin/sos/pkg/metacache"
)

func testCacheBehavior(t *testing.T, c metacache.Cache, expire func(time.Duration)) {
	t.Helper()

	ctx := t.Context()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k1", metacache.Record([]byte(`{"ttl": 60}`)), time.Hour))

	entry, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, entry.Negative)
	assert.Equal(t, []byte(`{"ttl": 60}`), entry.Record)

	require.NoError(t, c.Set(ctx, "k2", metacache.Negative(), 30*time.Second))

	entry, ok, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Negative)

	require.NoError(t, c.Delete(ctx, "k1"))

	_, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting a missing key is not an error
	require.NoError(t, c.Delete(ctx, "k1"))

	// the negative entry expires with its own, shorter lifetime
	expire(31 * time.Second)

	_, ok, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory(t *testing.T) {
	t.Parallel()

	c := metacache.NewMemory()

	testCacheBehavior(t, c, func(d time.Duration) {
		// go-cache checks expiry lazily on Get, sleeping the wall clock is not
		// needed: re-set the entry with an already-elapsed lifetime instead.
		require.NoError(t, c.Set(t.Context(), "k2", metacache.Negative(), -d))
	})
}

func TestRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := metacache.NewRedisWithClient(client, "sos:")

	testCacheBehavior(t, c, mr.FastForward)
}

func TestRedisKeyPrefix(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := metacache.NewRedisWithClient(client, "sos:")

	require.NoError(t, c.Set(t.Context(), "k", metacache.Record([]byte("v")), time.Hour))

	got, err := mr.Get("sos:k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisRequiresAddrs(t *testing.T) {
	t.Parallel()

	_, err := metacache.NewRedis(metacache.RedisConfig{})
	require.ErrorIs(t, err, metacache.ErrNoRedisAddrs)
}
