package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/port"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func runCartSuite(t *testing.T, store port.CartRepository) {
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)

	entries, err := store.LoadCart(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.SaveCartEntry(ctx, "session-1", domain.CartEntry{
		ProductID: "vase", ReservationID: "r1", ActorID: "actor-a", Price: 3000, ExpiresAt: expires,
	}))
	require.NoError(t, store.SaveCartEntry(ctx, "session-1", domain.CartEntry{
		ProductID: "mug", ReservationID: "r2", ActorID: "actor-a", Price: 1500, ExpiresAt: expires,
	}))
	require.NoError(t, store.SaveCartEntry(ctx, "session-2", domain.CartEntry{
		ProductID: "vase", ReservationID: "r9", ActorID: "actor-z",
	}))

	entries, err = store.LoadCart(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "mug", entries[0].ProductID)
	assert.Equal(t, "vase", entries[1].ProductID)
	assert.EqualValues(t, 3000, entries[1].Price)
	assert.True(t, expires.Equal(entries[1].ExpiresAt))

	require.NoError(t, store.RemoveCartEntries(ctx, "session-1", "vase"))
	entries, err = store.LoadCart(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mug", entries[0].ProductID)

	require.NoError(t, store.ClearCart(ctx, "session-1"))
	entries, err = store.LoadCart(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = store.LoadCart(ctx, "session-2")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "other sessions are untouched")
}

func TestRedisAdapter_Cart(t *testing.T) {
	_, client := newTestRedis(t)
	runCartSuite(t, NewRedisAdapter(client))
}

func TestMemoryCartAdapter_Cart(t *testing.T) {
	runCartSuite(t, NewMemoryCartAdapter())
}

func TestRedisAdapter_CartExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	adapter := NewRedisAdapter(client)
	ctx := context.Background()

	require.NoError(t, adapter.SaveCartEntry(ctx, "session-1", domain.CartEntry{ProductID: "vase", ActorID: "actor-a"}))
	assert.Equal(t, cartKeyTTL, mr.TTL(cartKey("session-1")))

	mr.FastForward(cartKeyTTL + time.Second)

	entries, err := adapter.LoadCart(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisAdapter_DropsCorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	adapter := NewRedisAdapter(client)
	ctx := context.Background()

	require.NoError(t, adapter.SaveCartEntry(ctx, "session-1", domain.CartEntry{ProductID: "vase", ActorID: "actor-a"}))
	mr.HSet(cartKey("session-1"), "junk", "{not json")

	entries, err := adapter.LoadCart(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "vase", entries[0].ProductID)
	assert.Empty(t, mr.HGet(cartKey("session-1"), "junk"))
}
