package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/product-reservation/internal/core/domain"
)

const (
	cartKeyPrefix = "cart:"
	// A cart outlives its reservations so reconciliation can still see and
	// release lapsed entries.
	cartKeyTTL = 24 * time.Hour
)

// RedisAdapter stores each session's cart as a hash of product id to entry.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, ttl: cartKeyTTL}
}

func cartKey(sessionID string) string {
	return cartKeyPrefix + sessionID
}

func (r *RedisAdapter) LoadCart(ctx context.Context, sessionID string) ([]domain.CartEntry, error) {
	fields, err := r.client.HGetAll(ctx, cartKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	entries := make([]domain.CartEntry, 0, len(fields))
	for productID, raw := range fields {
		var e domain.CartEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// A corrupt entry is dropped rather than poisoning the cart.
			logger.Warningf("dropping unreadable cart entry %s for session %s: %v", productID, sessionID, err)
			r.client.HDel(ctx, cartKey(sessionID), productID)
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ProductID < entries[j].ProductID })
	return entries, nil
}

func (r *RedisAdapter) SaveCartEntry(ctx context.Context, sessionID string, entry domain.CartEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cart entry: %w", err)
	}

	key := cartKey(sessionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, entry.ProductID, raw)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save cart entry: %w", err)
	}
	return nil
}

func (r *RedisAdapter) RemoveCartEntries(ctx context.Context, sessionID string, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, cartKey(sessionID), productIDs...).Err(); err != nil {
		return fmt.Errorf("remove cart entries: %w", err)
	}
	return nil
}

func (r *RedisAdapter) ClearCart(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, cartKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
