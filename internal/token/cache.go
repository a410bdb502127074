package token

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CachePrefix is the Redis key prefix for cached chat credentials.
	CachePrefix = "chat:token:"

	// defaultCacheTTL bounds cache lifetime for tokens without an expiry
	// claim.
	defaultCacheTTL = 5 * time.Minute
)

// Cache is a Provider that shares a refreshed credential across agent
// processes through Redis. Misses fall through to the inner provider and the
// result is written back with a TTL derived from the token's expiry.
type Cache struct {
	client *redis.Client
	userID string
	inner  Provider
	now    func() time.Time
}

// NewCache creates a Redis-backed credential cache around inner.
func NewCache(client *redis.Client, userID string, inner Provider) *Cache {
	return &Cache{client: client, userID: userID, inner: inner, now: time.Now}
}

func (c *Cache) key() string {
	return CachePrefix + c.userID
}

// Token returns the cached credential if present, otherwise asks the inner
// provider and caches the result. Redis errors fail open to the inner
// provider: a cache outage must not log the user out.
func (c *Cache) Token(ctx context.Context) (string, error) {
	tok, err := c.client.Get(ctx, c.key()).Result()
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && err != redis.Nil {
		log.Printf("[token-cache] redis GET error key=%s: %v (falling through)", c.key(), err)
	}

	tok, err = c.inner.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("token: refresh: %w", err)
	}

	ttl := defaultCacheTTL
	if exp := expiryOf(tok); !exp.IsZero() {
		// Leave the same leeway the provider uses so the cache never serves
		// a token the broker is about to reject.
		ttl = exp.Sub(c.now()) - RefreshLeeway
	}
	if ttl > 0 {
		if err := c.client.Set(ctx, c.key(), tok, ttl).Err(); err != nil {
			log.Printf("[token-cache] redis SET error key=%s: %v", c.key(), err)
		}
	}
	return tok, nil
}

// Invalidate drops the cached credential everywhere.
func (c *Cache) Invalidate(tok string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, c.key()).Err(); err != nil {
		log.Printf("[token-cache] redis DEL error key=%s: %v", c.key(), err)
	}
	c.inner.Invalidate(tok)
}
