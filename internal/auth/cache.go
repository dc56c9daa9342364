package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenCachePrefix = "auth:token:"

// TokenCache remembers verified users for a short time. It is advisory: any
// error is treated by the caller as a miss.
type TokenCache interface {
	Get(ctx context.Context, key string) (*User, bool, error)
	Set(ctx context.Context, key string, user *User, ttl time.Duration) error
}

// cacheKey never embeds the raw token.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenCachePrefix + hex.EncodeToString(sum[:])
}

type RedisTokenCache struct {
	client *redis.Client
}

func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

// NewRedisClient connects and pings once so misconfiguration shows at startup.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (*User, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, false, err
	}
	return &user, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key string, user *User, ttl time.Duration) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

type memoryEntry struct {
	user      User
	expiresAt time.Time
}

// MemoryTokenCache is the single-process fallback when no redis is configured.
type MemoryTokenCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

func NewMemoryTokenCache(maxEntries int) *MemoryTokenCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryTokenCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (*User, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	user := entry.user
	return &user, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key string, user *User, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxEntries {
			// still full: drop everything rather than grow without bound
			c.entries = make(map[string]memoryEntry)
		}
	}

	c.entries[key] = memoryEntry{user: *user, expiresAt: now.Add(ttl)}
	return nil
}
