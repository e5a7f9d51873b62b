// Package cache stores query enhancement results keyed by the raw query.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"echo.app/echo-server/internal/logger"
)

const keyPrefix = "echo:enhance:"

// Cache is a string cache with per-entry expiry. A miss returns ok == false and no error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Key normalizes a query into a bounded cache key.
func Key(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.Join(strings.Fields(query), " "))))
	return keyPrefix + hex.EncodeToString(sum[:])
}

type Redis struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedis connects and pings the server at addr.
func NewRedis(ctx context.Context, log *logger.Logger, addr string, ttl time.Duration) (*Redis, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{log: log.With("service", "RedisEnhanceCache"), rdb: rdb, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, key, value, r.ttl).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

type entry struct {
	value   string
	expires time.Time
}

// Memory is the process-local fallback used when no Redis is configured.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]entry
	now     func() time.Time
}

func NewMemory(ttl time.Duration, max int) *Memory {
	if max <= 0 {
		max = 1024
	}
	return &Memory{ttl: ttl, max: max, entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.max {
		// Full: drop everything rather than track recency.
		clear(m.entries)
	}
	m.entries[key] = entry{value: value, expires: m.now().Add(m.ttl)}
	return nil
}
