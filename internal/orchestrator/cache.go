package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const (
	redisCachePrefix       = "playback:result:"
	defaultCacheMaxEntries = 512
)

// CacheBackend stores orchestration results by request key.
type CacheBackend interface {
	Get(ctx context.Context, key string) (domain.PlayResult, bool, error)
	Set(ctx context.Context, key string, result domain.PlayResult, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheTTL holds result lifetimes by content type.
type CacheTTL struct {
	Series  time.Duration
	Movie   time.Duration
	Default time.Duration
}

func (t CacheTTL) withDefaults() CacheTTL {
	if t.Series <= 0 {
		t.Series = 30 * time.Minute
	}
	if t.Movie <= 0 {
		t.Movie = 15 * time.Minute
	}
	if t.Default <= 0 {
		t.Default = 5 * time.Minute
	}
	return t
}

// For returns the TTL for a request type.
func (t CacheTTL) For(kind string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "series", "episode", "tv", "show":
		return t.Series
	case "movie", "film":
		return t.Movie
	}
	return t.Default
}

// CacheKey identifies requests that can share a result.
func CacheKey(req domain.PlayRequest) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(req.Type)),
		strings.TrimSpace(req.ItemID),
		fmt.Sprintf("s%d", req.Season),
		fmt.Sprintf("e%d", req.Episode),
		string(domain.ParseQuality(string(req.Quality))),
		strings.ToLower(strings.TrimSpace(req.Audio)),
		fmt.Sprintf("b%d", req.CandidateBudget),
	}
	if req.ForceTranscode {
		parts = append(parts, "hls")
	}
	return strings.Join(parts, "|")
}

type memoryEntry struct {
	result    domain.PlayResult
	expiresAt time.Time
}

// MemoryCache is a size-bounded in-process backend.
type MemoryCache struct {
	mu    sync.Mutex
	items *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	items, _ := lru.New[string, memoryEntry](maxEntries)
	return &MemoryCache{items: items, now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (domain.PlayResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items.Get(key)
	if !ok {
		return domain.PlayResult{}, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		m.items.Remove(key)
		return domain.PlayResult{}, false, nil
	}
	return entry.result, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, result domain.PlayResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Add(key, memoryEntry{result: result, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Remove(key)
	return nil
}

// RedisCacheBackend stores results in Redis with JSON serialization.
type RedisCacheBackend struct {
	client *redis.Client
}

func NewRedisCacheBackend(client *redis.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

// NewRedisCacheFromURL parses a redis:// URL and verifies the connection.
func NewRedisCacheFromURL(ctx context.Context, rawURL string) (*RedisCacheBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	backend := NewRedisCacheBackend(redis.NewClient(opts))
	if err := backend.Ping(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return backend, nil
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.PlayResult, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PlayResult{}, false, nil
		}
		return domain.PlayResult{}, false, err
	}
	var result domain.PlayResult
	if err := json.Unmarshal(data, &result); err != nil {
		return domain.PlayResult{}, false, err
	}
	return result, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, result domain.PlayResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, ttl).Err()
}

func (r *RedisCacheBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisCachePrefix+key).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCacheBackend) Close() error {
	return r.client.Close()
}
