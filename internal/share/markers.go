package share

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultMemoryMarkers = 4096
	DefaultMarkerTTL     = 30 * 24 * time.Hour

	redisKeyPrefix = "flickchat:share:"
)

// MarkerStore remembers which shares a user has already sent. Keys are
// scoped by the sharing user's uid.
type MarkerStore interface {
	IsSet(ctx context.Context, owner, key string) (bool, error)
	Set(ctx context.Context, owner, key string) error
}

// MemoryMarkerStore keeps markers in a bounded LRU cache. The least
// recently used marker is evicted once the cache is full.
type MemoryMarkerStore struct {
	cache *lru.Cache[string, struct{}]
}

// NewMemoryMarkerStore builds an in-memory store holding at most size
// markers. A size <= 0 uses DefaultMemoryMarkers.
func NewMemoryMarkerStore(size int) (*MemoryMarkerStore, error) {
	if size <= 0 {
		size = DefaultMemoryMarkers
	}

	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("new lru cache: %w", err)
	}

	return &MemoryMarkerStore{cache: cache}, nil
}

func (s *MemoryMarkerStore) IsSet(_ context.Context, owner, key string) (bool, error) {
	// Get rather than Contains so a hit refreshes recency
	_, ok := s.cache.Get(owner + ":" + key)
	return ok, nil
}

func (s *MemoryMarkerStore) Set(_ context.Context, owner, key string) error {
	s.cache.Add(owner+":"+key, struct{}{})
	return nil
}

// Len returns the number of markers held.
func (s *MemoryMarkerStore) Len() int {
	return s.cache.Len()
}

// RedisMarkerStore keeps markers in Redis with an expiry.
type RedisMarkerStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMarkerStore builds a Redis-backed store. A ttl <= 0 uses
// DefaultMarkerTTL.
func NewRedisMarkerStore(addr, password string, ttl time.Duration) *RedisMarkerStore {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}

	return &RedisMarkerStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl: ttl,
	}
}

func (s *RedisMarkerStore) IsSet(ctx context.Context, owner, key string) (bool, error) {
	n, err := s.client.Exists(ctx, redisMarkerKey(owner, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisMarkerStore) Set(ctx context.Context, owner, key string) error {
	if err := s.client.Set(ctx, redisMarkerKey(owner, key), "true", s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisMarkerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisMarkerStore) Close() error {
	return s.client.Close()
}

func redisMarkerKey(owner, key string) string {
	return redisKeyPrefix + owner + ":" + key
}
