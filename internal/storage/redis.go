package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps blobs in Redis with a TTL; used when workers on several
// hosts need to hand rasterized pages and extraction results to each other
// without a shared filesystem.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects and pings; the caller decides whether to fall
// back to the local store on error.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis blob store connected", "addr", addr, "db", db)
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: "blob:", ttl: ttl}, nil
}

func (s *RedisStore) GetBytes(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.prefix+ref).Bytes()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", ref, err)
	}
	return data, nil
}

func (s *RedisStore) PutBytes(ctx context.Context, ref string, data []byte) error {
	if err := s.rdb.Set(ctx, s.prefix+ref, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", ref, err)
	}
	return nil
}

// Client exposes the underlying connection for the event bus to share.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
