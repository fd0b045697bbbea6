package valuesource

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/config"
)

// ErrNotFound is returned when the key or field does not exist
var ErrNotFound = errors.New("value not found")

// Source is a read-only hash store of live point values
type Source interface {
	HashGet(ctx context.Context, key, field string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisSource reads point values from redis hashes
type RedisSource struct {
	client *redis.Client
	addr   string
	db     int
}

var _ Source = (*RedisSource)(nil)

// NewRedisSource creates a redis-backed source. No connection is made until first use.
func NewRedisSource(cfg config.RedisConfig) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		PoolSize:    cfg.PoolSize,
	})
	return &RedisSource{client: client, addr: cfg.Addr, db: cfg.DB}
}

// NewRedisSourceFromClient wraps an existing client
func NewRedisSourceFromClient(client *redis.Client) *RedisSource {
	opts := client.Options()
	return &RedisSource{client: client, addr: opts.Addr, db: opts.DB}
}

// HashGet returns the raw field value of a hash
func (r *RedisSource) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := r.client.HGet(ctx, key, field).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return "", err
	}
	return val, nil
}

// Ping tests the redis connection
func (r *RedisSource) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (r *RedisSource) Close() error {
	return r.client.Close()
}

// Addr returns the configured redis address
func (r *RedisSource) Addr() string {
	return r.addr
}

// DB returns the configured redis database index
func (r *RedisSource) DB() int {
	return r.db
}
