package metacache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoRedisAddrs is returned if no Redis address was configured.
var ErrNoRedisAddrs = errors.New("at least one Redis address is required")

// RedisConfig holds the connection configuration for the Redis cache backend.
type RedisConfig struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	UseTLS    bool
	PoolSize  int
	KeyPrefix string
}

// Redis is a Cache backed by a Redis server or cluster. It is the backend to
// use when several front ends must share metadata visibility.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Cache = (*Redis)(nil)

// NewRedis returns a new Redis-backed cache.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	opts := &redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Redis{
		client:    redis.NewUniversalClient(opts),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisWithClient returns a Redis cache using an existing client.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	bs, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}

		return Entry{}, false, fmt.Errorf("error getting %q from redis: %w", key, err)
	}

	return decode(bs), true, nil
}

func (r *Redis) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, entry.encode(), ttl).Err(); err != nil {
		return fmt.Errorf("error setting %q in redis: %w", key, err)
	}

	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("error deleting %q from redis: %w", key, err)
	}

	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
