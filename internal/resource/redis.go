package resource

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/pool"
)

// RedisPoolName labels the Redis pool in logs and metrics.
const RedisPoolName = "redis"

// Redis is a Redis client with a bounded pool of dedicated connections.
// The client itself serves pub/sub and the task queue.
type Redis struct {
	client *redis.Client
	pool   *pool.Pool[*redis.Conn]
}

type redisConnFactory struct {
	client *redis.Client
}

func (f redisConnFactory) Dial(ctx context.Context) (*redis.Conn, error) {
	conn := f.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		core.LogDeferredError(conn.Close)
		return nil, err
	}
	return conn, nil
}

func (f redisConnFactory) Alive(ctx context.Context, conn *redis.Conn) error {
	return conn.Ping(ctx).Err()
}

func (f redisConnFactory) Close(conn *redis.Conn) error {
	return conn.Close()
}

// OpenRedis connects to the configured Redis server.
func OpenRedis(ctx context.Context, s config.Settings, clock clockwork.Clock) (*Redis, error) {
	opts, err := redis.ParseURL(s.RedisURL)
	if err != nil {
		return nil, core.NewConfigError("invalid redis_url: %v", err)
	}
	// Leased connections stick to one client connection each, so the client
	// needs room for them plus direct commands.
	opts.PoolSize = 2 * s.RedisPoolSize
	opts.PoolTimeout = s.PoolWaitTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := clockwork.WithTimeout(ctx, clock, s.PoolWaitTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		core.LogDeferredError(client.Close)
		return nil, core.WrapError(core.KindConnectionBroken, "connect redis", err)
	}

	p, err := pool.New[*redis.Conn](redisConnFactory{client: client}, pool.Options{
		Name:        RedisPoolName,
		Size:        s.RedisPoolSize,
		WaitTimeout: s.PoolWaitTimeout,
		Clock:       clock,
	})
	if err != nil {
		core.LogDeferredError(client.Close)
		return nil, err
	}

	zap.L().Info("Redis pool ready",
		zap.String("addr", opts.Addr),
		zap.Int("pool_size", s.RedisPoolSize))

	return &Redis{client: client, pool: p}, nil
}

// Client returns the shared client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Pool returns the connection pool.
func (r *Redis) Pool() *pool.Pool[*redis.Conn] {
	return r.pool
}

// Get reads key over a leased connection. A missing key yields ("", false, nil).
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := r.pool.With(ctx, func(ctx context.Context, conn *redis.Conn) error {
		v, err := conn.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// Set writes key over a leased connection.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.pool.With(ctx, func(ctx context.Context, conn *redis.Conn) error {
		return conn.Set(ctx, key, value, 0).Err()
	})
}

// Close closes the pool, then the client.
func (r *Redis) Close() error {
	return errors.Join(r.pool.Close(), r.client.Close())
}
