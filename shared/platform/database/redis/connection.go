package redis

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

// Lua bodies are compared verbatim by redismock, keep them stable.
const (
	unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

// Connection wraps a go-redis client with the operations the service uses.
type Connection struct {
	Client *redis.Client
	logger logging.Logger
}

func NewConnection(ctx context.Context, cfg config.RedisConfig, logger logging.Logger) (*Connection, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewUnavailable("failed to connect to Redis").WithCause(err)
	}

	logger.Info(ctx, "Redis connection established", map[string]interface{}{
		"address":   cfg.Address(),
		"db":        cfg.DB,
		"pool_size": cfg.PoolSize,
	})

	return &Connection{Client: client, logger: logger}, nil
}

// NewConnectionFromClient wraps an existing client (redismock in tests).
func NewConnectionFromClient(client *redis.Client, logger logging.Logger) *Connection {
	return &Connection{Client: client, logger: logger}
}

func (c *Connection) Close() error {
	if err := c.Client.Close(); err != nil {
		c.logger.Error(context.Background(), "Failed to close Redis connection", err)
		return err
	}
	c.logger.Info(context.Background(), "Redis connection closed")
	return nil
}

func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return errors.NewUnavailable("redis ping failed").WithCause(err)
	}
	return nil
}

func (c *Connection) Stats() map[string]interface{} {
	s := c.Client.PoolStats()
	return map[string]interface{}{
		"hits":        s.Hits,
		"misses":      s.Misses,
		"timeouts":    s.Timeouts,
		"total_conns": s.TotalConns,
		"idle_conns":  s.IdleConns,
	}
}

func (c *Connection) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.NewUnavailable("redis set failed").WithCause(err)
	}
	return nil
}

// Get returns a NotFound error when the key is absent.
func (c *Connection) Get(ctx context.Context, key string) (string, error) {
	v, err := c.Client.Get(ctx, key).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", errors.NewNotFound("key not found").WithCode("NotFound")
	}
	if err != nil {
		return "", errors.NewUnavailable("redis get failed").WithCause(err)
	}
	return v, nil
}

func (c *Connection) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.NewUnavailable("redis exists failed").WithCause(err)
	}
	return n > 0, nil
}

// Lock tries once to take key for token with SET NX PX.
func (c *Connection) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := c.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, errors.NewUnavailable("redis lock failed").WithCause(err)
	}
	return ok, nil
}

// Unlock deletes key only while it still holds token. It reports whether the
// lock was still owned.
func (c *Connection) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := c.Client.Eval(ctx, unlockScript, []string{key}, token).Int64()
	if err != nil {
		return false, errors.NewUnavailable("redis unlock failed").WithCause(err)
	}
	return n == 1, nil
}

// Extend pushes the expiry of an owned lock forward.
func (c *Connection) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := c.Client.Eval(ctx, extendScript, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.NewUnavailable("redis extend failed").WithCause(err)
	}
	return n == 1, nil
}
