package store

import (
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Driver names a Store implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// Option configures New.
type Option func(*options)

type options struct {
	sqlitePath  string
	redisClient redis.UniversalClient
	redisTTL    time.Duration
	redisPrefix string
}

// WithSQLitePath sets the database file used by the sqlite driver.
func WithSQLitePath(path string) Option {
	return func(o *options) { o.sqlitePath = path }
}

// WithRedisClient sets the client used by the redis driver.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.redisClient = client }
}

// WithRedisTTL expires idle sessions after ttl (redis only).
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *options) { o.redisTTL = ttl }
}

// WithRedisPrefix namespaces redis keys.
func WithRedisPrefix(prefix string) Option {
	return func(o *options) { o.redisPrefix = prefix }
}

// New builds the Store for driver.
func New(driver Driver, opts ...Option) (Store, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(cfg.sqlitePath)
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, errors.New("redis store requires a client")
		}
		return NewRedisStore(cfg.redisClient, cfg.redisTTL, cfg.redisPrefix), nil
	default:
		return nil, errors.Wrapf(ErrUnknownDriver, "%q", driver)
	}
}
