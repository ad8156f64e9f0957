package storage

import (
	"strings"
	"time"
)

// Option configures either catalog driver. Options that only make sense for
// Postgres are ignored by the JSON store.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
}

type driverOption struct {
	json     func(*Storage)
	postgres func(*PostgresConfig)
}

func (o driverOption) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o driverOption) applyPostgres(cfg *PostgresConfig) {
	if o.postgres != nil && cfg != nil {
		o.postgres(cfg)
	}
}

func postgresOnly(fn func(*PostgresConfig)) Option {
	return driverOption{postgres: fn}
}

// WithClock sets the time source for created, updated and completed
// timestamps. Times are stored in UTC whatever the clock returns.
func WithClock(now func() time.Time) Option {
	if now == nil {
		return driverOption{}
	}
	utc := func() time.Time { return now().UTC() }
	return driverOption{
		json:     func(s *Storage) { s.now = utc },
		postgres: func(cfg *PostgresConfig) { cfg.Clock = utc },
	}
}

// PoolSettings sizes the Postgres pool. Zero values keep the pgxpool
// defaults.
type PoolSettings struct {
	MaxConns            int32
	MinConns            int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
}

func WithPostgresPool(settings PoolSettings) Option {
	return postgresOnly(func(cfg *PostgresConfig) {
		if settings.MaxConns > 0 {
			cfg.MaxConnections = settings.MaxConns
		}
		if settings.MinConns > 0 {
			cfg.MinConnections = settings.MinConns
		}
		if settings.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = settings.MaxConnLifetime
		}
		if settings.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = settings.MaxConnIdleTime
		}
		if settings.HealthCheckInterval > 0 {
			cfg.HealthCheckInterval = settings.HealthCheckInterval
		}
	})
}

// WithPostgresPoolLimits is shorthand for WithPostgresPool with connection
// counts only.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return WithPostgresPool(PoolSettings{MaxConns: maxConns, MinConns: minConns})
}

// WithPostgresAcquireTimeout bounds the wait for a pooled connection. An
// upload completion that cannot get a connection in time fails instead of
// queueing behind a saturated pool.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnly(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithPostgresApplicationName tags sessions in pg_stat_activity so server and
// transcoder connections can be told apart.
func WithPostgresApplicationName(name string) Option {
	return postgresOnly(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
