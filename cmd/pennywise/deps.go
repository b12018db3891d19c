// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package main

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/pennywise/pennywise/internal/auth/postgres"
	"github.com/pennywise/pennywise/internal/config"
	"github.com/pennywise/pennywise/internal/observability"
	"github.com/pennywise/pennywise/internal/store"
)

// ServeDeps contains injectable dependencies for the serve and
// purge-resets commands. Nil fields use their default implementations.
type ServeDeps struct {
	// PoolFactory opens the PostgreSQL pool.
	// Default: store.Connect
	PoolFactory func(ctx context.Context, url string) (Pool, error)

	// RedisFactory creates the Redis client for the redis reset store.
	// Default: redis.NewUniversalClient
	RedisFactory func(cfg config.RedisConfig) redis.UniversalClient

	// MigratorFactory is used when database.auto_migrate is set.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (Migrator, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// ListenerFactory creates the API listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)

	// MailOutbox receives rendered reset messages.
	// Default: os.Stdout
	MailOutbox io.Writer
}

// MigrateDeps contains injectable dependencies for the migrate command.
type MigrateDeps struct {
	// MigratorFactory creates a migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (Migrator, error)
}

// Pool is the pgx pool surface the repositories and shutdown need.
type Pool interface {
	postgres.Pool
	Close()
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.PoolFactory == nil {
		out.PoolFactory = func(ctx context.Context, url string) (Pool, error) {
			return store.Connect(ctx, url, store.ConnectOptions{})
		}
	}
	if out.RedisFactory == nil {
		out.RedisFactory = func(cfg config.RedisConfig) redis.UniversalClient {
			return redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    []string{cfg.Addr},
				Password: cfg.Password,
				DB:       cfg.DB,
			})
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = defaultMigratorFactory
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if out.ListenerFactory == nil {
		out.ListenerFactory = net.Listen
	}
	if out.MailOutbox == nil {
		out.MailOutbox = os.Stdout
	}
	return &out
}

func defaultMigratorFactory(url string) (Migrator, error) {
	return store.NewMigrator(url)
}
