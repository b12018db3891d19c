// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/auth/memory"
	"github.com/pennywise/pennywise/internal/auth/postgres"
	"github.com/pennywise/pennywise/internal/auth/redisstore"
	"github.com/pennywise/pennywise/internal/config"
	"github.com/pennywise/pennywise/internal/mail"
)

// app holds the wired auth services and the resources they own.
type app struct {
	sessions *auth.SessionService
	resets   *auth.PasswordResetService
	sender   mail.Sender

	closers []func() error
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// buildApp wires repositories and services for cfg. recorder may be nil.
func buildApp(ctx context.Context, cfg *config.Config, deps *ServeDeps, logger *slog.Logger, recorder auth.OutcomeRecorder) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close() //nolint:errcheck // build error takes precedence
		}
	}()

	var pool Pool
	if cfg.NeedsDatabase() {
		if cfg.Database.AutoMigrate {
			if err = migrateUp(cfg.Database.URL, deps.MigratorFactory, logger); err != nil {
				return nil, err
			}
		}
		pool, err = deps.PoolFactory(ctx, cfg.Database.URL)
		if err != nil {
			return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		logger.InfoContext(ctx, "connected to database")
	}

	var accounts auth.AccountRepository
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		accounts = postgres.NewAccountRepository(pool)
	default:
		accounts = memory.NewAccountRepository()
	}

	var (
		resets     auth.ResetTokenRepository
		resetsOpts []auth.Option
	)
	switch cfg.Reset.Store {
	case config.BackendPostgres:
		// Accounts live in the same database here, so redeem in one transaction.
		pgResets := postgres.NewResetTokenRepository(pool)
		resets = pgResets
		resetsOpts = append(resetsOpts, auth.WithRedeemer(pgResets))
	case config.BackendRedis:
		rdb := deps.RedisFactory(cfg.Redis)
		a.closers = append(a.closers, rdb.Close)
		if err = rdb.Ping(ctx).Err(); err != nil {
			return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", cfg.Redis.Addr).Wrap(err)
		}
		resets = redisstore.NewResetTokenRepository(rdb, cfg.Redis.Prefix, 0)
	default:
		resets = memory.NewResetTokenRepository()
	}

	hasher, err := auth.NewBcryptHasher(cfg.Password.BcryptCost)
	if err != nil {
		return nil, err
	}
	codec, err := auth.NewTokenCodec(auth.TokenConfig{
		AccessSecret:  []byte(cfg.Tokens.AccessSecret),
		RefreshSecret: []byte(cfg.Tokens.RefreshSecret),
		AccessTTL:     cfg.Tokens.AccessTTL,
		RefreshTTL:    cfg.Tokens.RefreshTTL,
		Issuer:        cfg.Tokens.Issuer,
	})
	if err != nil {
		return nil, err
	}

	opts := []auth.Option{auth.WithLogger(logger), auth.WithRecorder(recorder)}
	if a.sessions, err = auth.NewSessionService(accounts, hasher, codec, opts...); err != nil {
		return nil, err
	}
	resetsOpts = append(resetsOpts, opts...)
	if a.resets, err = auth.NewPasswordResetService(accounts, resets, hasher, cfg.Reset.TTL, resetsOpts...); err != nil {
		return nil, err
	}

	renderer, err := mail.NewRenderer(cfg.Mail.From, cfg.Mail.ResetURL, cfg.Reset.TTL)
	if err != nil {
		return nil, err
	}
	queue := mail.NewQueue(mail.NewOutboxSender(renderer, deps.MailOutbox, logger), cfg.Mail.QueueSize, logger)
	a.closers = append(a.closers, queue.Close)
	a.sender = queue

	return a, nil
}

func migrateUp(url string, factory func(string) (Migrator, error), logger *slog.Logger) error {
	m, err := factory(url)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			logger.Warn("failed to close migrator", "error", closeErr)
		}
	}()
	if err := m.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "apply migrations").Wrap(err)
	}
	v, _, err := m.Version()
	if err == nil {
		logger.Info("database schema up to date", "version", v)
	}
	return nil
}
