// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/config"
	"github.com/pennywise/pennywise/internal/housekeeping"
	"github.com/pennywise/pennywise/internal/httpapi"
	"github.com/pennywise/pennywise/internal/logging"
	"github.com/pennywise/pennywise/pkg/errutil"
)

const serviceName = "pennywise"

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auth HTTP API",
		Long: `Start the HTTP API for registration, login, token refresh, logout and
password reset, along with the metrics/health server and the expired
reset token purger.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runServeWithDeps runs the API until a signal arrives, ctx is cancelled
// or a server fails. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()

	if err := cfg.Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "validate configuration").Wrap(err)
	}

	logger := logging.SetupLevel(serviceName, version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level), cmd.ErrOrStderr())
	slog.SetDefault(logger)

	logger.Info("starting pennywise",
		"http_addr", cfg.HTTP.Addr,
		"store", cfg.Store.Backend,
		"reset_store", cfg.Reset.Store,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	var recorder auth.OutcomeRecorder
	var requestRecorder httpapi.RequestRecorder
	var purgeObserver housekeeping.PurgeObserver
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		metrics := obsServer.Metrics()
		recorder, requestRecorder, purgeObserver = metrics, metrics, metrics
		logger.Info("observability server started", "addr", obsServer.Addr())
	}
	defer func() {
		if obsServer == nil {
			return
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := obsServer.Stop(stopCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, deps, logger, recorder)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("error releasing resources", "error", closeErr)
		}
	}()

	purger, err := housekeeping.NewPurger(a.resets, cfg.Reset.PurgeInterval,
		housekeeping.WithLogger(logger), housekeeping.WithObserver(purgeObserver))
	if err != nil {
		return err
	}
	if err := purger.Start(ctx); err != nil {
		return err
	}
	defer purger.Stop()

	apiOpts := httpapi.Options{
		Cookies: httpapi.CookieConfig{
			Domain:     cfg.Cookies.Domain,
			Secure:     cfg.Cookies.Secure,
			SameSite:   cfg.Cookies.SameSite,
			AccessTTL:  cfg.Tokens.AccessTTL,
			RefreshTTL: cfg.Tokens.RefreshTTL,
		},
		Logger:   logger,
		Recorder: requestRecorder,
	}
	handler, err := httpapi.NewHandler(a.sessions, a.resets, a.sender, apiOpts)
	if err != nil {
		return err
	}

	listener, err := deps.ListenerFactory("tcp", cfg.HTTP.Addr)
	if err != nil {
		return oops.Code("HTTP_LISTEN_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
	}

	httpSrv := &http.Server{
		Handler:           httpapi.NewRouter(handler, apiOpts),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	ready.Store(true)
	cmd.Println("Pennywise API started")
	logger.Info("http server listening", "addr", listener.Addr().String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err, ok := <-errChan:
		if ok {
			serveErr = oops.Code("HTTP_SERVE_FAILED").Wrap(err)
		}
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	logger.Info("shutting down...")

	timeout := cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errutil.LogError(shutdownCtx, logger, "error stopping http server", err)
	}

	logger.Info("shutdown complete")
	return serveErr
}

// monitorServerErrors cancels ctx when a server reports an error. It
// returns when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
