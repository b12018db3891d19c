// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pennywise/pennywise/internal/config"
	"github.com/pennywise/pennywise/internal/logging"
)

// NewPurgeResetsCmd creates the purge-resets subcommand.
func NewPurgeResetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-resets",
		Short: "Delete expired password reset tokens once",
		Long: `Delete password reset records whose expiry has passed. The serve
command does this periodically; use this for cron-style maintenance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPurgeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runPurgeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.SetupLevel(serviceName, version, cfg.Log.Format, slog.LevelWarn, cmd.ErrOrStderr())
	a, err := buildApp(ctx, cfg, deps, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }() //nolint:errcheck // best effort on exit

	n, err := a.resets.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("Purged %d expired password reset(s)\n", n)
	return nil
}
