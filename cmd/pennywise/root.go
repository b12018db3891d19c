// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/pennywise/pennywise/internal/config"
	"github.com/pennywise/pennywise/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Pennywise CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pennywise",
		Short: "Pennywise - account credentials and sessions",
		Long: `Pennywise issues and rotates access/refresh token pairs, keeps a
single active session per account, and runs the password reset flow.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: $XDG_CONFIG_HOME/pennywise/config.yaml if present)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewPurgeResetsCmd())

	return cmd
}

// loadConfig reads configuration with cmd's flags as the top layer.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if path == "" {
		path = xdg.DefaultConfigFile()
	}
	return config.Load(path, cmd.Flags())
}
