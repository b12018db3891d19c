// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package xdg locates Pennywise files under the XDG Base Directory layout.
package xdg

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

const appName = "pennywise"

// ConfigFileName is the file DefaultConfigFile looks for.
const ConfigFileName = "config.yaml"

// ConfigDir returns the XDG config directory for pennywise.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// DefaultConfigFile returns ConfigDir()/config.yaml if it exists and is a
// regular file, or "" otherwise.
func DefaultConfigFile() string {
	path := filepath.Join(ConfigDir(), ConfigFileName)
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return path
		}
		return ""
	}
	if !info.Mode().IsRegular() {
		return ""
	}
	return path
}
