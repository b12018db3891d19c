// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package auth implements credential and session lifecycle for Pennywise.
//
// # Domain Types
//
//   - Account - credential record with a single refresh-token slot
//   - ResetToken - hashed, single-use, time-boxed password reset record
//   - TokenPair - signed access and refresh tokens issued together
//
// # Services
//
//   - SessionService - register, login, refresh rotation, logout, password change
//   - PasswordResetService - reset request and consumption
//
// Both services are built from an AccountRepository, a PasswordHasher and,
// for sessions, a TokenCodec. Failures carry a Kind; use KindOf to classify
// them.
package auth
