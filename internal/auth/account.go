// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Account is a credential record. RefreshToken holds the single live
// refresh token for the account, or nil when no session is active.
type Account struct {
	ID           ulid.ULID
	Email        string
	PasswordHash string
	RefreshToken *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasSession reports whether the account's refresh slot is populated.
func (a *Account) HasSession() bool {
	return a.RefreshToken != nil
}

// NormalizeEmail trims surrounding whitespace and lowercases email.
// Every lookup and insert goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewAccount creates an Account with a fresh ID and a normalized email.
func NewAccount(email, passwordHash string) (*Account, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, oops.Code("ACCOUNT_INVALID_EMAIL").Errorf("email cannot be empty")
	}
	if passwordHash == "" {
		return nil, oops.Code("ACCOUNT_INVALID_PASSWORD_HASH").Errorf("password hash cannot be empty")
	}
	now := time.Now().UTC()
	return &Account{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// AccountRepository persists accounts and their refresh slot.
//
// Implementations must return errors wrapping ErrNotFound for missing
// accounts and ErrConflict for duplicate emails.
type AccountRepository interface {
	// Create stores a new account. Fails with ErrConflict when the email is taken.
	Create(ctx context.Context, account *Account) error

	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByEmail looks up an account by its normalized email, including the
	// password hash.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// SetRefreshToken overwrites the refresh slot unconditionally.
	SetRefreshToken(ctx context.Context, id ulid.ULID, token string) error

	// RotateRefreshToken replaces the refresh slot with next only if it
	// currently holds current. It fails with ErrRevoked when no row matched.
	RotateRefreshToken(ctx context.Context, id ulid.ULID, current, next string) error

	// ClearRefreshToken empties the refresh slot. Clearing an empty slot is
	// not an error.
	ClearRefreshToken(ctx context.Context, id ulid.ULID) error

	// UpdatePassword stores a new password hash and empties the refresh slot
	// in the same write.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// UpgradePasswordHash replaces the password hash without touching the
	// refresh slot.
	UpgradePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error
}
