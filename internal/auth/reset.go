// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reset token configuration.
const (
	ResetTokenBytes  = 32        // 32 bytes = 64 hex chars
	ResetTokenExpiry = time.Hour // 1 hour expiry
)

// ResetToken is a stored password reset record. Only the SHA-256 digest of
// the token is kept; the plaintext is handed to the caller once.
type ResetToken struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// ValidAt reports whether the token can be consumed at now.
func (r *ResetToken) ValidAt(now time.Time) bool {
	return !r.Used && now.Before(r.ExpiresAt)
}

// NewResetToken creates a ResetToken record for an already-hashed token.
func NewResetToken(accountID ulid.ULID, tokenHash string, expiresAt time.Time) (*ResetToken, error) {
	if accountID.IsZero() {
		return nil, oops.Code("RESET_INVALID_ACCOUNT").Errorf("account id cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	return &ResetToken{
		ID:        ulid.Make(),
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// GenerateResetToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
func GenerateResetToken() (token, hash string, err error) {
	tokenBytes := make([]byte, ResetTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	token = hex.EncodeToString(tokenBytes)
	return token, HashResetToken(token), nil
}

// HashResetToken computes the hex SHA-256 digest stored for a token.
func HashResetToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ResetTokenRepository persists reset tokens.
type ResetTokenRepository interface {
	// Issue marks every unused token of the record's account as used and
	// stores the new record, atomically.
	Issue(ctx context.Context, token *ResetToken) error

	// GetByHash returns the record for a token digest, or ErrNotFound.
	GetByHash(ctx context.Context, tokenHash string) (*ResetToken, error)

	// Consume marks the token used if it is unused and unexpired at now and
	// returns the owning account. Any other state yields ErrInvalidOrExpired.
	Consume(ctx context.Context, tokenHash string, now time.Time) (ulid.ULID, error)

	// Release undoes a Consume whose password update failed, making the
	// token usable again. A token superseded since, or no longer stored,
	// is left alone and Release returns nil.
	Release(ctx context.Context, tokenHash string) error

	// DeleteExpired removes records that expired before cutoff and returns
	// the number removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ResetRedeemer is implemented by stores that hold both accounts and reset
// tokens and can consume a token and set the new password hash in one
// transaction. It returns ErrInvalidOrExpired under the same conditions as
// Consume.
type ResetRedeemer interface {
	Redeem(ctx context.Context, tokenHash string, now time.Time, passwordHash string) (ulid.ULID, error)
}
