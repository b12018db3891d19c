// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package memory provides in-process implementations of the auth
// repositories for development mode and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pennywise/pennywise/internal/auth"
)

// AccountRepository is a mutex-guarded auth.AccountRepository.
type AccountRepository struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]*auth.Account
	byEmail map[string]ulid.ULID
}

// NewAccountRepository creates an empty AccountRepository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:    make(map[ulid.ULID]*auth.Account),
		byEmail: make(map[string]ulid.ULID),
	}
}

// Create stores a copy of account.
func (r *AccountRepository) Create(_ context.Context, account *auth.Account) error {
	email := auth.NormalizeEmail(account.Email)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[email]; ok {
		return auth.NewError(auth.KindConflict, "email", email)
	}
	stored := cloneAccount(account)
	stored.Email = email
	r.byID[account.ID] = stored
	r.byEmail[email] = account.ID
	return nil
}

// GetByID returns a copy of the account with id.
func (r *AccountRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, auth.NewError(auth.KindNotFound, "account_id", id.String())
	}
	return cloneAccount(a), nil
}

// GetByEmail returns a copy of the account registered under email.
func (r *AccountRepository) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.NewError(auth.KindNotFound)
	}
	return cloneAccount(r.byID[id]), nil
}

// SetRefreshToken overwrites the refresh slot.
func (r *AccountRepository) SetRefreshToken(_ context.Context, id ulid.ULID, token string) error {
	return r.mutate(id, func(a *auth.Account) error {
		a.RefreshToken = &token
		return nil
	})
}

// RotateRefreshToken swaps the refresh slot from current to next.
func (r *AccountRepository) RotateRefreshToken(_ context.Context, id ulid.ULID, current, next string) error {
	err := r.mutate(id, func(a *auth.Account) error {
		if a.RefreshToken == nil || *a.RefreshToken != current {
			return auth.NewError(auth.KindRevoked, "account_id", id.String())
		}
		a.RefreshToken = &next
		return nil
	})
	if auth.KindOf(err) == auth.KindNotFound {
		return auth.NewError(auth.KindRevoked, "account_id", id.String())
	}
	return err
}

// ClearRefreshToken empties the refresh slot.
func (r *AccountRepository) ClearRefreshToken(_ context.Context, id ulid.ULID) error {
	return r.mutate(id, func(a *auth.Account) error {
		a.RefreshToken = nil
		return nil
	})
}

// UpdatePassword replaces the hash and empties the refresh slot.
func (r *AccountRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	return r.mutate(id, func(a *auth.Account) error {
		a.PasswordHash = passwordHash
		a.RefreshToken = nil
		return nil
	})
}

// UpgradePasswordHash replaces the hash only.
func (r *AccountRepository) UpgradePasswordHash(_ context.Context, id ulid.ULID, passwordHash string) error {
	return r.mutate(id, func(a *auth.Account) error {
		a.PasswordHash = passwordHash
		return nil
	})
}

func (r *AccountRepository) mutate(id ulid.ULID, fn func(*auth.Account) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return auth.NewError(auth.KindNotFound, "account_id", id.String())
	}
	if err := fn(a); err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneAccount(a *auth.Account) *auth.Account {
	c := *a
	if a.RefreshToken != nil {
		t := *a.RefreshToken
		c.RefreshToken = &t
	}
	return &c
}

// ResetTokenRepository is a mutex-guarded auth.ResetTokenRepository.
type ResetTokenRepository struct {
	mu     sync.Mutex
	byHash map[string]*auth.ResetToken
	latest map[ulid.ULID]string
}

// NewResetTokenRepository creates an empty ResetTokenRepository.
func NewResetTokenRepository() *ResetTokenRepository {
	return &ResetTokenRepository{
		byHash: make(map[string]*auth.ResetToken),
		latest: make(map[ulid.ULID]string),
	}
}

// Issue supersedes the account's unused tokens and stores token.
func (r *ResetTokenRepository) Issue(_ context.Context, token *auth.ResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHash[token.TokenHash]; ok {
		return auth.NewError(auth.KindConflict, "reset_id", token.ID.String())
	}
	for _, t := range r.byHash {
		if t.AccountID == token.AccountID {
			t.Used = true
		}
	}
	stored := *token
	r.byHash[token.TokenHash] = &stored
	r.latest[token.AccountID] = token.TokenHash
	return nil
}

// GetByHash returns a copy of the record for tokenHash.
func (r *ResetTokenRepository) GetByHash(_ context.Context, tokenHash string) (*auth.ResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[tokenHash]
	if !ok {
		return nil, auth.NewError(auth.KindNotFound)
	}
	c := *t
	return &c, nil
}

// Consume flips the used flag of a valid token.
func (r *ResetTokenRepository) Consume(_ context.Context, tokenHash string, now time.Time) (ulid.ULID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[tokenHash]
	if !ok || !t.ValidAt(now) {
		return ulid.ULID{}, auth.NewError(auth.KindInvalidOrExpired)
	}
	t.Used = true
	return t.AccountID, nil
}

// Release clears the used flag of tokenHash if it is still the account's
// latest token.
func (r *ResetTokenRepository) Release(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[tokenHash]
	if !ok || r.latest[t.AccountID] != tokenHash {
		return nil
	}
	t.Used = false
	return nil
}

// DeleteExpired removes records that expired before cutoff.
func (r *ResetTokenRepository) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for h, t := range r.byHash {
		if t.ExpiresAt.Before(cutoff) {
			delete(r.byHash, h)
			if r.latest[t.AccountID] == h {
				delete(r.latest, t.AccountID)
			}
			n++
		}
	}
	return n, nil
}

// Compile-time interface checks.
var (
	_ auth.AccountRepository    = (*AccountRepository)(nil)
	_ auth.ResetTokenRepository = (*ResetTokenRepository)(nil)
)
