// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/auth/memory"
)

func newTestHasher(t *testing.T) *auth.BcryptHasher {
	t.Helper()
	h, err := auth.NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func newTestCodec(t *testing.T, now func() time.Time) *auth.TokenCodec {
	t.Helper()
	codec, err := auth.NewTokenCodec(auth.TokenConfig{
		AccessSecret:  []byte("access-secret-for-tests"),
		RefreshSecret: []byte("refresh-secret-for-tests"),
		AccessTTL:     auth.DefaultAccessTTL,
		RefreshTTL:    auth.DefaultRefreshTTL,
		Issuer:        "pennywise-test",
		Now:           now,
	})
	require.NoError(t, err)
	return codec
}

type fixture struct {
	accounts *memory.AccountRepository
	resets   *memory.ResetTokenRepository
	sessions *auth.SessionService
	reset    *auth.PasswordResetService
	clock    *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Now().UTC()}
	accounts := memory.NewAccountRepository()
	resets := memory.NewResetTokenRepository()
	hasher := newTestHasher(t)

	sessions, err := auth.NewSessionService(accounts, hasher, newTestCodec(t, clock.Now))
	require.NoError(t, err)
	reset, err := auth.NewPasswordResetService(accounts, resets, hasher, 0, auth.WithClock(clock.Now))
	require.NoError(t, err)

	return &fixture{
		accounts: accounts,
		resets:   resets,
		sessions: sessions,
		reset:    reset,
		clock:    clock,
	}
}

// flakyAccounts fails the next failUpdates password updates.
type flakyAccounts struct {
	*memory.AccountRepository
	failUpdates int
}

func (a *flakyAccounts) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	if a.failUpdates > 0 {
		a.failUpdates--
		return errors.New("connection reset")
	}
	return a.AccountRepository.UpdatePassword(ctx, id, passwordHash)
}

type stubRedeemer struct {
	accountID       ulid.ULID
	err             error
	gotHash         string
	gotPasswordHash string
}

func (r *stubRedeemer) Redeem(_ context.Context, tokenHash string, _ time.Time, passwordHash string) (ulid.ULID, error) {
	r.gotHash = tokenHash
	r.gotPasswordHash = passwordHash
	return r.accountID, r.err
}
