// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/auth/memory"
	"github.com/pennywise/pennywise/internal/auth/mocks"
	"github.com/pennywise/pennywise/pkg/errutil"
)

const testPassword = "P@ssw0rd1"

func TestNewSessionService_NilDependencies(t *testing.T) {
	hasher := newTestHasher(t)
	codec := newTestCodec(t, nil)
	accounts := memory.NewAccountRepository()

	tests := []struct {
		name        string
		accounts    auth.AccountRepository
		hasher      auth.PasswordHasher
		codec       *auth.TokenCodec
		expectError string
	}{
		{"nil account repository", nil, hasher, codec, "account repository is required"},
		{"nil password hasher", accounts, nil, codec, "password hasher is required"},
		{"nil token codec", accounts, hasher, nil, "token codec is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := auth.NewSessionService(tt.accounts, tt.hasher, tt.codec)
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestSessionService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates account with usable pair", func(t *testing.T) {
		f := newFixture(t)
		account, pair, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", account.Email)
		require.NotNil(t, account.RefreshToken)
		assert.Equal(t, pair.RefreshToken, *account.RefreshToken)

		sub, err := f.sessions.Authenticate(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, account.ID, sub.AccountID)

		_, err = f.sessions.Refresh(ctx, pair.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		_, _, err = f.sessions.Register(ctx, "a@x.com", "other")
		require.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrConflict)
		errutil.AssertErrorCode(t, err, string(auth.KindConflict))
	})

	t.Run("duplicate email differing only in case conflicts", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		_, _, err = f.sessions.Register(ctx, "  A@X.Com ", testPassword)
		assert.Equal(t, auth.KindConflict, auth.KindOf(err))
	})

	t.Run("stores a bcrypt hash, never the password", func(t *testing.T) {
		f := newFixture(t)
		account, _, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		stored, err := f.accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.NotEqual(t, testPassword, stored.PasswordHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(testPassword)))
	})

	t.Run("create conflict after lookup is still a conflict", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		svc, err := auth.NewSessionService(repo, newTestHasher(t), newTestCodec(t, nil))
		require.NoError(t, err)

		repo.On("GetByEmail", mock.Anything, "a@x.com").Return(nil, auth.NewError(auth.KindNotFound))
		repo.On("Create", mock.Anything, mock.AnythingOfType("*auth.Account")).Return(auth.NewError(auth.KindConflict))

		_, _, err = svc.Register(ctx, "a@x.com", testPassword)
		assert.Equal(t, auth.KindConflict, auth.KindOf(err))
	})

	t.Run("store failure is internal", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		svc, err := auth.NewSessionService(repo, newTestHasher(t), newTestCodec(t, nil))
		require.NoError(t, err)

		repo.On("GetByEmail", mock.Anything, "a@x.com").Return(nil, errors.New("connection refused"))

		_, _, err = svc.Register(ctx, "a@x.com", testPassword)
		require.Error(t, err)
		assert.Equal(t, auth.KindInternal, auth.KindOf(err))
		errutil.AssertErrorCode(t, err, "AUTH_REGISTER_FAILED")
	})
}

func TestSessionService_Login(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	registered, _, err := f.sessions.Register(ctx, "a@x.com", testPassword)
	require.NoError(t, err)

	t.Run("correct password succeeds", func(t *testing.T) {
		account, pair, err := f.sessions.Login(ctx, "a@x.com", testPassword)
		require.NoError(t, err)
		assert.Equal(t, registered.ID, account.ID)
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)
	})

	t.Run("mixed case email resolves to the same account", func(t *testing.T) {
		account, _, err := f.sessions.Login(ctx, "A@X.COM", testPassword)
		require.NoError(t, err)
		assert.Equal(t, registered.ID, account.ID)
	})

	t.Run("wrong password and unknown email fail identically", func(t *testing.T) {
		_, _, wrongPw := f.sessions.Login(ctx, "a@x.com", "wrong")
		_, _, unknown := f.sessions.Login(ctx, "nouser@x.com", "anything")

		require.Error(t, wrongPw)
		require.Error(t, unknown)
		assert.ErrorIs(t, wrongPw, auth.ErrInvalidCredentials)
		assert.ErrorIs(t, unknown, auth.ErrInvalidCredentials)
		assert.NotErrorIs(t, unknown, auth.ErrNotFound)
		assert.Equal(t, wrongPw.Error(), unknown.Error())
	})

	t.Run("second login supersedes the first session", func(t *testing.T) {
		_, first, err := f.sessions.Login(ctx, "a@x.com", testPassword)
		require.NoError(t, err)
		_, second, err := f.sessions.Login(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		_, err = f.sessions.Refresh(ctx, first.RefreshToken)
		assert.Equal(t, auth.KindRevoked, auth.KindOf(err))

		_, err = f.sessions.Refresh(ctx, second.RefreshToken)
		assert.NoError(t, err)
	})

	t.Run("store failure is not reported as bad credentials", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		svc, err := auth.NewSessionService(repo, newTestHasher(t), newTestCodec(t, nil))
		require.NoError(t, err)
		repo.On("GetByEmail", mock.Anything, "a@x.com").Return(nil, errors.New("timeout"))

		_, _, err = svc.Login(ctx, "a@x.com", testPassword)
		require.Error(t, err)
		assert.Equal(t, auth.KindInternal, auth.KindOf(err))
		errutil.AssertErrorCode(t, err, "AUTH_LOGIN_FAILED")
	})
}

func TestSessionService_LoginUpgradesWeakHash(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccountRepository()
	weak := newTestHasher(t)
	hash, err := weak.Hash(testPassword)
	require.NoError(t, err)
	account, err := auth.NewAccount("a@x.com", hash)
	require.NoError(t, err)
	require.NoError(t, accounts.Create(ctx, account))

	strong, err := auth.NewBcryptHasher(bcrypt.MinCost + 1)
	require.NoError(t, err)
	svc, err := auth.NewSessionService(accounts, strong, newTestCodec(t, nil))
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "a@x.com", testPassword)
	require.NoError(t, err)

	stored, err := accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(stored.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)
}

func TestSessionService_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("rotation on use", func(t *testing.T) {
		f := newFixture(t)
		_, r1, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		r2, err := f.sessions.Refresh(ctx, r1.RefreshToken)
		require.NoError(t, err)
		assert.NotEqual(t, r1.RefreshToken, r2.RefreshToken)

		_, err = f.sessions.Refresh(ctx, r1.RefreshToken)
		require.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrRevoked)

		_, err = f.sessions.Refresh(ctx, r2.RefreshToken)
		assert.NoError(t, err)
	})

	t.Run("logout revokes", func(t *testing.T) {
		f := newFixture(t)
		account, r1, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)
		r2, err := f.sessions.Refresh(ctx, r1.RefreshToken)
		require.NoError(t, err)

		require.NoError(t, f.sessions.Logout(ctx, account.ID))

		_, err = f.sessions.Refresh(ctx, r2.RefreshToken)
		assert.Equal(t, auth.KindRevoked, auth.KindOf(err))
	})

	t.Run("access token is rejected as malformed", func(t *testing.T) {
		f := newFixture(t)
		_, pair, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		_, err = f.sessions.Refresh(ctx, pair.AccessToken)
		assert.Equal(t, auth.KindMalformed, auth.KindOf(err))
	})

	t.Run("expired refresh token", func(t *testing.T) {
		f := newFixture(t)
		_, pair, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		f.clock.Advance(auth.DefaultRefreshTTL + 1)
		_, err = f.sessions.Refresh(ctx, pair.RefreshToken)
		assert.Equal(t, auth.KindExpired, auth.KindOf(err))
	})

	t.Run("concurrent refresh with the same token has exactly one winner", func(t *testing.T) {
		f := newFixture(t)
		_, pair, err := f.sessions.Register(ctx, "a@x.com", testPassword)
		require.NoError(t, err)

		const callers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []auth.TokenPair
			revoked int
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next, err := f.sessions.Refresh(ctx, pair.RefreshToken)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners = append(winners, next)
					return
				}
				if auth.KindOf(err) == auth.KindRevoked {
					revoked++
				}
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		assert.Equal(t, callers-1, revoked)

		_, err = f.sessions.Refresh(ctx, winners[0].RefreshToken)
		assert.NoError(t, err, "winner's token must be the live one")
	})

	t.Run("lost rotation race surfaces as revoked", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		codec := newTestCodec(t, nil)
		svc, err := auth.NewSessionService(repo, newTestHasher(t), codec)
		require.NoError(t, err)

		id := ulid.Make()
		token, err := codec.IssueRefresh(auth.Subject{AccountID: id, Email: "a@x.com"})
		require.NoError(t, err)
		repo.On("GetByID", mock.Anything, id).Return(&auth.Account{ID: id, Email: "a@x.com", RefreshToken: &token}, nil)
		repo.On("RotateRefreshToken", mock.Anything, id, token, mock.AnythingOfType("string")).
			Return(auth.NewError(auth.KindRevoked))

		_, err = svc.Refresh(ctx, token)
		assert.Equal(t, auth.KindRevoked, auth.KindOf(err))
	})

	t.Run("deleted account is revoked", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		codec := newTestCodec(t, nil)
		svc, err := auth.NewSessionService(repo, newTestHasher(t), codec)
		require.NoError(t, err)

		id := ulid.Make()
		token, err := codec.IssueRefresh(auth.Subject{AccountID: id, Email: "a@x.com"})
		require.NoError(t, err)
		repo.On("GetByID", mock.Anything, id).Return(nil, auth.NewError(auth.KindNotFound))

		_, err = svc.Refresh(ctx, token)
		assert.Equal(t, auth.KindRevoked, auth.KindOf(err))
	})
}

func TestSessionService_Logout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	account, _, err := f.sessions.Register(ctx, "a@x.com", testPassword)
	require.NoError(t, err)

	require.NoError(t, f.sessions.Logout(ctx, account.ID))
	require.NoError(t, f.sessions.Logout(ctx, account.ID), "logout is idempotent")

	stored, err := f.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasSession())

	err = f.sessions.Logout(ctx, ulid.Make())
	assert.Equal(t, auth.KindNotFound, auth.KindOf(err))
}

func TestSessionService_ChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	account, pair, err := f.sessions.Register(ctx, "a@x.com", testPassword)
	require.NoError(t, err)

	err = f.sessions.ChangePassword(ctx, account.ID, "wrong", "NewPass1")
	assert.Equal(t, auth.KindInvalidCredentials, auth.KindOf(err))

	require.NoError(t, f.sessions.ChangePassword(ctx, account.ID, testPassword, "NewPass1"))

	_, err = f.sessions.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, auth.KindRevoked, auth.KindOf(err))

	_, _, err = f.sessions.Login(ctx, "a@x.com", testPassword)
	assert.Equal(t, auth.KindInvalidCredentials, auth.KindOf(err))
	_, _, err = f.sessions.Login(ctx, "a@x.com", "NewPass1")
	assert.NoError(t, err)
}

type recordingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRecorder) RecordAuthOutcome(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, operation+":"+outcome)
}

func TestSessionService_RecordsOutcomesAndNeverLogsSecrets(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rec := &recordingRecorder{}

	svc, err := auth.NewSessionService(memory.NewAccountRepository(), newTestHasher(t), newTestCodec(t, nil),
		auth.WithLogger(logger), auth.WithRecorder(rec))
	require.NoError(t, err)

	_, pair, err := svc.Register(ctx, "a@x.com", testPassword)
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "a@x.com", "wrong")
	require.Error(t, err)

	assert.Equal(t, []string{"register:ok", "login:" + string(auth.KindInvalidCredentials)}, rec.calls)
	assert.NotContains(t, buf.String(), testPassword)
	assert.NotContains(t, buf.String(), pair.RefreshToken)
	assert.Contains(t, buf.String(), "account registered")
}
