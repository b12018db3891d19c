// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SessionService implements registration, login, refresh-token rotation
// and logout over a single refresh slot per account.
type SessionService struct {
	accounts AccountRepository
	hasher   PasswordHasher
	codec    *TokenCodec
	opts     serviceOptions

	// dummyHash is verified against when the email is unknown so that both
	// failure paths do the same amount of work.
	dummyHash string
}

// NewSessionService creates a SessionService.
func NewSessionService(accounts AccountRepository, hasher PasswordHasher, codec *TokenCodec, opts ...Option) (*SessionService, error) {
	if accounts == nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").Errorf("account repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if codec == nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").Errorf("token codec is required")
	}

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").Wrap(err)
	}
	dummy, err := hasher.Hash(hex.EncodeToString(seed))
	if err != nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").
			With("operation", "hash dummy password").
			Wrap(err)
	}

	return &SessionService{
		accounts:  accounts,
		hasher:    hasher,
		codec:     codec,
		opts:      applyOptions(opts),
		dummyHash: dummy,
	}, nil
}

// Register creates an account and starts its first session.
func (s *SessionService) Register(ctx context.Context, email, password string) (account *Account, pair TokenPair, err error) {
	ctx, span := s.start(ctx, "register")
	defer func() { s.finish(span, "register", err) }()

	email = NormalizeEmail(email)

	switch _, lookupErr := s.accounts.GetByEmail(ctx, email); {
	case lookupErr == nil:
		return nil, TokenPair{}, NewError(KindConflict, "email", email)
	case !errors.Is(lookupErr, ErrNotFound):
		return nil, TokenPair{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "get account by email").
			Wrap(lookupErr)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, TokenPair{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	account, err = NewAccount(email, hash)
	if err != nil {
		return nil, TokenPair{}, err
	}
	if err = s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, TokenPair{}, err
		}
		return nil, TokenPair{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create account").
			Wrap(err)
	}

	pair, err = s.startSession(ctx, account)
	if err != nil {
		return nil, TokenPair{}, err
	}

	s.opts.logger.InfoContext(ctx, "account registered", "account_id", account.ID.String())
	return account, pair, nil
}

// Login verifies credentials and starts a new session, replacing any
// session already active for the account.
func (s *SessionService) Login(ctx context.Context, email, password string) (account *Account, pair TokenPair, err error) {
	ctx, span := s.start(ctx, "login")
	defer func() { s.finish(span, "login", err) }()

	email = NormalizeEmail(email)

	account, lookupErr := s.accounts.GetByEmail(ctx, email)
	targetHash := s.dummyHash
	switch {
	case lookupErr == nil:
		targetHash = account.PasswordHash
	case !errors.Is(lookupErr, ErrNotFound):
		return nil, TokenPair{}, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "get account by email").
			Wrap(lookupErr)
	}

	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil && lookupErr == nil {
		return nil, TokenPair{}, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID.String()).
			Wrap(verifyErr)
	}
	if lookupErr != nil || !valid {
		s.opts.logger.InfoContext(ctx, "login rejected")
		return nil, TokenPair{}, NewError(KindInvalidCredentials)
	}

	if s.hasher.NeedsUpgrade(account.PasswordHash) {
		s.upgradeHash(ctx, account, password)
	}

	pair, err = s.startSession(ctx, account)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return account, pair, nil
}

// Refresh exchanges the account's current refresh token for a new pair.
// The presented token stops working as soon as this returns successfully.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (pair TokenPair, err error) {
	ctx, span := s.start(ctx, "refresh")
	defer func() { s.finish(span, "refresh", err) }()

	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	sub, err := claims.Identity()
	if err != nil {
		return TokenPair{}, err
	}
	span.SetAttributes(attribute.String("account_id", sub.AccountID.String()))

	account, err := s.accounts.GetByID(ctx, sub.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, NewError(KindRevoked, "account_id", sub.AccountID.String())
		}
		return TokenPair{}, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "get account by id").
			Wrap(err)
	}
	if !account.HasSession() ||
		subtle.ConstantTimeCompare([]byte(*account.RefreshToken), []byte(refreshToken)) != 1 {
		s.opts.logger.WarnContext(ctx, "superseded refresh token presented",
			"account_id", account.ID.String())
		return TokenPair{}, NewError(KindRevoked, "account_id", account.ID.String())
	}

	pair, err = s.codec.IssuePair(Subject{AccountID: account.ID, Email: account.Email})
	if err != nil {
		return TokenPair{}, err
	}
	if err = s.accounts.RotateRefreshToken(ctx, account.ID, refreshToken, pair.RefreshToken); err != nil {
		if errors.Is(err, ErrRevoked) {
			s.opts.logger.WarnContext(ctx, "refresh lost rotation race",
				"account_id", account.ID.String())
			return TokenPair{}, err
		}
		return TokenPair{}, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "rotate refresh token").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return pair, nil
}

// Logout clears the account's refresh slot. Access tokens already issued
// stay valid until they expire.
func (s *SessionService) Logout(ctx context.Context, accountID ulid.ULID) (err error) {
	ctx, span := s.start(ctx, "logout")
	defer func() { s.finish(span, "logout", err) }()
	span.SetAttributes(attribute.String("account_id", accountID.String()))

	if err = s.accounts.ClearRefreshToken(ctx, accountID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return oops.Code("AUTH_LOGOUT_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}

// ChangePassword replaces the password of an authenticated account after
// checking the current one. Every session of the account is ended.
func (s *SessionService) ChangePassword(ctx context.Context, accountID ulid.ULID, current, next string) (err error) {
	ctx, span := s.start(ctx, "change_password")
	defer func() { s.finish(span, "change_password", err) }()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "get account by id").
			Wrap(err)
	}

	valid, err := s.hasher.Verify(current, account.PasswordHash)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "verify password").
			Wrap(err)
	}
	if !valid {
		return NewError(KindInvalidCredentials)
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}
	if err = s.accounts.UpdatePassword(ctx, accountID, hash); err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "update password").
			Wrap(err)
	}

	s.opts.logger.InfoContext(ctx, "password changed", "account_id", accountID.String())
	return nil
}

// Authenticate verifies an access token. It never touches the store.
func (s *SessionService) Authenticate(accessToken string) (Subject, error) {
	claims, err := s.codec.VerifyAccess(accessToken)
	if err != nil {
		return Subject{}, err
	}
	return claims.Identity()
}

// startSession issues a pair and overwrites the refresh slot with it.
func (s *SessionService) startSession(ctx context.Context, account *Account) (TokenPair, error) {
	pair, err := s.codec.IssuePair(Subject{AccountID: account.ID, Email: account.Email})
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.accounts.SetRefreshToken(ctx, account.ID, pair.RefreshToken); err != nil {
		return TokenPair{}, oops.Code("AUTH_SESSION_FAILED").
			With("operation", "set refresh token").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	account.RefreshToken = &pair.RefreshToken
	return pair, nil
}

// upgradeHash rehashes at the current cost. Failure is logged, not returned.
func (s *SessionService) upgradeHash(ctx context.Context, account *Account, password string) {
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.accounts.UpgradePasswordHash(ctx, account.ID, hash)
	}
	if err != nil {
		s.opts.logger.WarnContext(ctx, "password hash upgrade failed",
			"account_id", account.ID.String(), "error", err)
		return
	}
	account.PasswordHash = hash
}

func (s *SessionService) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "auth.session."+op)
}

func (s *SessionService) finish(span trace.Span, op string, err error) {
	recordSpan(span, err)
	s.opts.recorder.RecordAuthOutcome(op, outcome(err))
}

func recordSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}
