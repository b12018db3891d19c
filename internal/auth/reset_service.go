// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"
)

// PasswordResetService runs the out-of-band password reset flow.
type PasswordResetService struct {
	accounts AccountRepository
	resets   ResetTokenRepository
	hasher   PasswordHasher
	ttl      time.Duration
	opts     serviceOptions
}

// NewPasswordResetService creates a PasswordResetService. A non-positive
// ttl selects ResetTokenExpiry.
func NewPasswordResetService(
	accounts AccountRepository,
	resets ResetTokenRepository,
	hasher PasswordHasher,
	ttl time.Duration,
	opts ...Option,
) (*PasswordResetService, error) {
	if accounts == nil || resets == nil || hasher == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("accounts, resets and hasher are required")
	}
	if ttl <= 0 {
		ttl = ResetTokenExpiry
	}
	return &PasswordResetService{
		accounts: accounts,
		resets:   resets,
		hasher:   hasher,
		ttl:      ttl,
		opts:     applyOptions(opts),
	}, nil
}

// RequestReset issues a reset token for the account registered under email
// and supersedes any earlier unused token. The plaintext token is returned
// for delivery and is not stored.
//
// An unknown email fails with ErrNotFound. Callers facing the outside world
// must answer it exactly as they answer success.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) (token string, record *ResetToken, err error) {
	ctx, span := tracer.Start(ctx, "auth.reset.request")
	defer func() { s.finish(span, "reset_request", err) }()

	email = NormalizeEmail(email)
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.decoyIssue(ctx)
			return "", nil, err
		}
		return "", nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "get account by email").
			Wrap(err)
	}

	token, hash, err := GenerateResetToken()
	if err != nil {
		return "", nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate token").
			Wrap(err)
	}

	record, err = NewResetToken(account.ID, hash, s.opts.now().Add(s.ttl))
	if err != nil {
		return "", nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "new reset token").
			Wrap(err)
	}
	if err = s.resets.Issue(ctx, record); err != nil {
		return "", nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "issue reset token").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	s.opts.logger.InfoContext(ctx, "password reset issued",
		"account_id", account.ID.String(),
		"expires_at", record.ExpiresAt)
	return token, record, nil
}

// decoyIssue generates a token and makes one store round trip for it, so an
// unknown email costs about what issuing does.
func (s *PasswordResetService) decoyIssue(ctx context.Context) {
	_, hash, err := GenerateResetToken()
	if err != nil {
		return
	}
	_, _ = s.resets.GetByHash(ctx, hash)
}

// ConsumeReset sets a new password using a reset token, marks the token
// used and ends every session of the account. Every token problem is
// reported as ErrInvalidOrExpired.
func (s *PasswordResetService) ConsumeReset(ctx context.Context, token, newPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.reset.consume")
	defer func() { s.finish(span, "reset_consume", err) }()

	if token == "" {
		return NewError(KindInvalidOrExpired)
	}
	hash := HashResetToken(token)
	now := s.opts.now()

	record, err := s.resets.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewError(KindInvalidOrExpired)
		}
		return oops.Code("RESET_CONSUME_FAILED").
			With("operation", "get reset token").
			Wrap(err)
	}
	if !record.ValidAt(now) {
		return NewError(KindInvalidOrExpired)
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_CONSUME_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	accountID, err := s.redeem(ctx, hash, now, passwordHash)
	if err != nil {
		return err
	}

	s.opts.logger.InfoContext(ctx, "password reset completed", "account_id", accountID.String())
	return nil
}

// redeem consumes the token and stores passwordHash. Without a
// transactional redeemer a failed password update releases the token so
// the caller can retry with it.
func (s *PasswordResetService) redeem(ctx context.Context, hash string, now time.Time, passwordHash string) (ulid.ULID, error) {
	if s.opts.redeemer != nil {
		accountID, err := s.opts.redeemer.Redeem(ctx, hash, now, passwordHash)
		if err != nil {
			if errors.Is(err, ErrInvalidOrExpired) {
				return ulid.ULID{}, err
			}
			return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
				With("operation", "redeem reset token").
				Wrap(err)
		}
		return accountID, nil
	}

	accountID, err := s.resets.Consume(ctx, hash, now)
	if err != nil {
		if errors.Is(err, ErrInvalidOrExpired) {
			return ulid.ULID{}, err
		}
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "consume reset token").
			Wrap(err)
	}

	if err = s.accounts.UpdatePassword(ctx, accountID, passwordHash); err != nil {
		if relErr := s.resets.Release(context.WithoutCancel(ctx), hash); relErr != nil {
			s.opts.logger.ErrorContext(ctx, "release reset token after failed update",
				"account_id", accountID.String(),
				"error", relErr)
		}
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "update password").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return accountID, nil
}

// PurgeExpired deletes reset records that expired before now. Validity is
// never decided by absence, so this only reclaims space.
func (s *PasswordResetService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.resets.DeleteExpired(ctx, s.opts.now())
	if err != nil {
		return 0, oops.Code("RESET_PURGE_FAILED").Wrap(err)
	}
	return n, nil
}

func (s *PasswordResetService) finish(span trace.Span, op string, err error) {
	recordSpan(span, err)
	s.opts.recorder.RecordAuthOutcome(op, outcome(err))
}
