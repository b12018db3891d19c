// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/pennywise/pennywise/internal/auth"
)

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = `id, email, password_hash, refresh_token, created_at, updated_at`

// Create stores a new account.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, password_hash, refresh_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, account.ID.String(), auth.NormalizeEmail(account.Email), account.PasswordHash,
		account.RefreshToken, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.NewError(auth.KindConflict, "email", auth.NormalizeEmail(account.Email))
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NewError(auth.KindNotFound, "account_id", id.String())
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetByEmail retrieves an account by normalized email.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`,
		auth.NormalizeEmail(email))
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NewError(auth.KindNotFound)
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SetRefreshToken overwrites the refresh slot.
func (r *AccountRepository) SetRefreshToken(ctx context.Context, id ulid.ULID, token string) error {
	return r.update(ctx, "set refresh token", id, `
		UPDATE accounts SET refresh_token = $2, updated_at = NOW() WHERE id = $1
	`, id.String(), token)
}

// RotateRefreshToken swaps the refresh slot in one conditional update.
func (r *AccountRepository) RotateRefreshToken(ctx context.Context, id ulid.ULID, current, next string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET refresh_token = $3, updated_at = NOW()
		WHERE id = $1 AND refresh_token = $2
	`, id.String(), current, next)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "rotate refresh token").
			With("account_id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return auth.NewError(auth.KindRevoked, "account_id", id.String())
	}
	return nil
}

// ClearRefreshToken empties the refresh slot.
func (r *AccountRepository) ClearRefreshToken(ctx context.Context, id ulid.ULID) error {
	return r.update(ctx, "clear refresh token", id, `
		UPDATE accounts SET refresh_token = NULL, updated_at = NOW() WHERE id = $1
	`, id.String())
}

// UpdatePassword stores a new hash and empties the refresh slot.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.update(ctx, "update password", id, `
		UPDATE accounts SET password_hash = $2, refresh_token = NULL, updated_at = NOW() WHERE id = $1
	`, id.String(), passwordHash)
}

// UpgradePasswordHash stores a new hash only.
func (r *AccountRepository) UpgradePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.update(ctx, "upgrade password hash", id, `
		UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, id.String(), passwordHash)
}

// update runs a single-row UPDATE; zero affected rows means the account is gone.
func (r *AccountRepository) update(ctx context.Context, op string, id ulid.ULID, sql string, args ...any) error {
	result, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", op).
			With("account_id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return auth.NewError(auth.KindNotFound, "account_id", id.String())
	}
	return nil
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr        string
		email        string
		passwordHash string
		refreshToken *string
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := row.Scan(&idStr, &email, &passwordHash, &refreshToken, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "scan account").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}

	return &auth.Account{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		RefreshToken: refreshToken,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
