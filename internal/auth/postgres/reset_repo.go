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

// ResetTokenRepository implements auth.ResetTokenRepository using PostgreSQL.
type ResetTokenRepository struct {
	pool Pool
}

// NewResetTokenRepository creates a new ResetTokenRepository.
func NewResetTokenRepository(pool Pool) *ResetTokenRepository {
	return &ResetTokenRepository{pool: pool}
}

// Issue supersedes the account's unused tokens and inserts token in one
// transaction.
func (r *ResetTokenRepository) Issue(ctx context.Context, token *auth.ResetToken) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return oops.Code("RESET_ISSUE_FAILED").
			With("operation", "begin transaction").
			Wrap(err)
	}

	if err := issueTx(ctx, tx, token); err != nil {
		_ = tx.Rollback(ctx) //nolint:errcheck // the issue error is what matters
		if errors.Is(err, auth.ErrConflict) {
			return err
		}
		return oops.Code("RESET_ISSUE_FAILED").
			With("account_id", token.AccountID.String()).
			Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("RESET_ISSUE_FAILED").
			With("operation", "commit transaction").
			With("account_id", token.AccountID.String()).
			Wrap(err)
	}
	return nil
}

func issueTx(ctx context.Context, tx pgx.Tx, token *auth.ResetToken) error {
	if _, err := tx.Exec(ctx, `
		UPDATE password_resets SET used = TRUE
		WHERE account_id = $1 AND used = FALSE
	`, token.AccountID.String()); err != nil {
		return oops.With("operation", "supersede password_resets").Wrap(err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO password_resets (id, account_id, token_hash, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID.String(), token.AccountID.String(), token.TokenHash,
		token.ExpiresAt, token.Used, token.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return auth.NewError(auth.KindConflict, "reset_id", token.ID.String())
		}
		return oops.With("operation", "insert password_reset").Wrap(err)
	}
	return nil
}

// GetByHash retrieves a reset record by its token hash.
func (r *ResetTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*auth.ResetToken, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, token_hash, expires_at, used, created_at
		FROM password_resets
		WHERE token_hash = $1
	`, tokenHash)

	reset, err := scanReset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NewError(auth.KindNotFound)
	}
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// Consume flips the used flag of an unused, unexpired token and returns
// its account. The check and the write are one statement.
func (r *ResetTokenRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (ulid.ULID, error) {
	return consumeRow(r.pool.QueryRow(ctx, consumeSQL, tokenHash, now))
}

// Redeem consumes the token and sets the owning account's password hash in
// one transaction, ending its refresh slot as UpdatePassword does. Nothing
// is written unless both statements succeed.
func (r *ResetTokenRepository) Redeem(ctx context.Context, tokenHash string, now time.Time, passwordHash string) (ulid.ULID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_REDEEM_FAILED").
			With("operation", "begin transaction").
			Wrap(err)
	}

	accountID, err := redeemTx(ctx, tx, tokenHash, now, passwordHash)
	if err != nil {
		_ = tx.Rollback(ctx) //nolint:errcheck // the redeem error is what matters
		return ulid.ULID{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ulid.ULID{}, oops.Code("RESET_REDEEM_FAILED").
			With("operation", "commit transaction").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return accountID, nil
}

func redeemTx(ctx context.Context, tx pgx.Tx, tokenHash string, now time.Time, passwordHash string) (ulid.ULID, error) {
	accountID, err := consumeRow(tx.QueryRow(ctx, consumeSQL, tokenHash, now))
	if err != nil {
		return ulid.ULID{}, err
	}
	result, err := tx.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, refresh_token = NULL, updated_at = NOW()
		WHERE id = $1
	`, accountID.String(), passwordHash)
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_REDEEM_FAILED").
			With("operation", "update account password").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return ulid.ULID{}, auth.NewError(auth.KindNotFound, "account_id", accountID.String())
	}
	return accountID, nil
}

// Release clears the used flag of tokenHash if no newer token has been
// issued to its account.
func (r *ResetTokenRepository) Release(ctx context.Context, tokenHash string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE password_resets p SET used = FALSE
		WHERE p.token_hash = $1 AND p.id = (
			SELECT n.id FROM password_resets n
			WHERE n.account_id = p.account_id
			ORDER BY n.created_at DESC, n.id DESC
			LIMIT 1
		)
	`, tokenHash)
	if err != nil {
		return oops.Code("RESET_RELEASE_FAILED").
			With("operation", "release password_reset").
			Wrap(err)
	}
	return nil
}

const consumeSQL = `
		UPDATE password_resets SET used = TRUE
		WHERE token_hash = $1 AND used = FALSE AND expires_at > $2
		RETURNING account_id
	`

func consumeRow(row pgx.Row) (ulid.ULID, error) {
	var accountIDStr string
	err := row.Scan(&accountIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, auth.NewError(auth.KindInvalidOrExpired)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "consume password_reset").
			Wrap(err)
	}

	accountID, err := ulid.Parse(accountIDStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_INVALID_ACCOUNT_ID").
			With("account_id", accountIDStr).
			Wrap(err)
	}
	return accountID, nil
}

// DeleteExpired removes records that expired before cutoff.
func (r *ResetTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM password_resets WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, oops.Code("RESET_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired password_resets").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanReset scans a single row into a ResetToken.
// Callers are responsible for handling pgx.ErrNoRows.
func scanReset(row pgx.Row) (*auth.ResetToken, error) {
	var (
		idStr        string
		accountIDStr string
		tokenHash    string
		expiresAt    time.Time
		used         bool
		createdAt    time.Time
	)

	err := row.Scan(&idStr, &accountIDStr, &tokenHash, &expiresAt, &used, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("RESET_SCAN_FAILED").
			With("operation", "scan password_reset").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ID").
			With("operation", "parse reset id").
			With("id", idStr).
			Wrap(err)
	}
	accountID, err := ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ACCOUNT_ID").
			With("operation", "parse account id").
			With("account_id", accountIDStr).
			Wrap(err)
	}

	return &auth.ResetToken{
		ID:        id,
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		Used:      used,
		CreatedAt: createdAt,
	}, nil
}

// Compile-time interface checks.
var (
	_ auth.ResetTokenRepository = (*ResetTokenRepository)(nil)
	_ auth.ResetRedeemer        = (*ResetTokenRepository)(nil)
)
