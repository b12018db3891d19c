// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package redisstore provides a Redis implementation of
// auth.ResetTokenRepository. Records expire from Redis on their own some
// time after their logical expiry; validity is still decided by the stored
// fields.
package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/pennywise/pennywise/internal/auth"
)

// DefaultRetention is how long a record outlives its expiry before Redis
// evicts it.
const DefaultRetention = 24 * time.Hour

const maxTxRetries = 4

const (
	fieldID        = "id"
	fieldAccountID = "account_id"
	fieldExpiresAt = "expires_at"
	fieldUsed      = "used"
	fieldCreatedAt = "created_at"
)

// ResetTokenRepository stores reset tokens as Redis hashes keyed by token
// digest, with a per-account set of digests for supersession.
type ResetTokenRepository struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewResetTokenRepository creates a repository using keys under prefix.
func NewResetTokenRepository(rdb redis.UniversalClient, prefix string, retention time.Duration) *ResetTokenRepository {
	if prefix == "" {
		prefix = "pwreset"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &ResetTokenRepository{rdb: rdb, prefix: prefix, retention: retention}
}

func (r *ResetTokenRepository) tokenKey(hash string) string {
	return r.prefix + ":token:" + hash
}

func (r *ResetTokenRepository) accountKey(id ulid.ULID) string {
	return r.prefix + ":account:" + id.String()
}

func (r *ResetTokenRepository) latestKey(id ulid.ULID) string {
	return r.prefix + ":latest:" + id.String()
}

// Issue marks the account's unused tokens used and stores token, retrying
// if a watched key changes underneath. Every member token key is watched,
// and every write to one re-arms its eviction, so a member expiring
// mid-transaction is never left behind without a TTL.
func (r *ResetTokenRepository) Issue(ctx context.Context, token *auth.ResetToken) error {
	accountKey := r.accountKey(token.AccountID)
	latestKey := r.latestKey(token.AccountID)
	key := r.tokenKey(token.TokenHash)
	evictAt := token.ExpiresAt.Add(r.retention)

	for range maxTxRetries {
		members, err := r.rdb.SMembers(ctx, accountKey).Result()
		if err != nil {
			return oops.Code("RESET_ISSUE_FAILED").
				With("account_id", token.AccountID.String()).
				Wrap(err)
		}
		watched := make([]string, 0, len(members)+3)
		watched = append(watched, accountKey, latestKey, key)
		for _, h := range members {
			watched = append(watched, r.tokenKey(h))
		}

		err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return auth.NewError(auth.KindConflict, "reset_id", token.ID.String())
			}

			current, err := tx.SMembers(ctx, accountKey).Result()
			if err != nil {
				return err
			}
			if !sameMembers(members, current) {
				return redis.TxFailedErr
			}
			live := make(map[string]time.Time, len(members))
			var stale []string
			for _, h := range members {
				raw, err := tx.HGet(ctx, r.tokenKey(h), fieldExpiresAt).Result()
				if errors.Is(err, redis.Nil) {
					stale = append(stale, h)
					continue
				}
				if err != nil {
					return err
				}
				expiresAt, err := parseUnixNano(raw)
				if err != nil {
					stale = append(stale, h)
					continue
				}
				live[h] = expiresAt.Add(r.retention)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for h, at := range live {
					pipe.HSet(ctx, r.tokenKey(h), fieldUsed, "1")
					pipe.ExpireAt(ctx, r.tokenKey(h), at)
				}
				if len(stale) > 0 {
					for _, h := range stale {
						pipe.Del(ctx, r.tokenKey(h))
					}
					pipe.SRem(ctx, accountKey, toAny(stale)...)
				}
				pipe.HSet(ctx, key, encode(token))
				pipe.ExpireAt(ctx, key, evictAt)
				pipe.SAdd(ctx, accountKey, token.TokenHash)
				pipe.ExpireAt(ctx, accountKey, evictAt)
				pipe.Set(ctx, latestKey, token.TokenHash, 0)
				pipe.ExpireAt(ctx, latestKey, evictAt)
				return nil
			})
			return err
		}, watched...)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, auth.ErrConflict) {
				return err
			}
			return oops.Code("RESET_ISSUE_FAILED").
				With("account_id", token.AccountID.String()).
				Wrap(err)
		}
		return nil
	}
	return oops.Code("RESET_ISSUE_FAILED").
		With("account_id", token.AccountID.String()).
		Errorf("too much contention on reset tokens")
}

// GetByHash loads the record for tokenHash.
func (r *ResetTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*auth.ResetToken, error) {
	fields, err := r.rdb.HGetAll(ctx, r.tokenKey(tokenHash)).Result()
	if err != nil {
		return nil, oops.Code("RESET_GET_FAILED").Wrap(err)
	}
	if !complete(fields) {
		return nil, auth.NewError(auth.KindNotFound)
	}
	return decode(tokenHash, fields)
}

// Consume flips the used flag of a valid token under WATCH.
func (r *ResetTokenRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (ulid.ULID, error) {
	key := r.tokenKey(tokenHash)

	for range maxTxRetries {
		var accountID ulid.ULID
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if !complete(fields) {
				return auth.NewError(auth.KindInvalidOrExpired)
			}
			record, err := decode(tokenHash, fields)
			if err != nil {
				return err
			}
			if !record.ValidAt(now) {
				return auth.NewError(auth.KindInvalidOrExpired)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fieldUsed, "1")
				pipe.ExpireAt(ctx, key, record.ExpiresAt.Add(r.retention))
				return nil
			})
			if err != nil {
				return err
			}
			accountID = record.AccountID
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, auth.ErrInvalidOrExpired) {
				return ulid.ULID{}, err
			}
			return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").Wrap(err)
		}
		return accountID, nil
	}
	// Every retry lost to a concurrent writer, which can only have been a
	// consume or a supersession.
	return ulid.ULID{}, auth.NewError(auth.KindInvalidOrExpired)
}

// Release clears the used flag of tokenHash if it is still the latest
// token issued to its account.
func (r *ResetTokenRepository) Release(ctx context.Context, tokenHash string) error {
	key := r.tokenKey(tokenHash)

	for range maxTxRetries {
		raw, err := r.rdb.HGet(ctx, key, fieldAccountID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return oops.Code("RESET_RELEASE_FAILED").Wrap(err)
		}
		accountID, err := ulid.Parse(raw)
		if err != nil {
			return oops.Code("RESET_INVALID_ACCOUNT_ID").With("account_id", raw).Wrap(err)
		}
		latestKey := r.latestKey(accountID)

		err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			latest, err := tx.Get(ctx, latestKey).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			if latest != tokenHash {
				return nil
			}
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if !complete(fields) {
				return nil
			}
			expiresAt, err := parseUnixNano(fields[fieldExpiresAt])
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fieldUsed, "0")
				pipe.ExpireAt(ctx, key, expiresAt.Add(r.retention))
				return nil
			})
			return err
		}, key, latestKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return oops.Code("RESET_RELEASE_FAILED").
				With("account_id", accountID.String()).
				Wrap(err)
		}
		return nil
	}
	return oops.Code("RESET_RELEASE_FAILED").Errorf("too much contention on reset tokens")
}

// DeleteExpired scans stored tokens and deletes those expired before cutoff,
// along with any hash missing its expiry. Redis eviction normally gets there
// first.
func (r *ResetTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	iter := r.rdb.Scan(ctx, 0, r.prefix+":token:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.rdb.HGet(ctx, key, fieldExpiresAt).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return deleted, oops.Code("RESET_DELETE_EXPIRED_FAILED").With("key", key).Wrap(err)
		}
		if err == nil {
			expiresAt, perr := parseUnixNano(raw)
			if perr != nil || !expiresAt.Before(cutoff) {
				continue
			}
		}
		n, err := r.rdb.Del(ctx, key).Result()
		if err != nil {
			return deleted, oops.Code("RESET_DELETE_EXPIRED_FAILED").With("key", key).Wrap(err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, oops.Code("RESET_DELETE_EXPIRED_FAILED").Wrap(err)
	}
	return deleted, nil
}

func encode(t *auth.ResetToken) map[string]any {
	used := "0"
	if t.Used {
		used = "1"
	}
	return map[string]any{
		fieldID:        t.ID.String(),
		fieldAccountID: t.AccountID.String(),
		fieldExpiresAt: strconv.FormatInt(t.ExpiresAt.UnixNano(), 10),
		fieldUsed:      used,
		fieldCreatedAt: strconv.FormatInt(t.CreatedAt.UnixNano(), 10),
	}
}

func decode(tokenHash string, fields map[string]string) (*auth.ResetToken, error) {
	id, err := ulid.Parse(fields[fieldID])
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ID").With("id", fields[fieldID]).Wrap(err)
	}
	accountID, err := ulid.Parse(fields[fieldAccountID])
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ACCOUNT_ID").With("account_id", fields[fieldAccountID]).Wrap(err)
	}
	expiresAt, err := parseUnixNano(fields[fieldExpiresAt])
	if err != nil {
		return nil, oops.Code("RESET_DECODE_FAILED").With("field", fieldExpiresAt).Wrap(err)
	}
	createdAt, err := parseUnixNano(fields[fieldCreatedAt])
	if err != nil {
		return nil, oops.Code("RESET_DECODE_FAILED").With("field", fieldCreatedAt).Wrap(err)
	}
	return &auth.ResetToken{
		ID:        id,
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		Used:      fields[fieldUsed] == "1",
		CreatedAt: createdAt,
	}, nil
}

// complete reports whether fields hold a whole record rather than nothing
// or a stray used flag.
func complete(fields map[string]string) bool {
	return fields[fieldID] != "" && fields[fieldAccountID] != "" && fields[fieldExpiresAt] != ""
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}

func parseUnixNano(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Compile-time interface check.
var _ auth.ResetTokenRepository = (*ResetTokenRepository)(nil)
