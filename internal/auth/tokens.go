// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 4 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Token audiences. Each token kind is also bound to its own secret; the
// audience makes a mix-up visible in the claims as well.
const (
	audienceAccess  = "access"
	audienceRefresh = "refresh"
)

// TokenPair is an access token and a refresh token issued together.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Claims is the payload carried by access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"aid"`
	Email     string `json:"email"`
}

// Subject is the identity encoded into a token.
type Subject struct {
	AccountID ulid.ULID
	Email     string
}

// TokenConfig configures a TokenCodec.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// TokenCodec signs and verifies HS256 access and refresh tokens.
type TokenCodec struct {
	access  signer
	refresh signer
	issuer  string
	now     func() time.Time
}

type signer struct {
	secret   []byte
	ttl      time.Duration
	audience string
}

// NewTokenCodec validates cfg and returns a TokenCodec.
func NewTokenCodec(cfg TokenConfig) (*TokenCodec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").Errorf("access and refresh secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").Errorf("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").
			With("access_ttl", cfg.AccessTTL).
			With("refresh_ttl", cfg.RefreshTTL).
			Errorf("token lifetimes must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{
		access:  signer{secret: cfg.AccessSecret, ttl: cfg.AccessTTL, audience: audienceAccess},
		refresh: signer{secret: cfg.RefreshSecret, ttl: cfg.RefreshTTL, audience: audienceRefresh},
		issuer:  cfg.Issuer,
		now:     now,
	}, nil
}

// IssueAccess signs a short-lived access token for sub.
func (c *TokenCodec) IssueAccess(sub Subject) (string, error) {
	return c.issue(c.access, sub)
}

// IssueRefresh signs a long-lived refresh token for sub.
func (c *TokenCodec) IssueRefresh(sub Subject) (string, error) {
	return c.issue(c.refresh, sub)
}

// IssuePair signs an access token and a refresh token for sub.
func (c *TokenCodec) IssuePair(sub Subject) (TokenPair, error) {
	access, err := c.IssueAccess(sub)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := c.IssueRefresh(sub)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccess checks an access token and returns its claims.
func (c *TokenCodec) VerifyAccess(token string) (*Claims, error) {
	return c.verify(c.access, token)
}

// VerifyRefresh checks a refresh token and returns its claims.
func (c *TokenCodec) VerifyRefresh(token string) (*Claims, error) {
	return c.verify(c.refresh, token)
}

func (c *TokenCodec) issue(s signer, sub Subject) (string, error) {
	now := c.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			// A unique ID keeps two tokens issued within the same second distinct.
			ID:        ulid.Make().String(),
			Issuer:    c.issuer,
			Subject:   sub.AccountID.String(),
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		AccountID: sub.AccountID.String(),
		Email:     sub.Email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", oops.Code("TOKEN_SIGN_FAILED").
			With("audience", s.audience).
			Wrap(err)
	}
	return signed, nil
}

func (c *TokenCodec) verify(s signer, token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, NewError(KindExpired, "audience", s.audience)
		}
		return nil, oops.Code(string(KindMalformed)).
			With("audience", s.audience).
			With("reason", err.Error()).
			Wrap(ErrMalformed)
	}
	if _, err := ulid.Parse(claims.AccountID); err != nil {
		return nil, NewError(KindMalformed, "audience", s.audience, "reason", "invalid account id")
	}
	return claims, nil
}

// Identity returns the subject carried by the claims.
func (c *Claims) Identity() (Subject, error) {
	id, err := ulid.Parse(c.AccountID)
	if err != nil {
		return Subject{}, NewError(KindMalformed, "reason", "invalid account id")
	}
	return Subject{AccountID: id, Email: c.Email}, nil
}
