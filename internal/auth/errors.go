// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// Kind classifies an auth failure. The set is closed: callers switch on it
// to pick a transport status and must never inspect error text.
type Kind string

// Error kinds. The string values double as oops error codes.
const (
	KindInternal           Kind = "AUTH_INTERNAL"
	KindConflict           Kind = "AUTH_CONFLICT"
	KindInvalidCredentials Kind = "AUTH_INVALID_CREDENTIALS"
	KindExpired            Kind = "AUTH_TOKEN_EXPIRED"
	KindMalformed          Kind = "AUTH_TOKEN_MALFORMED"
	KindRevoked            Kind = "AUTH_TOKEN_REVOKED"
	KindNotFound           Kind = "AUTH_NOT_FOUND"
	KindInvalidOrExpired   Kind = "AUTH_RESET_INVALID_OR_EXPIRED"
)

// Sentinel errors. Every classified error returned by this package or its
// repositories wraps exactly one of these.
var (
	// ErrConflict is returned when an account with the same email exists.
	ErrConflict = errors.New("account already exists")
	// ErrInvalidCredentials is returned for any bad email/password pair.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrExpired            = errors.New("token expired")
	ErrMalformed          = errors.New("token malformed")
	// ErrRevoked is returned when a valid refresh token is no longer the
	// account's current one.
	ErrRevoked = errors.New("token revoked")
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidOrExpired covers every reset-consumption failure.
	ErrInvalidOrExpired = errors.New("reset token is invalid or expired")
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindConflict, ErrConflict},
	{KindInvalidCredentials, ErrInvalidCredentials},
	{KindExpired, ErrExpired},
	{KindMalformed, ErrMalformed},
	{KindRevoked, ErrRevoked},
	{KindNotFound, ErrNotFound},
	{KindInvalidOrExpired, ErrInvalidOrExpired},
}

// KindOf reports the kind of err. Unclassified errors are KindInternal;
// a nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}

func sentinelFor(kind Kind) error {
	for _, ks := range kindSentinels {
		if ks.kind == kind {
			return ks.err
		}
	}
	return nil
}

// NewError returns an error of the given kind carrying optional key/value
// context. Repository implementations use it so that their failures classify
// the same way as the services'.
func NewError(kind Kind, kv ...any) error {
	sentinel := sentinelFor(kind)
	if sentinel == nil {
		return oops.Code(string(KindInternal)).Errorf("unknown error kind %q", kind)
	}
	return oops.Code(string(kind)).With(kv...).Wrap(sentinel)
}
