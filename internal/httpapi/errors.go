// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package httpapi

import (
	"net/http"

	"github.com/pennywise/pennywise/internal/auth"
)

type errorMapping struct {
	status  int
	message string
}

var kindMappings = map[auth.Kind]errorMapping{
	auth.KindConflict:           {http.StatusConflict, "an account with this email already exists"},
	auth.KindInvalidCredentials: {http.StatusUnauthorized, "invalid email or password"},
	auth.KindExpired:            {http.StatusUnauthorized, "token expired"},
	auth.KindMalformed:          {http.StatusUnauthorized, "token invalid"},
	auth.KindRevoked:            {http.StatusUnauthorized, "session is no longer active"},
	auth.KindInvalidOrExpired:   {http.StatusBadRequest, "reset token is invalid or expired"},
	auth.KindNotFound:           {http.StatusNotFound, "not found"},
}

// StatusFor returns the HTTP status and client message for err.
func StatusFor(err error) (int, auth.Kind, string) {
	kind := auth.KindOf(err)
	if m, ok := kindMappings[kind]; ok {
		return m.status, kind, m.message
	}
	return http.StatusInternalServerError, auth.KindInternal, "internal error"
}
