// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package httpapi exposes the auth services over HTTP.
//
// Tokens travel as HttpOnly cookies: access_token on "/" and refresh_token
// scoped to "/auth". They are also returned in response bodies for clients
// that do not keep cookies, and protected routes accept a bearer token.
//
// Failures are answered with a JSON envelope whose code is the auth error
// kind. Password reset requests answer 202 with the same body whether or
// not an account exists.
package httpapi
