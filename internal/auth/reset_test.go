// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennywise/pennywise/internal/auth"
)

func TestGenerateResetToken(t *testing.T) {
	token1, hash1, err := auth.GenerateResetToken()
	require.NoError(t, err)
	token2, hash2, err := auth.GenerateResetToken()
	require.NoError(t, err)

	assert.Len(t, token1, 64)
	assert.Len(t, hash1, 64)
	assert.NotEqual(t, token1, token2)
	assert.NotEqual(t, hash1, hash2)
	assert.Equal(t, hash1, auth.HashResetToken(token1))
}

func TestResetToken_ValidAt(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		token auth.ResetToken
		want  bool
	}{
		{"fresh", auth.ResetToken{ExpiresAt: now.Add(time.Minute)}, true},
		{"used", auth.ResetToken{ExpiresAt: now.Add(time.Minute), Used: true}, false},
		{"expired", auth.ResetToken{ExpiresAt: now.Add(-time.Minute)}, false},
		{"expires exactly now", auth.ResetToken{ExpiresAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.ValidAt(now))
		})
	}
}

func TestNewResetToken(t *testing.T) {
	_, err := auth.NewResetToken(ulid.ULID{}, "hash", time.Now())
	assert.Error(t, err)

	_, err = auth.NewResetToken(ulid.Make(), "", time.Now())
	assert.Error(t, err)

	r, err := auth.NewResetToken(ulid.Make(), "hash", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, r.ID.IsZero())
	assert.False(t, r.Used)
}

func TestNewAccount(t *testing.T) {
	a, err := auth.NewAccount("  Mixed@Example.COM ", "hash")
	require.NoError(t, err)
	assert.Equal(t, "mixed@example.com", a.Email)
	assert.False(t, a.HasSession())

	_, err = auth.NewAccount("   ", "hash")
	assert.Error(t, err)
	_, err = auth.NewAccount("a@x.com", "")
	assert.Error(t, err)
}
