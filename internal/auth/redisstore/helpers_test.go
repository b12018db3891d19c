// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package redisstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/auth/memory"
)

func newAccountsWith(t *testing.T, email string) *memory.AccountRepository {
	t.Helper()
	repo := memory.NewAccountRepository()
	account, err := auth.NewAccount(email, "placeholder-hash")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), account))
	return repo
}
