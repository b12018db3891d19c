// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package mocks provides testify mocks of the auth repositories.
package mocks

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/pennywise/pennywise/internal/auth"
)

// MockAccountRepository is a mock auth.AccountRepository.
type MockAccountRepository struct {
	mock.Mock
}

// NewMockAccountRepository creates a mock that asserts its expectations at
// test cleanup.
func NewMockAccountRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockAccountRepository {
	m := &MockAccountRepository{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockAccountRepository) Create(ctx context.Context, account *auth.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *MockAccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*auth.Account)
	return a, args.Error(1)
}

func (m *MockAccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	args := m.Called(ctx, email)
	a, _ := args.Get(0).(*auth.Account)
	return a, args.Error(1)
}

func (m *MockAccountRepository) SetRefreshToken(ctx context.Context, id ulid.ULID, token string) error {
	return m.Called(ctx, id, token).Error(0)
}

func (m *MockAccountRepository) RotateRefreshToken(ctx context.Context, id ulid.ULID, current, next string) error {
	return m.Called(ctx, id, current, next).Error(0)
}

func (m *MockAccountRepository) ClearRefreshToken(ctx context.Context, id ulid.ULID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return m.Called(ctx, id, passwordHash).Error(0)
}

func (m *MockAccountRepository) UpgradePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return m.Called(ctx, id, passwordHash).Error(0)
}

// MockResetTokenRepository is a mock auth.ResetTokenRepository.
type MockResetTokenRepository struct {
	mock.Mock
}

// NewMockResetTokenRepository creates a mock that asserts its expectations
// at test cleanup.
func NewMockResetTokenRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockResetTokenRepository {
	m := &MockResetTokenRepository{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockResetTokenRepository) Issue(ctx context.Context, token *auth.ResetToken) error {
	return m.Called(ctx, token).Error(0)
}

func (m *MockResetTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*auth.ResetToken, error) {
	args := m.Called(ctx, tokenHash)
	r, _ := args.Get(0).(*auth.ResetToken)
	return r, args.Error(1)
}

func (m *MockResetTokenRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (ulid.ULID, error) {
	args := m.Called(ctx, tokenHash, now)
	id, _ := args.Get(0).(ulid.ULID)
	return id, args.Error(1)
}

func (m *MockResetTokenRepository) Release(ctx context.Context, tokenHash string) error {
	return m.Called(ctx, tokenHash).Error(0)
}

func (m *MockResetTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

var (
	_ auth.AccountRepository    = (*MockAccountRepository)(nil)
	_ auth.ResetTokenRepository = (*MockResetTokenRepository)(nil)
)
