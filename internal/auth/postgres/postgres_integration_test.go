// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"golang.org/x/crypto/bcrypt"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/auth/postgres"
)

var _ = Describe("Auth flows against PostgreSQL", func() {
	var (
		ctx      context.Context
		accounts *postgres.AccountRepository
		resets   *postgres.ResetTokenRepository
		sessions *auth.SessionService
		reset    *auth.PasswordResetService
	)

	BeforeEach(func() {
		ctx = context.Background()
		_, err := testPool.Exec(ctx, `TRUNCATE accounts CASCADE`)
		Expect(err).NotTo(HaveOccurred())

		accounts = postgres.NewAccountRepository(testPool)
		resets = postgres.NewResetTokenRepository(testPool)

		hasher, err := auth.NewBcryptHasher(bcrypt.MinCost)
		Expect(err).NotTo(HaveOccurred())
		codec, err := auth.NewTokenCodec(auth.TokenConfig{
			AccessSecret:  []byte("integration-access"),
			RefreshSecret: []byte("integration-refresh"),
			AccessTTL:     auth.DefaultAccessTTL,
			RefreshTTL:    auth.DefaultRefreshTTL,
		})
		Expect(err).NotTo(HaveOccurred())

		sessions, err = auth.NewSessionService(accounts, hasher, codec)
		Expect(err).NotTo(HaveOccurred())
		reset, err = auth.NewPasswordResetService(accounts, resets, hasher, 0, auth.WithRedeemer(resets))
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects a second registration with the same email in any case", func() {
		_, _, err := sessions.Register(ctx, "a@x.com", "P@ssw0rd1")
		Expect(err).NotTo(HaveOccurred())

		_, _, err = sessions.Register(ctx, "A@X.COM", "P@ssw0rd1")
		Expect(err).To(MatchError(auth.ErrConflict))
	})

	It("rotates refresh tokens on use", func() {
		_, r1, err := sessions.Register(ctx, "a@x.com", "P@ssw0rd1")
		Expect(err).NotTo(HaveOccurred())

		r2, err := sessions.Refresh(ctx, r1.RefreshToken)
		Expect(err).NotTo(HaveOccurred())

		_, err = sessions.Refresh(ctx, r1.RefreshToken)
		Expect(err).To(MatchError(auth.ErrRevoked))

		_, err = sessions.Refresh(ctx, r2.RefreshToken)
		Expect(err).NotTo(HaveOccurred())
	})

	It("lets exactly one concurrent refresh win", func() {
		_, pair, err := sessions.Register(ctx, "a@x.com", "P@ssw0rd1")
		Expect(err).NotTo(HaveOccurred())

		const callers = 6
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				if _, err := sessions.Refresh(ctx, pair.RefreshToken); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					Expect(auth.KindOf(err)).To(Equal(auth.KindRevoked))
				}
			}()
		}
		wg.Wait()
		Expect(wins).To(Equal(1))
	})

	It("runs the reset flow once and ends sessions", func() {
		_, pair, err := sessions.Register(ctx, "a@x.com", "P@ssw0rd1")
		Expect(err).NotTo(HaveOccurred())

		stale, _, err := reset.RequestReset(ctx, "a@x.com")
		Expect(err).NotTo(HaveOccurred())
		token, _, err := reset.RequestReset(ctx, "a@x.com")
		Expect(err).NotTo(HaveOccurred())

		Expect(reset.ConsumeReset(ctx, stale, "NewPass1")).To(MatchError(auth.ErrInvalidOrExpired))
		Expect(reset.ConsumeReset(ctx, token, "NewPass1")).To(Succeed())
		Expect(reset.ConsumeReset(ctx, token, "AnotherPass")).To(MatchError(auth.ErrInvalidOrExpired))

		_, err = sessions.Refresh(ctx, pair.RefreshToken)
		Expect(err).To(MatchError(auth.ErrRevoked))

		_, _, err = sessions.Login(ctx, "a@x.com", "NewPass1")
		Expect(err).NotTo(HaveOccurred())
	})

	It("refuses expired reset tokens and purges them", func() {
		account, _, err := sessions.Register(ctx, "a@x.com", "P@ssw0rd1")
		Expect(err).NotTo(HaveOccurred())

		token, hash, err := auth.GenerateResetToken()
		Expect(err).NotTo(HaveOccurred())
		record, err := auth.NewResetToken(account.ID, hash, time.Now().Add(-time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(resets.Issue(ctx, record)).To(Succeed())

		Expect(reset.ConsumeReset(ctx, token, "NewPass1")).To(MatchError(auth.ErrInvalidOrExpired))

		n, err := resets.DeleteExpired(ctx, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})

	It("keeps at most one consumable token per account", func() {
		account, _, err := sessions.Register(ctx, "a@x.com", "P@ssw0rd1")
		Expect(err).NotTo(HaveOccurred())
		for range 3 {
			_, _, err = reset.RequestReset(ctx, "a@x.com")
			Expect(err).NotTo(HaveOccurred())
		}

		var unused int
		err = testPool.QueryRow(ctx,
			`SELECT COUNT(*) FROM password_resets WHERE account_id = $1 AND used = FALSE`,
			account.ID.String()).Scan(&unused)
		Expect(err).NotTo(HaveOccurred())
		Expect(unused).To(Equal(1))
	})

	It("releases only the latest consumed token", func() {
		_, _, err := sessions.Register(ctx, "a@x.com", "P@ssw0rd1")
		Expect(err).NotTo(HaveOccurred())

		older, _, err := reset.RequestReset(ctx, "a@x.com")
		Expect(err).NotTo(HaveOccurred())
		olderHash := auth.HashResetToken(older)
		_, err = resets.Consume(ctx, olderHash, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(resets.Release(ctx, olderHash)).To(Succeed())
		_, err = resets.Consume(ctx, olderHash, time.Now())
		Expect(err).NotTo(HaveOccurred())

		_, _, err = reset.RequestReset(ctx, "a@x.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(resets.Release(ctx, olderHash)).To(Succeed())
		_, err = resets.Consume(ctx, olderHash, time.Now())
		Expect(err).To(MatchError(auth.ErrInvalidOrExpired))
	})
})
