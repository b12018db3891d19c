// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/auth/memory"
	"github.com/pennywise/pennywise/internal/httpapi"
	"github.com/pennywise/pennywise/internal/mail"
)

const testPassword = "P@ssw0rd1"

type sentReset struct {
	email string
	token string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentReset
}

func (s *recordingSender) SendPasswordReset(_ context.Context, email, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentReset{email: email, token: token})
	return nil
}

func (s *recordingSender) Sent() []sentReset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentReset(nil), s.sent...)
}

// gatedSender holds each delivery until gate is closed.
type gatedSender struct {
	gate <-chan struct{}
	next mail.Sender
}

func (s gatedSender) SendPasswordReset(ctx context.Context, email, token string) error {
	<-s.gate
	return s.next.SendPasswordReset(ctx, email, token)
}

type routeCount struct {
	route string
	code  int
}

type recordingRecorder struct {
	mu    sync.Mutex
	calls []routeCount
}

func (r *recordingRecorder) RecordHTTPRequest(route string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routeCount{route: route, code: code})
}

func (r *recordingRecorder) Calls() []routeCount {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routeCount(nil), r.calls...)
}

type apiFixture struct {
	router   http.Handler
	sender   *recordingSender
	recorder *recordingRecorder
	accounts *memory.AccountRepository
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	sender := &recordingSender{}
	f := newAPIWithSender(t, sender)
	f.sender = sender
	return f
}

// newAPIWithSender builds the fixture around sender; f.sender is left nil.
func newAPIWithSender(t *testing.T, sender mail.Sender) *apiFixture {
	t.Helper()
	hasher, err := auth.NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)
	codec, err := auth.NewTokenCodec(auth.TokenConfig{
		AccessSecret:  []byte("http-access-secret"),
		RefreshSecret: []byte("http-refresh-secret"),
		AccessTTL:     auth.DefaultAccessTTL,
		RefreshTTL:    auth.DefaultRefreshTTL,
		Issuer:        "pennywise-test",
	})
	require.NoError(t, err)

	accounts := memory.NewAccountRepository()
	resets := memory.NewResetTokenRepository()
	logger := quietLogger()

	sessions, err := auth.NewSessionService(accounts, hasher, codec, auth.WithLogger(logger))
	require.NoError(t, err)
	resetSvc, err := auth.NewPasswordResetService(accounts, resets, hasher, 0, auth.WithLogger(logger))
	require.NoError(t, err)

	recorder := &recordingRecorder{}
	opts := httpapi.Options{
		Cookies:  httpapi.CookieConfig{Secure: true, SameSite: "strict"},
		Logger:   logger,
		Recorder: recorder,
	}
	h, err := httpapi.NewHandler(sessions, resetSvc, sender, opts)
	require.NoError(t, err)

	return &apiFixture{
		router:   httpapi.NewRouter(h, opts),
		recorder: recorder,
		accounts: accounts,
	}
}

type request struct {
	method  string
	path    string
	body    any
	bearer  string
	cookies []*http.Cookie
}

func (f *apiFixture) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.bearer != "" {
		r.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	for _, c := range req.cookies {
		r.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, r)
	return rr
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type session struct {
	Account *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"account"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), "body: %s", rr.Body.String())
	return env
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) session {
	t.Helper()
	env := decodeEnvelope(t, rr)
	require.True(t, env.Success, "body: %s", rr.Body.String())
	var s session
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	env := decodeEnvelope(t, rr)
	require.NotNil(t, env.Error, "body: %s", rr.Body.String())
	return env.Error.Code
}

func responseCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (f *apiFixture) register(t *testing.T, email string) session {
	t.Helper()
	rr := f.do(t, request{
		method: http.MethodPost,
		path:   "/auth/register",
		body:   map[string]string{"email": email, "password": testPassword},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeSession(t, rr)
}
