// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pennywise/pennywise/internal/auth"
	"github.com/pennywise/pennywise/internal/mail"
	"github.com/pennywise/pennywise/pkg/errutil"
)

const maxBodyBytes = 1 << 16

// SessionAPI is the session surface the handlers need.
type SessionAPI interface {
	Register(ctx context.Context, email, password string) (*auth.Account, auth.TokenPair, error)
	Login(ctx context.Context, email, password string) (*auth.Account, auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, accountID ulid.ULID) error
	ChangePassword(ctx context.Context, accountID ulid.ULID, current, next string) error
	Authenticate(accessToken string) (auth.Subject, error)
}

// ResetAPI is the password reset surface the handlers need.
type ResetAPI interface {
	RequestReset(ctx context.Context, email string) (string, *auth.ResetToken, error)
	ConsumeReset(ctx context.Context, token, newPassword string) error
}

// Handler serves the auth routes.
type Handler struct {
	sessions SessionAPI
	resets   ResetAPI
	sender   mail.Sender
	cookies  *cookieManager
	logger   *slog.Logger
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type accountView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionView struct {
	Account      *accountView `json:"account,omitempty"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
}

type subjectView struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
}

type messageView struct {
	Message string `json:"message"`
}

// resetAccepted is the only answer to a reset request that did not fail
// on the server side.
var resetAccepted = messageView{Message: "if an account exists for this email, a reset link has been sent"}

func newSessionView(a *auth.Account, pair auth.TokenPair) sessionView {
	v := sessionView{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
	}
	if a != nil {
		v.Account = &accountView{ID: a.ID.String(), Email: a.Email, CreatedAt: a.CreatedAt}
	}
	return v
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validEmail(req.Email) || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "email and password are required")
		return
	}

	account, pair, err := h.sessions.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.setPair(w, pair)
	writeJSON(w, r, http.StatusCreated, newSessionView(account, pair))
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "email and password are required")
		return
	}

	account, pair, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.setPair(w, pair)
	writeJSON(w, r, http.StatusOK, newSessionView(account, pair))
}

// Refresh handles POST /auth/refresh. The refresh token comes from the
// cookie, or from the body when no cookie is present.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := cookieValue(r, RefreshCookie)
	if token == "" && r.ContentLength != 0 {
		var req refreshRequest
		if !h.decode(w, r, &req) {
			return
		}
		token = req.RefreshToken
	}
	if token == "" {
		h.fail(w, r, auth.NewError(auth.KindMalformed, "reason", "missing refresh token"))
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), token)
	if err != nil {
		if auth.KindOf(err) == auth.KindRevoked {
			h.cookies.clear(w)
		}
		h.fail(w, r, err)
		return
	}
	h.cookies.setPair(w, pair)
	writeJSON(w, r, http.StatusOK, newSessionView(nil, pair))
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sub, _ := SubjectFrom(r.Context())
	if err := h.sessions.Logout(r.Context(), sub.AccountID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword handles POST /auth/password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "current and new password are required")
		return
	}

	sub, _ := SubjectFrom(r.Context())
	if err := h.sessions.ChangePassword(r.Context(), sub.AccountID, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	sub, _ := SubjectFrom(r.Context())
	writeJSON(w, r, http.StatusOK, subjectView{AccountID: sub.AccountID.String(), Email: sub.Email})
}

// RequestPasswordReset handles POST /auth/password-reset/request. An
// unknown email and a delivered token produce the same response.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validEmail(req.Email) {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "email is required")
		return
	}

	token, record, err := h.resets.RequestReset(r.Context(), req.Email)
	switch {
	case err == nil:
		if sendErr := h.sender.SendPasswordReset(r.Context(), auth.NormalizeEmail(req.Email), token); sendErr != nil {
			errutil.LogError(r.Context(), h.logger, "password reset delivery failed", sendErr)
		} else {
			h.logger.InfoContext(r.Context(), "password reset dispatched",
				"account_id", record.AccountID.String())
		}
	case errors.Is(err, auth.ErrNotFound):
		// Answered exactly like success.
	default:
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, resetAccepted)
}

// ConfirmPasswordReset handles POST /auth/password-reset/confirm.
func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "new password is required")
		return
	}

	if err := h.resets.ConsumeReset(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "request body must be a JSON object")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, message := StatusFor(err)
	if status >= http.StatusInternalServerError {
		errutil.LogError(r.Context(), h.logger, "request failed", err)
	}
	writeError(w, r, status, string(kind), message)
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1
}
