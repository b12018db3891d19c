// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"

	"github.com/pennywise/pennywise/internal/mail"
)

// DefaultRequestTimeout bounds every request.
const DefaultRequestTimeout = 30 * time.Second

// Options configures NewRouter.
type Options struct {
	Cookies        CookieConfig
	Logger         *slog.Logger
	Recorder       RequestRecorder
	RequestTimeout time.Duration
}

// NewHandler creates a Handler. A nil sender drops reset messages.
func NewHandler(sessions SessionAPI, resets ResetAPI, sender mail.Sender, opts Options) (*Handler, error) {
	if sessions == nil || resets == nil {
		return nil, oops.Code("HTTPAPI_INVALID").Errorf("session and reset services are required")
	}
	if sender == nil {
		sender = mail.NopSender{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		resets:   resets,
		sender:   sender,
		cookies:  newCookieManager(opts.Cookies),
		logger:   logger,
	}, nil
}

// NewRouter mounts the auth routes under /auth.
func NewRouter(h *Handler, opts Options) http.Handler {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(observe(h.logger, opts.Recorder))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(timeout))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/password-reset/request", h.RequestPasswordReset)
		r.Post("/password-reset/confirm", h.ConfirmPasswordReset)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAccess)
			r.Post("/logout", h.Logout)
			r.Post("/password", h.ChangePassword)
			r.Get("/me", h.Me)
		})
	})
	return r
}
