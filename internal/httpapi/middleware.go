// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pennywise/pennywise/internal/auth"
)

type subjectKey struct{}

// SubjectFrom returns the authenticated subject stored by the access
// middleware.
func SubjectFrom(ctx context.Context) (auth.Subject, bool) {
	sub, ok := ctx.Value(subjectKey{}).(auth.Subject)
	return sub, ok
}

// requireAccess admits requests carrying a valid access token in the
// Authorization header or the access cookie.
func (h *Handler) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = cookieValue(r, AccessCookie)
		}
		if token == "" {
			h.fail(w, r, auth.NewError(auth.KindMalformed, "reason", "missing access token"))
			return
		}

		sub, err := h.sessions.Authenticate(token)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequestRecorder counts finished requests by route pattern.
type RequestRecorder interface {
	RecordHTTPRequest(route string, code int)
}

// observe logs and counts every request once routing has finished.
func observe(logger *slog.Logger, recorder RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if recorder != nil {
				recorder.RecordHTTPRequest(route, status)
			}
			logger.DebugContext(r.Context(), "request served",
				"method", r.Method,
				"route", route,
				"status", status,
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()))
		})
	}
}
