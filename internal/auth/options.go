// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package auth

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/pennywise/pennywise/internal/auth")

// OutcomeRecorder receives one call per completed service operation.
// Outcome is "ok" or the string form of the failure's Kind.
type OutcomeRecorder interface {
	RecordAuthOutcome(operation, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthOutcome(string, string) {}

// Option configures a SessionService or PasswordResetService.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger   *slog.Logger
	recorder OutcomeRecorder
	now      func() time.Time
	redeemer ResetRedeemer
}

func defaultOptions() serviceOptions {
	return serviceOptions{
		logger:   slog.Default(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
}

func applyOptions(opts []Option) serviceOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serviceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder sets the outcome recorder, typically backed by metrics.
func WithRecorder(r OutcomeRecorder) Option {
	return func(o *serviceOptions) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRedeemer makes PasswordResetService consume tokens and update
// passwords through r in a single transaction.
func WithRedeemer(r ResetRedeemer) Option {
	return func(o *serviceOptions) {
		o.redeemer = r
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}
