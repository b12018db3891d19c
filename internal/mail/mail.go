// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package mail renders and dispatches password reset messages.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"text/template"
	"time"

	"github.com/samber/oops"
)

// Sender delivers a password reset token to the owner of email.
type Sender interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// Message is a rendered email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

var resetBody = template.Must(template.New("reset").Parse(`Someone asked to reset the password for this Pennywise account.

Follow this link within {{.TTL}} to choose a new password:

{{.Link}}

If you did not ask for this, ignore this message. Your password stays the same.
`))

// Renderer builds reset messages.
type Renderer struct {
	from     string
	resetURL *url.URL
	ttl      time.Duration
}

// NewRenderer creates a Renderer. The token is appended to resetURL as the
// "token" query parameter.
func NewRenderer(from, resetURL string, ttl time.Duration) (*Renderer, error) {
	if from == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("sender address is required")
	}
	u, err := url.Parse(resetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").
			With("reset_url", resetURL).
			Errorf("reset url must be absolute")
	}
	return &Renderer{from: from, resetURL: u, ttl: ttl}, nil
}

// PasswordReset renders the reset message for email.
func (r *Renderer) PasswordReset(email, token string) (Message, error) {
	link := *r.resetURL
	q := link.Query()
	q.Set("token", token)
	link.RawQuery = q.Encode()

	var body bytes.Buffer
	err := resetBody.Execute(&body, struct {
		Link string
		TTL  time.Duration
	}{Link: link.String(), TTL: r.ttl})
	if err != nil {
		return Message{}, oops.Code("MAIL_RENDER_FAILED").Wrap(err)
	}

	return Message{
		From:    r.from,
		To:      email,
		Subject: "Reset your Pennywise password",
		Body:    body.String(),
	}, nil
}

// OutboxSender writes rendered messages to an io.Writer. It stands in for
// a mail relay in development.
type OutboxSender struct {
	renderer *Renderer
	logger   *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewOutboxSender creates an OutboxSender. A nil logger uses slog.Default().
func NewOutboxSender(renderer *Renderer, out io.Writer, logger *slog.Logger) *OutboxSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxSender{renderer: renderer, out: out, logger: logger}
}

// SendPasswordReset renders and writes the message.
func (s *OutboxSender) SendPasswordReset(ctx context.Context, email, token string) error {
	msg, err := s.renderer.PasswordReset(email, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, err = fmt.Fprintf(s.out, "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		msg.From, msg.To, msg.Subject, msg.Body)
	s.mu.Unlock()
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("to", email).Wrap(err)
	}

	s.logger.InfoContext(ctx, "password reset email written", "to", email)
	return nil
}

// NopSender drops every message.
type NopSender struct{}

// SendPasswordReset does nothing.
func (NopSender) SendPasswordReset(context.Context, string, string) error { return nil }

var (
	_ Sender = (*OutboxSender)(nil)
	_ Sender = NopSender{}
)
