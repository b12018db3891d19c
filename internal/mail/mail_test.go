// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package mail_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennywise/pennywise/internal/mail"
	"github.com/pennywise/pennywise/pkg/errutil"
)

func newRenderer(t *testing.T) *mail.Renderer {
	t.Helper()
	r, err := mail.NewRenderer("no-reply@example.com", "https://app.example.com/reset?src=email", time.Hour)
	require.NoError(t, err)
	return r
}

func TestNewRenderer_Validation(t *testing.T) {
	_, err := mail.NewRenderer("", "https://app.example.com/reset", time.Hour)
	errutil.AssertErrorCode(t, err, "MAIL_CONFIG_INVALID")

	_, err = mail.NewRenderer("no-reply@example.com", "/relative", time.Hour)
	errutil.AssertErrorCode(t, err, "MAIL_CONFIG_INVALID")
}

func TestRenderer_PasswordReset(t *testing.T) {
	msg, err := newRenderer(t).PasswordReset("user@example.com", "abc123")
	require.NoError(t, err)

	assert.Equal(t, "no-reply@example.com", msg.From)
	assert.Equal(t, "user@example.com", msg.To)
	assert.Contains(t, msg.Subject, "Reset")
	assert.Contains(t, msg.Body, "1h0m0s")

	var link string
	for _, line := range strings.Split(msg.Body, "\n") {
		if strings.HasPrefix(line, "https://") {
			link = line
		}
	}
	require.NotEmpty(t, link)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "abc123", u.Query().Get("token"))
	assert.Equal(t, "email", u.Query().Get("src"))
}

func TestOutboxSender_WritesMessage(t *testing.T) {
	var out, logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	sender := mail.NewOutboxSender(newRenderer(t), &out, logger)

	require.NoError(t, sender.SendPasswordReset(context.Background(), "user@example.com", "tok-1"))

	assert.Contains(t, out.String(), "To: user@example.com")
	assert.Contains(t, out.String(), "token=tok-1")
	assert.Contains(t, logs.String(), "password reset email written")
	assert.NotContains(t, logs.String(), "tok-1")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestOutboxSender_WriteFailure(t *testing.T) {
	sender := mail.NewOutboxSender(newRenderer(t), failingWriter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := sender.SendPasswordReset(context.Background(), "user@example.com", "tok-1")
	errutil.AssertErrorCode(t, err, "MAIL_SEND_FAILED")
}

func TestNopSender(t *testing.T) {
	assert.NoError(t, mail.NopSender{}.SendPasswordReset(context.Background(), "a@b.c", "t"))
}
