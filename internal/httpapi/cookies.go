// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/pennywise/pennywise/internal/auth"
)

// Cookie names and paths.
const (
	AccessCookie      = "access_token"
	RefreshCookie     = "refresh_token"
	accessCookiePath  = "/"
	refreshCookiePath = "/auth"
)

// CookieConfig configures token cookies.
type CookieConfig struct {
	Domain     string
	Secure     bool
	SameSite   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type cookieManager struct {
	domain     string
	secure     bool
	sameSite   http.SameSite
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func newCookieManager(cfg CookieConfig) *cookieManager {
	ss := http.SameSiteLaxMode
	switch strings.ToLower(cfg.SameSite) {
	case "none":
		ss = http.SameSiteNoneMode
	case "strict":
		ss = http.SameSiteStrictMode
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = auth.DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = auth.DefaultRefreshTTL
	}
	return &cookieManager{
		domain:     cfg.Domain,
		secure:     cfg.Secure,
		sameSite:   ss,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
	}
}

func (c *cookieManager) setPair(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, c.cookie(AccessCookie, accessCookiePath, pair.AccessToken, int(c.accessTTL.Seconds())))
	http.SetCookie(w, c.cookie(RefreshCookie, refreshCookiePath, pair.RefreshToken, int(c.refreshTTL.Seconds())))
}

func (c *cookieManager) clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(AccessCookie, accessCookiePath, "", -1))
	http.SetCookie(w, c.cookie(RefreshCookie, refreshCookiePath, "", -1))
}

func (c *cookieManager) cookie(name, path, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	}
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
