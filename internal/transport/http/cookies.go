package http

import (
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

// CookieConfig describes how session cookies are written.
type CookieConfig struct {
	Domain     string
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// SetSession writes both session cookies.
func (c CookieConfig) SetSession(w http.ResponseWriter, access, refresh string) {
	c.set(w, AccessCookie, access, c.AccessTTL)
	c.set(w, RefreshCookie, refresh, c.RefreshTTL)
}

// Clear expires both session cookies.
func (c CookieConfig) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessCookie, RefreshCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   c.cookieDomain(),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (c CookieConfig) set(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.cookieDomain(),
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// cookieDomain is empty for local hosts; browsers reject an explicit
// localhost domain.
func (c CookieConfig) cookieDomain() string {
	host := strings.TrimSpace(c.Domain)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch {
	case host == "", host == "localhost", strings.HasSuffix(host, ".localhost"):
		return ""
	case net.ParseIP(host) != nil && net.ParseIP(host).IsLoopback():
		return ""
	}
	return host
}
