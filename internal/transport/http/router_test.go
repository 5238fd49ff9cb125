package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/port"
)

type fakeAuth struct {
	loginErr   error
	refreshErr error
	lastLogin  port.LoginRequest
	lastLogout string
	refreshed  string
}

func (f *fakeAuth) Login(_ context.Context, req port.LoginRequest) (port.LoginResponse, error) {
	f.lastLogin = req
	if f.loginErr != nil {
		return port.LoginResponse{}, f.loginErr
	}
	return port.LoginResponse{AccessToken: "acc", RefreshToken: "ref", UserID: "u1"}, nil
}

func (f *fakeAuth) LoginWithProvider(_ context.Context, req port.ProviderLoginRequest) (port.LoginResponse, error) {
	return port.LoginResponse{AccessToken: "acc-" + req.Provider, RefreshToken: "ref", UserID: "u1"}, nil
}

func (f *fakeAuth) Refresh(_ context.Context, req port.RefreshRequest) (port.RefreshResponse, error) {
	f.refreshed = req.RefreshToken
	if f.refreshErr != nil {
		return port.RefreshResponse{}, f.refreshErr
	}
	return port.RefreshResponse{AccessToken: "acc2", RefreshToken: "ref2", UserID: "u1"}, nil
}

func (f *fakeAuth) Logout(_ context.Context, req port.LogoutRequest) (port.LogoutResponse, error) {
	f.lastLogout = req.UserID
	return port.LogoutResponse{Ok: true}, nil
}

func (f *fakeAuth) BeginTwoFactor(_ context.Context, req port.BeginTwoFactorRequest) (port.BeginTwoFactorResponse, error) {
	return port.BeginTwoFactorResponse{Secret: "S", ProvisioningURI: "otpauth://totp/x?user=" + req.UserID}, nil
}

func (f *fakeAuth) ConfirmTwoFactor(_ context.Context, req port.ConfirmTwoFactorRequest) (port.ConfirmTwoFactorResponse, error) {
	return port.ConfirmTwoFactorResponse{BackupCodes: []string{"A"}}, nil
}

func (f *fakeAuth) DisableTwoFactor(_ context.Context, req port.DisableTwoFactorRequest) (port.DisableTwoFactorResponse, error) {
	return port.DisableTwoFactorResponse{Ok: true}, nil
}

func (f *fakeAuth) RegenerateBackupCodes(_ context.Context, req port.RegenerateBackupCodesRequest) (port.RegenerateBackupCodesResponse, error) {
	return port.RegenerateBackupCodesResponse{BackupCodes: []string{"B"}}, nil
}

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	switch token {
	case "good":
		return domain.Identity{UserID: "u1", Email: "a@example.com"}, nil
	case "revoked":
		return domain.Identity{}, apperrors.Newf(apperrors.KindRevokedToken, "denylisted")
	default:
		return domain.Identity{}, apperrors.Newf(apperrors.KindInvalidToken, "bad")
	}
}

func newTestRouter(auth *fakeAuth, domainName string, ready func(context.Context) error) (http.Handler, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewRouter(RouterDeps{
		Auth:          auth,
		Authenticator: fakeAuthenticator{},
		Cookies:       CookieConfig{Domain: domainName, Secure: true, AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour},
		Gatherer:      reg,
		Metrics:       NewMetrics(reg),
		Ready:         ready,
	}), reg
}

func do(h http.Handler, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("User-Agent", "Firefox")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestForwardedHeadersIgnoredFromUntrustedPeer(t *testing.T) {
	auth := &fakeAuth{}
	h, _ := newTestRouter(auth, "", nil)

	for _, spoofed := range []string{"10.0.0.1", "10.0.0.2"} {
		rec := do(h, http.MethodPost, "/auth/login", `{"email":"a@example.com","password":"pw"}`, func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", spoofed)
			r.Header.Set("X-Real-IP", spoofed)
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "203.0.113.7", auth.lastLogin.Client.Address)
	}
}

func TestForwardedHeadersHonouredFromTrustedProxy(t *testing.T) {
	auth := &fakeAuth{}
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	h := NewRouter(RouterDeps{
		Auth:          auth,
		Authenticator: fakeAuthenticator{},
		Proxies:       proxies,
		Gatherer:      reg,
		Metrics:       NewMetrics(reg),
	})

	rec := do(h, http.MethodPost, "/auth/login", `{"email":"a@example.com","password":"pw"}`, func(r *http.Request) {
		r.RemoteAddr = "10.1.2.3:443"
		r.Header.Set("X-Forwarded-For", "192.0.2.99, 198.51.100.4, 10.9.9.9")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "198.51.100.4", auth.lastLogin.Client.Address, "rightmost untrusted hop")
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(&fakeAuth{}, "", nil)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "").Code)

	down, _ := newTestRouter(&fakeAuth{}, "", func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/healthz", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(&fakeAuth{}, "", nil)
	do(h, http.MethodGet, "/healthz", "")

	rec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestLoginSetsSessionCookies(t *testing.T) {
	auth := &fakeAuth{}
	h, _ := newTestRouter(auth, "auth.example.com", nil)

	rec := do(h, http.MethodPost, "/auth/login", `{"email":"a@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.7", auth.lastLogin.Client.Address)
	assert.Equal(t, "Firefox", auth.lastLogin.Client.UserAgent)

	access := cookieByName(rec, AccessCookie)
	require.NotNil(t, access)
	assert.Equal(t, "acc", access.Value)
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, http.SameSiteLaxMode, access.SameSite)
	assert.Equal(t, 900, access.MaxAge)
	assert.Equal(t, "auth.example.com", access.Domain)

	refresh := cookieByName(rec, RefreshCookie)
	require.NotNil(t, refresh)
	assert.Equal(t, 7*24*3600, refresh.MaxAge)
}

func TestCookieDomainOmittedForLocalhost(t *testing.T) {
	for _, d := range []string{"", "localhost", "localhost:8080", "127.0.0.1", "app.localhost"} {
		assert.Empty(t, CookieConfig{Domain: d}.cookieDomain(), d)
	}
	assert.Equal(t, "example.com", CookieConfig{Domain: "example.com"}.cookieDomain())
}

func TestLoginErrorsAreOpaque(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"bad password", apperrors.Newf(apperrors.KindInvalidCredentials, "password mismatch"), http.StatusUnauthorized},
		{"inactive", apperrors.Newf(apperrors.KindInactiveUser, "user inactive"), http.StatusUnauthorized},
		{"store down", apperrors.Newf(apperrors.KindUnavailable, "token ledger"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestRouter(&fakeAuth{loginErr: tt.err}, "", nil)
			rec := do(h, http.MethodPost, "/auth/login", `{"email":"a@example.com","password":"pw"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			assert.NotContains(t, rec.Body.String(), "mismatch")
			assert.NotContains(t, rec.Body.String(), "inactive")
		})
	}
}

func TestLoginRateLimited(t *testing.T) {
	h, _ := newTestRouter(&fakeAuth{loginErr: apperrors.RateLimited(270 * time.Second)}, "", nil)
	rec := do(h, http.MethodPost, "/auth/login", `{"email":"a@example.com","password":"pw"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "270", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "5 minutes")
}

func TestMalformedBody(t *testing.T) {
	h, _ := newTestRouter(&fakeAuth{}, "", nil)
	rec := do(h, http.MethodPost, "/auth/login", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshPrefersCookie(t *testing.T) {
	auth := &fakeAuth{}
	h, _ := newTestRouter(auth, "", nil)
	rec := do(h, http.MethodPost, "/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "from-cookie"})
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from-cookie", auth.refreshed)
	assert.Equal(t, "ref2", cookieByName(rec, RefreshCookie).Value)

	rec = do(h, http.MethodPost, "/auth/refresh", `{"refreshToken":"from-body"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from-body", auth.refreshed)
}

func TestRefreshFailureClearsCookies(t *testing.T) {
	h, _ := newTestRouter(&fakeAuth{refreshErr: apperrors.Newf(apperrors.KindRevokedToken, "reuse")}, "", nil)
	rec := do(h, http.MethodPost, "/auth/refresh", `{"refreshToken":"old"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	c := cookieByName(rec, RefreshCookie)
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
}

func TestProtectedRoutesRequireAccess(t *testing.T) {
	auth := &fakeAuth{}
	h, _ := newTestRouter(auth, "", nil)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/auth/logout", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/auth/logout", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer revoked")
	}).Code)

	rec := do(h, http.MethodPost, "/auth/logout", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: AccessCookie, Value: "good"})
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", auth.lastLogout)
	assert.Equal(t, -1, cookieByName(rec, AccessCookie).MaxAge)
}

func TestTwoFactorRoutesUseCallerIdentity(t *testing.T) {
	h, _ := newTestRouter(&fakeAuth{}, "", nil)
	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer good") }

	rec := do(h, http.MethodPost, "/auth/2fa/begin", "", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var begin port.BeginTwoFactorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&begin))
	assert.Contains(t, begin.ProvisioningURI, "user=u1")

	for _, path := range []string{"/auth/2fa/confirm", "/auth/2fa/disable", "/auth/2fa/backup-codes"} {
		assert.Equal(t, http.StatusOK, do(h, http.MethodPost, path, `{"code":"123456"}`, bearer).Code, path)
	}
}

func TestProviderLogin(t *testing.T) {
	h, _ := newTestRouter(&fakeAuth{}, "", nil)
	rec := do(h, http.MethodPost, "/auth/providers/github/login", `{"code":"c"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acc-github", cookieByName(rec, AccessCookie).Value)
}
