package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func fakeServer(t *testing.T, userinfo any, emails any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	})
	writeJSON := func(v any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(v)
		}
	}
	mux.HandleFunc("/userinfo", writeJSON(userinfo))
	mux.HandleFunc("/emails", writeJSON(emails))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example/callback",
		Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
	}
}

func TestGoogleExchange(t *testing.T) {
	srv := fakeServer(t, map[string]any{
		"sub": "g-1", "email": "ada@example.com", "email_verified": true, "name": "Ada",
	}, nil)
	p := New("google", testConfig(srv), srv.URL+"/userinfo", DecodeGoogle)

	id, err := p.ExchangeCode(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "google", id.Provider)
	assert.Equal(t, "g-1", id.ExternalID)
	assert.Equal(t, "ada@example.com", id.Email)

	_, err = p.ExchangeCode(context.Background(), "bad-code")
	assert.Error(t, err)
}

func TestGoogleRejectsUnverifiedEmail(t *testing.T) {
	srv := fakeServer(t, map[string]any{"sub": "g-1", "email": "ada@example.com", "email_verified": false}, nil)
	p := New("google", testConfig(srv), srv.URL+"/userinfo", DecodeGoogle)
	_, err := p.ExchangeCode(context.Background(), "good-code")
	assert.ErrorContains(t, err, "not verified")
}

func TestGitHubExchangeUsesPrimaryVerifiedEmail(t *testing.T) {
	srv := fakeServer(t,
		map[string]any{"id": 42, "login": "ada"},
		[]map[string]any{
			{"email": "old@example.com", "primary": false, "verified": true},
			{"email": "ada@example.com", "primary": true, "verified": true},
		})
	p := New("github", testConfig(srv), srv.URL+"/userinfo", GitHubDecoder(srv.URL+"/emails"))

	id, err := p.ExchangeCode(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "42", id.ExternalID)
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, "ada", id.Name)
}

func TestIncompleteIdentityRejected(t *testing.T) {
	srv := fakeServer(t, map[string]any{"sub": "", "email": "ada@example.com", "email_verified": true}, nil)
	p := New("google", testConfig(srv), srv.URL+"/userinfo", DecodeGoogle)
	_, err := p.ExchangeCode(context.Background(), "good-code")
	assert.ErrorContains(t, err, "incomplete identity")
}

func TestAuthCodeURL(t *testing.T) {
	p := Google("client-id", "secret", "https://app.example/callback")
	assert.Equal(t, "google", p.Name())
	u, err := url.Parse(p.AuthCodeURL("state-1"))
	require.NoError(t, err)
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Equal(t, "client-id", u.Query().Get("client_id"))
	assert.Equal(t, "github", GitHub("c", "s", "r").Name())
}
