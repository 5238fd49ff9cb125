package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Newf(KindRevokedToken, "family %s burned", "f1")
	wrapped := fmt.Errorf("rotate: %w", err)

	assert.True(t, Is(wrapped, ErrRevokedToken))
	assert.False(t, Is(wrapped, ErrExpiredToken))
	assert.Equal(t, KindRevokedToken, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(stderrors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("signature mismatch")
	err := Wrap(KindInvalidToken, cause, "parse refresh token")

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, Is(err, ErrInvalidToken))
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestPublicIsOpaque(t *testing.T) {
	kinds := []Kind{KindInvalidToken, KindExpiredToken, KindRevokedToken, KindInactiveUser, KindInvalidCredentials}
	var first *Error
	for _, k := range kinds {
		pub := Public(Newf(k, "internal reason %d", k))
		assert.Equal(t, http.StatusUnauthorized, pub.Status)
		assert.NotContains(t, pub.Detail, "internal reason")
		if first == nil {
			first = pub
			continue
		}
		assert.Equal(t, first.Title, pub.Title)
		assert.Equal(t, first.Detail, pub.Detail)
	}
}

func TestPublicUnknownIsUnavailable(t *testing.T) {
	pub := Public(stderrors.New("connection refused"))
	assert.Equal(t, http.StatusServiceUnavailable, pub.Status)
	assert.NotContains(t, pub.Detail, "refused")
}

func TestRateLimitedRoundsUp(t *testing.T) {
	tests := []struct {
		retry time.Duration
		want  string
	}{
		{30 * time.Second, "1 minute."},
		{61 * time.Second, "2 minutes."},
		{15 * time.Minute, "15 minutes."},
		{0, "1 minute."},
	}
	for _, tt := range tests {
		err := RateLimited(tt.retry)
		assert.Contains(t, err.Detail, tt.want, "retry %s", tt.retry)
		assert.True(t, Is(err, ErrRateLimited))
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)

	WriteError(rec, req, RateLimited(90*time.Second))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/auth/login", body["instance"])
	assert.Equal(t, float64(http.StatusTooManyRequests), body["status"])
}
