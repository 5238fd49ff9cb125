package http

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/port"
)

// Authenticator verifies access tokens, the denylist included.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (domain.Identity, error)
}

type identityKey struct{}

// RequireAccess rejects requests without a valid access token. The token is
// read from the Authorization header first, then from the access cookie.
func RequireAccess(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				apperrors.WriteError(w, r, apperrors.Newf(apperrors.KindInvalidToken, "missing access token"))
				return
			}
			id, err := a.Authenticate(r.Context(), token)
			if err != nil {
				apperrors.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// IdentityFrom returns the identity RequireAccess stored in ctx.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(AccessCookie); err == nil {
		return c.Value
	}
	return ""
}

// clientInfo reads the origin metadata. RemoteAddr is only ever rewritten by
// TrustedProxies for requests that came through a configured proxy.
func clientInfo(r *http.Request) port.ClientInfo {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return port.ClientInfo{Address: addr, UserAgent: r.UserAgent()}
}
