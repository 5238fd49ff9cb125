package port

import (
	"context"

	"github.com/strogmv/sessionguard/internal/domain"
)

// IdentityProvider is one federated login strategy.
type IdentityProvider interface {
	Name() string
	// AuthCodeURL returns where to send the browser for consent.
	AuthCodeURL(state string) string
	// ExchangeCode trades an authorization code for a verified identity.
	ExchangeCode(ctx context.Context, code string) (domain.VerifiedIdentity, error)
}
