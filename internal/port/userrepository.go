package port

import (
	"context"

	"github.com/strogmv/sessionguard/internal/domain"
)

// UserDirectory resolves platform accounts. It is owned by the surrounding
// platform; the core only reads from it.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	// ResolveExternal maps a verified provider identity to a platform account.
	ResolveExternal(ctx context.Context, identity domain.VerifiedIdentity) (*domain.User, error)
}

// CredentialVerifier checks a primary credential and returns the account it
// belongs to. Returns ErrNotFound-wrapped or any error on mismatch.
type CredentialVerifier interface {
	VerifyPassword(ctx context.Context, email, password string) (*domain.User, error)
}

// TwoFactorRepository persists two-factor credentials on behalf of callers of
// the stateless two-factor engine.
type TwoFactorRepository interface {
	// GetTwoFactor returns ErrNotFound when the user never enrolled.
	GetTwoFactor(ctx context.Context, userID string) (*domain.TwoFactorCredential, error)
	SaveTwoFactor(ctx context.Context, cred *domain.TwoFactorCredential) error
	// ConsumeBackupCode tombstones backup code index only while it still
	// holds expected. It reports false when another request consumed it
	// first or the credential changed.
	ConsumeBackupCode(ctx context.Context, userID string, index int, expected string) (bool, error)
	// ReplaceBackupCodes swaps the stored codes only while they still equal
	// expected.
	ReplaceBackupCodes(ctx context.Context, userID string, expected, replacement []string) (bool, error)
}
