package port

import (
	"context"
	"time"
)

// Denylist rejects access tokens of a user issued at or before a cutoff.
type Denylist interface {
	BlacklistUser(ctx context.Context, userID string, cutoff time.Time) error
	IsBlacklisted(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
}
