package port

import (
	"context"
	"errors"
	"time"

	"github.com/strogmv/sessionguard/internal/domain"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// RefreshTokenStore is the token ledger. Implementations must keep the token
// digest unique and make MarkUsed a conditional update so that at most one
// caller consumes a given row.
type RefreshTokenStore interface {
	// Save inserts a new row. Empty ID, Family and CreatedAt are assigned;
	// Family defaults to the row's own ID.
	Save(ctx context.Context, token *domain.RefreshToken) error
	// FindByToken looks a row up by its digest. Returns ErrNotFound when absent.
	FindByToken(ctx context.Context, digest string) (*domain.RefreshToken, error)
	// MarkUsed sets UsedAt when the row is neither used nor revoked yet. It
	// reports false when another caller got there first.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	// Revoke revokes one row.
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeFamily revokes every row of a lineage and returns how many rows
	// changed state.
	RevokeFamily(ctx context.Context, family string, at time.Time) (int64, error)
	// RevokeAllForUser revokes every row of the user.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	// CountActive counts rows of the user that are not used, not revoked and
	// not expired at now.
	CountActive(ctx context.Context, userID string, now time.Time) (int, error)
	// OldestActive returns the earliest created active row of the user, or
	// ErrNotFound.
	OldestActive(ctx context.Context, userID string, now time.Time) (*domain.RefreshToken, error)
	// DeleteDead removes rows that are expired at now, revoked, or used at or
	// before usedBefore.
	DeleteDead(ctx context.Context, now, usedBefore time.Time) (int64, error)
}
