// Package ledgertest is a conformance suite every RefreshTokenStore adapter
// runs from its own tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/port"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) port.RefreshTokenStore

var base = time.Unix(1_700_000_000, 0).UTC()

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAssignsIdentity", func(t *testing.T) { testSaveAssignsIdentity(t, newStore(t)) })
	t.Run("SaveKeepsExplicitFamily", func(t *testing.T) { testSaveKeepsExplicitFamily(t, newStore(t)) })
	t.Run("DuplicateTokenRejected", func(t *testing.T) { testDuplicateToken(t, newStore(t)) })
	t.Run("FindMissing", func(t *testing.T) { testFindMissing(t, newStore(t)) })
	t.Run("MarkUsedOnce", func(t *testing.T) { testMarkUsedOnce(t, newStore(t)) })
	t.Run("RevokeFamily", func(t *testing.T) { testRevokeFamily(t, newStore(t)) })
	t.Run("RevokeAllForUser", func(t *testing.T) { testRevokeAllForUser(t, newStore(t)) })
	t.Run("ActiveSessions", func(t *testing.T) { testActiveSessions(t, newStore(t)) })
	t.Run("DeleteDead", func(t *testing.T) { testDeleteDead(t, newStore(t)) })
}

func row(user, digest string, created time.Time) *domain.RefreshToken {
	return &domain.RefreshToken{
		UserID:     user,
		Token:      digest,
		ExpiresAt:  created.Add(7 * 24 * time.Hour),
		CreatedAt:  created,
		DeviceID:   "10.0.0.1",
		DeviceName: "test-agent",
	}
}

func save(t *testing.T, s port.RefreshTokenStore, tok *domain.RefreshToken) *domain.RefreshToken {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), tok))
	return tok
}

func testSaveAssignsIdentity(t *testing.T, s port.RefreshTokenStore) {
	ctx := context.Background()
	tok := save(t, s, row("u1", "d1", base))

	require.NotEmpty(t, tok.ID)
	assert.Equal(t, tok.ID, tok.Family)

	got, err := s.FindByToken(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, tok.ID, got.Family)
	assert.True(t, got.ExpiresAt.Equal(tok.ExpiresAt))
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Equal(t, "10.0.0.1", got.DeviceID)
	assert.Equal(t, "test-agent", got.DeviceName)
	assert.Nil(t, got.UsedAt)
	assert.Nil(t, got.RevokedAt)
	assert.False(t, got.IsRevoked)
}

func testSaveKeepsExplicitFamily(t *testing.T, s port.RefreshTokenStore) {
	root := save(t, s, row("u1", "d1", base))
	child := row("u1", "d2", base.Add(time.Minute))
	child.Family = root.Family
	save(t, s, child)

	got, err := s.FindByToken(context.Background(), "d2")
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.Family)
	assert.NotEqual(t, root.ID, got.ID)
}

func testDuplicateToken(t *testing.T, s port.RefreshTokenStore) {
	save(t, s, row("u1", "dup", base))
	err := s.Save(context.Background(), row("u2", "dup", base))
	assert.Error(t, err)
}

func testFindMissing(t *testing.T, s port.RefreshTokenStore) {
	_, err := s.FindByToken(context.Background(), "missing")
	assert.True(t, errors.Is(err, port.ErrNotFound), "got %v", err)
}

func testMarkUsedOnce(t *testing.T, s port.RefreshTokenStore) {
	ctx := context.Background()
	tok := save(t, s, row("u1", "d1", base))

	ok, err := s.MarkUsed(ctx, tok.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkUsed(ctx, tok.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "second consumer must lose")

	got, err := s.FindByToken(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)
	assert.True(t, got.UsedAt.Equal(base.Add(time.Minute)))
	assert.True(t, got.Consumed())

	other := save(t, s, row("u1", "d2", base))
	require.NoError(t, s.Revoke(ctx, other.ID, base))
	ok, err = s.MarkUsed(ctx, other.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "revoked rows cannot be consumed")
}

func testRevokeFamily(t *testing.T, s port.RefreshTokenStore) {
	ctx := context.Background()
	root := save(t, s, row("u1", "t0", base))
	for i := 1; i <= 2; i++ {
		child := row("u1", fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Minute))
		child.Family = root.Family
		save(t, s, child)
	}
	save(t, s, row("u1", "other", base))

	n, err := s.RevokeFamily(ctx, root.Family, base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, d := range []string{"t0", "t1", "t2"} {
		got, err := s.FindByToken(ctx, d)
		require.NoError(t, err)
		assert.True(t, got.IsRevoked, d)
		require.NotNil(t, got.RevokedAt, d)
	}
	other, err := s.FindByToken(ctx, "other")
	require.NoError(t, err)
	assert.False(t, other.IsRevoked)

	n, err = s.RevokeFamily(ctx, root.Family, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func testRevokeAllForUser(t *testing.T, s port.RefreshTokenStore) {
	ctx := context.Background()
	save(t, s, row("u1", "a", base))
	save(t, s, row("u1", "b", base))
	save(t, s, row("u2", "c", base))

	n, err := s.RevokeAllForUser(ctx, "u1", base)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	count, err := s.CountActive(ctx, "u1", base)
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = s.CountActive(ctx, "u2", base)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testActiveSessions(t *testing.T, s port.RefreshTokenStore) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	oldest := save(t, s, row("u1", "a", base))
	save(t, s, row("u1", "b", base.Add(time.Minute)))
	used := save(t, s, row("u1", "c", base.Add(-time.Minute)))
	_, err := s.MarkUsed(ctx, used.ID, base)
	require.NoError(t, err)
	expired := row("u1", "d", base.Add(-2*time.Minute))
	expired.ExpiresAt = base
	save(t, s, expired)

	count, err := s.CountActive(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := s.OldestActive(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, oldest.ID, got.ID)

	_, err = s.OldestActive(ctx, "nobody", now)
	assert.True(t, errors.Is(err, port.ErrNotFound))
}

func testDeleteDead(t *testing.T, s port.RefreshTokenStore) {
	ctx := context.Background()
	now := base.Add(48 * time.Hour)
	retention := 24 * time.Hour

	save(t, s, row("u1", "live", now.Add(-time.Hour)))

	expired := row("u1", "expired", base)
	expired.ExpiresAt = now.Add(-time.Second)
	save(t, s, expired)

	revoked := save(t, s, row("u1", "revoked", now.Add(-time.Hour)))
	require.NoError(t, s.Revoke(ctx, revoked.ID, now.Add(-time.Minute)))

	usedOld := save(t, s, row("u1", "used-old", now.Add(-30*time.Hour)))
	_, err := s.MarkUsed(ctx, usedOld.ID, now.Add(-25*time.Hour))
	require.NoError(t, err)

	usedRecent := save(t, s, row("u1", "used-recent", now.Add(-2*time.Hour)))
	_, err = s.MarkUsed(ctx, usedRecent.ID, now.Add(-time.Hour))
	require.NoError(t, err)

	n, err := s.DeleteDead(ctx, now, now.Add(-retention))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, d := range []string{"live", "used-recent"} {
		_, err := s.FindByToken(ctx, d)
		assert.NoError(t, err, d)
	}
	for _, d := range []string{"expired", "revoked", "used-old"} {
		_, err := s.FindByToken(ctx, d)
		assert.True(t, errors.Is(err, port.ErrNotFound), d)
	}

	n, err = s.DeleteDead(ctx, now, now.Add(-retention))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
