package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/pkg/auth"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/port"
)

func TestIssueStartsOwnFamily(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()

	pair, err := h.engine.Issue(ctx, alice, domain.Binding{DeviceID: "10.0.0.1", DeviceName: "Firefox"})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), pair.RefreshExpiresAt)

	row := h.row(t, pair.RefreshToken)
	assert.Equal(t, row.ID, row.Family)
	assert.Equal(t, "10.0.0.1", row.DeviceID)
	assert.NotEqual(t, pair.RefreshToken, row.Token, "the ledger keeps a digest only")
}

func TestIssueRejectsIncompleteIdentity(t *testing.T) {
	h := newRotationHarness(t)
	_, err := h.engine.Issue(context.Background(), domain.Identity{UserID: "u1"}, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRotateIsOneShot(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()

	p0, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	res, err := h.engine.Rotate(ctx, p0.RefreshToken, domain.Binding{})
	require.NoError(t, err)
	assert.Equal(t, alice, res.Identity)
	assert.NotEqual(t, p0.RefreshToken, res.Pair.RefreshToken)
	assert.Equal(t, h.row(t, p0.RefreshToken).Family, h.row(t, res.Pair.RefreshToken).Family)

	_, err = h.engine.Rotate(ctx, p0.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrRevokedToken)

	_, err = h.engine.Rotate(ctx, res.Pair.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrRevokedToken, "the successor is burned with the family")
	assert.Contains(t, h.notifier.events(), domain.EventTokenReuseDetected)
	assert.Contains(t, h.logs.String(), "refresh token reuse detected")
}

func TestReuseRevokesWholeFamily(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()

	t0, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)
	r1, err := h.engine.Rotate(ctx, t0.RefreshToken, domain.Binding{})
	require.NoError(t, err)
	r2, err := h.engine.Rotate(ctx, r1.Pair.RefreshToken, domain.Binding{})
	require.NoError(t, err)

	other, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	_, err = h.engine.Rotate(ctx, r1.Pair.RefreshToken, domain.Binding{})
	require.ErrorIs(t, err, apperrors.ErrRevokedToken)

	for _, tok := range []string{t0.RefreshToken, r1.Pair.RefreshToken, r2.Pair.RefreshToken} {
		assert.True(t, h.row(t, tok).IsRevoked)
	}
	assert.False(t, h.row(t, other.RefreshToken).Consumed(), "other sessions are untouched")

	_, err = h.engine.Rotate(ctx, r2.Pair.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrRevokedToken)
}

func TestSessionCapEvictsOldest(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()

	var first domain.TokenPair
	for i := 0; i < DefaultMaxSessions; i++ {
		pair, err := h.engine.Issue(ctx, alice, domain.Binding{})
		require.NoError(t, err)
		if i == 0 {
			first = pair
		}
		h.clock.Advance(time.Second)
	}
	n, err := h.store.CountActive(ctx, alice.UserID, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, DefaultMaxSessions, n)

	_, err = h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	n, err = h.store.CountActive(ctx, alice.UserID, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSessions, n)
	assert.True(t, h.row(t, first.RefreshToken).IsRevoked)
	assert.Contains(t, h.notifier.events(), domain.EventSessionEvicted)
}

func TestRotationDoesNotCountAgainstCap(t *testing.T) {
	h := newRotationHarness(t, WithMaxSessions(1))
	ctx := context.Background()

	p, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)
	res, err := h.engine.Rotate(ctx, p.RefreshToken, domain.Binding{})
	require.NoError(t, err)
	assert.False(t, h.row(t, res.Pair.RefreshToken).Consumed())
	assert.Empty(t, h.notifier.events())
}

func TestRotateRejectsInvalidTokens(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	pair, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-jwt",
		"access token": pair.AccessToken,
		"empty":        "",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Rotate(ctx, tok, domain.Binding{})
			assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
		})
	}

	t.Run("unknown row", func(t *testing.T) {
		signed, _, err := h.signer.IssueRefreshToken(alice)
		require.NoError(t, err)
		_, err = h.engine.Rotate(ctx, signed, domain.Binding{})
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("expired jwt", func(t *testing.T) {
		h.clock.Advance(8 * 24 * time.Hour)
		_, err := h.engine.Rotate(ctx, pair.RefreshToken, domain.Binding{})
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})
}

// expiringStore reports every row as already past its expiry, so the ledger
// check fires while the JWT itself is still valid.
type expiringStore struct {
	port.RefreshTokenStore
	now func() time.Time
}

func (s expiringStore) FindByToken(ctx context.Context, digest string) (*domain.RefreshToken, error) {
	row, err := s.RefreshTokenStore.FindByToken(ctx, digest)
	if err != nil {
		return nil, err
	}
	row.ExpiresAt = s.now().Add(-time.Second)
	return row, nil
}

func TestRotateExpiredRowIsNotTheft(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	pair, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	engine := NewRotationEngine(expiringStore{h.store, h.clock.Now}, h.users, h.cache, h.signer, nil,
		WithRotationClock(h.clock.Now))
	_, err = engine.Rotate(ctx, pair.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrExpiredToken)
	assert.False(t, h.row(t, pair.RefreshToken).Consumed())
}

func TestRotateInactiveUser(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	pair, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	require.NoError(t, h.users.Save(ctx, &domain.User{ID: alice.UserID, Email: alice.Email, IsActive: false}))
	_, err = h.engine.Rotate(ctx, pair.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrInactiveUser)
	assert.False(t, h.row(t, pair.RefreshToken).Consumed())
}

func TestRotateBindingMismatchIsSoft(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	pair, err := h.engine.Issue(ctx, alice, domain.Binding{DeviceID: "10.0.0.1", DeviceName: "Firefox"})
	require.NoError(t, err)

	res, err := h.engine.Rotate(ctx, pair.RefreshToken, domain.Binding{DeviceID: "192.168.1.9"})
	require.NoError(t, err)
	assert.Contains(t, h.logs.String(), "refresh binding mismatch")

	next := h.row(t, res.Pair.RefreshToken)
	assert.Equal(t, "192.168.1.9", next.DeviceID)
	assert.Equal(t, "Firefox", next.DeviceName, "missing fields carry over")
}

func TestConcurrentRotationHasOneWinner(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	pair, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []domain.RotationResult
		losers  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Rotate(ctx, pair.RefreshToken, domain.Binding{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, res)
				return
			}
			if errors.Is(err, apperrors.ErrRevokedToken) {
				losers++
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, workers-1, losers)
	_, err = h.engine.Rotate(ctx, winners[0].Pair.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrRevokedToken, "the losers burned the family")
}

func TestRevokeAllDenylistsAccessTokens(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	p1, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)
	p2, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	id, err := h.engine.Authenticate(ctx, p1.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, alice, id)

	h.clock.Advance(time.Second)
	n, err := h.engine.RevokeAll(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = h.engine.Authenticate(ctx, p1.AccessToken)
	assert.ErrorIs(t, err, apperrors.ErrRevokedToken)
	_, err = h.engine.Rotate(ctx, p2.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrRevokedToken)

	h.clock.Advance(time.Second)
	fresh, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)
	_, err = h.engine.Authenticate(ctx, fresh.AccessToken)
	assert.NoError(t, err)
	assert.Contains(t, h.notifier.events(), domain.EventSessionsRevoked)
}

func TestAuthenticateExpiredAccessToken(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	p, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	_, err = h.engine.Authenticate(ctx, p.AccessToken)
	assert.ErrorIs(t, err, apperrors.ErrExpiredToken)
	_, err = h.engine.Authenticate(ctx, p.RefreshToken)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestCleanupIsIdempotent(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()

	p0, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)
	_, err = h.engine.Rotate(ctx, p0.RefreshToken, domain.Binding{})
	require.NoError(t, err)

	bob := domain.Identity{UserID: "u-bob", Email: "bob@example.com"}
	require.NoError(t, h.users.Save(ctx, &domain.User{ID: bob.UserID, Email: bob.Email, IsActive: true}))
	_, err = h.engine.Issue(ctx, bob, domain.Binding{})
	require.NoError(t, err)
	_, err = h.engine.RevokeAll(ctx, bob.UserID)
	require.NoError(t, err)

	n, err := h.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "revoked rows go at once, used rows stay for replay detection")

	_, err = h.engine.Rotate(ctx, p0.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrRevokedToken, "a late replay is still caught")

	h.clock.Advance(DefaultUsedRetention + time.Minute)
	n, err = h.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = h.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.store.FindByToken(ctx, auth.HashToken(p0.RefreshToken))
	assert.ErrorIs(t, err, port.ErrNotFound)
}

type failingLedger struct {
	port.RefreshTokenStore
}

func (failingLedger) CountActive(context.Context, string, time.Time) (int, error) {
	return 0, errors.New("connection refused")
}

func (failingLedger) FindByToken(context.Context, string) (*domain.RefreshToken, error) {
	return nil, errors.New("connection refused")
}

func TestLedgerFailureIsFatal(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	pair, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	engine := NewRotationEngine(failingLedger{h.store}, h.users, h.cache, h.signer, nil,
		WithRotationClock(h.clock.Now))
	_, err = engine.Issue(ctx, alice, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	_, err = engine.Rotate(ctx, pair.RefreshToken, domain.Binding{})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
}

type markUsedFailsLedger struct {
	port.RefreshTokenStore
}

func (markUsedFailsLedger) MarkUsed(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestFailedConsumeRevokesSuccessor(t *testing.T) {
	h := newRotationHarness(t)
	ctx := context.Background()
	pair, err := h.engine.Issue(ctx, alice, domain.Binding{})
	require.NoError(t, err)

	engine := NewRotationEngine(markUsedFailsLedger{h.store}, h.users, h.cache, h.signer, nil,
		WithRotationClock(h.clock.Now))
	_, err = engine.Rotate(ctx, pair.RefreshToken, domain.Binding{})
	require.ErrorIs(t, err, apperrors.ErrUnavailable)

	active, err := h.store.CountActive(ctx, alice.UserID, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, active, "only the unconsumed original stays active")

	_, err = h.engine.Rotate(ctx, pair.RefreshToken, domain.Binding{})
	assert.NoError(t, err, "the original is still redeemable")
}
