package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	authstore "github.com/strogmv/sessionguard/internal/adapter/auth/memory"
	cachememory "github.com/strogmv/sessionguard/internal/adapter/cache/memory"
	repomemory "github.com/strogmv/sessionguard/internal/adapter/repository/memory"
	"github.com/strogmv/sessionguard/internal/config"
	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/pkg/auth"
	"github.com/strogmv/sessionguard/internal/pkg/logger"
	"github.com/strogmv/sessionguard/internal/port"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier captures dispatched alerts.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []port.NotificationMessage
}

func (n *recordingNotifier) Dispatch(_ context.Context, msg port.NotificationMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Event)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		JWTAccessSecret:  "access-secret-for-tests",
		JWTRefreshSecret: "refresh-secret-for-tests",
		JWTAccessTTL:     15 * time.Minute,
		JWTRefreshTTL:    7 * 24 * time.Hour,
		JWTIssuer:        "sessionguard",
		JWTAudience:      "sessionguard-api",
	}
}

type rotationHarness struct {
	clock    *fakeClock
	store    *authstore.MemoryStore
	users    *repomemory.UserRepository
	cache    *cachememory.Store
	signer   *auth.Signer
	notifier *recordingNotifier
	logs     *bytes.Buffer
	engine   *RotationEngine
}

var alice = domain.Identity{UserID: "u-alice", Email: "alice@example.com", Role: "member"}

func newRotationHarness(t *testing.T, opts ...RotationOption) *rotationHarness {
	t.Helper()
	h := &rotationHarness{
		clock:    newClock(),
		store:    authstore.NewMemoryStore(),
		users:    repomemory.NewUserRepository(),
		notifier: &recordingNotifier{},
		logs:     &bytes.Buffer{},
	}
	h.cache = cachememory.NewStore(15*time.Minute, cachememory.WithClock(h.clock.Now))
	signer, err := auth.NewSigner(testConfig(), auth.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.signer = signer
	require.NoError(t, h.users.Save(context.Background(), &domain.User{
		ID: alice.UserID, Email: alice.Email, Role: alice.Role, IsActive: true,
	}))

	base := []RotationOption{WithRotationClock(h.clock.Now), WithRotationNotifier(h.notifier)}
	h.engine = NewRotationEngine(h.store, h.users, h.cache, h.signer,
		logger.New("debug", h.logs), append(base, opts...)...)
	return h
}

func (h *rotationHarness) row(t *testing.T, refresh string) *domain.RefreshToken {
	t.Helper()
	row, err := h.store.FindByToken(context.Background(), auth.HashToken(refresh))
	require.NoError(t, err)
	return row
}
