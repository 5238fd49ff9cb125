package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/pkg/auth"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/pkg/logger"
	"github.com/strogmv/sessionguard/internal/pkg/metrics"
	"github.com/strogmv/sessionguard/internal/port"
)

var tracer = otel.Tracer("github.com/strogmv/sessionguard/internal/service")

const (
	DefaultMaxSessions   = 10
	DefaultUsedRetention = 24 * time.Hour
)

// RotationEngine mints token pairs, rotates refresh tokens exactly once and
// burns the whole family when a consumed token comes back.
type RotationEngine struct {
	store         port.RefreshTokenStore
	users         port.UserDirectory
	denylist      port.Denylist
	signer        *auth.Signer
	notifier      port.NotificationDispatcher
	metrics       *metrics.Recorder
	logger        *slog.Logger
	maxSessions   int
	usedRetention time.Duration
	now           func() time.Time
}

type RotationOption func(*RotationEngine)

func WithMaxSessions(n int) RotationOption {
	return func(e *RotationEngine) {
		if n > 0 {
			e.maxSessions = n
		}
	}
}

// WithUsedRetention sets how long used rows stay queryable for replay
// detection before Cleanup removes them.
func WithUsedRetention(d time.Duration) RotationOption {
	return func(e *RotationEngine) {
		if d >= 0 {
			e.usedRetention = d
		}
	}
}

func WithRotationNotifier(n port.NotificationDispatcher) RotationOption {
	return func(e *RotationEngine) { e.notifier = n }
}

func WithRotationMetrics(m *metrics.Recorder) RotationOption {
	return func(e *RotationEngine) { e.metrics = m }
}

func WithRotationClock(now func() time.Time) RotationOption {
	return func(e *RotationEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewRotationEngine(store port.RefreshTokenStore, users port.UserDirectory, denylist port.Denylist,
	signer *auth.Signer, log *slog.Logger, opts ...RotationOption) *RotationEngine {
	if log == nil {
		log = logger.Discard()
	}
	e := &RotationEngine{
		store:         store,
		users:         users,
		denylist:      denylist,
		signer:        signer,
		logger:        log.With(slog.String("component", "rotation")),
		maxSessions:   DefaultMaxSessions,
		usedRetention: DefaultUsedRetention,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue starts a new session: a fresh family, subject to the session cap.
func (e *RotationEngine) Issue(ctx context.Context, id domain.Identity, binding domain.Binding) (domain.TokenPair, error) {
	ctx, span := tracer.Start(ctx, "RotationEngine.Issue")
	defer span.End()

	if err := validate.Struct(id); err != nil {
		return domain.TokenPair{}, apperrors.Wrap(apperrors.KindValidation, err, "identity")
	}
	if err := e.enforceSessionCap(ctx, id.UserID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.TokenPair{}, err
	}
	pair, _, err := e.mint(ctx, id, binding, "")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return pair, err
}

// Rotate exchanges a refresh token for a new pair. Every failure is kinded;
// callers map them to one opaque unauthorized response.
func (e *RotationEngine) Rotate(ctx context.Context, presented string, binding domain.Binding) (domain.RotationResult, error) {
	ctx, span := tracer.Start(ctx, "RotationEngine.Rotate")
	defer span.End()
	log := logger.From(ctx, e.logger)

	res, outcome, err := e.rotate(ctx, log, presented, binding)
	e.metrics.Rotation(outcome)
	span.SetAttributes(attribute.String("rotation.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
	}
	return res, err
}

func (e *RotationEngine) rotate(ctx context.Context, log *slog.Logger, presented string, binding domain.Binding) (domain.RotationResult, string, error) {
	var res domain.RotationResult

	claims, err := e.signer.ParseRefreshToken(presented)
	if err != nil {
		log.Info("refresh rejected", slog.String("reason", "signature"), slog.Any("error", err))
		return res, metrics.OutcomeInvalid, apperrors.Wrap(apperrors.KindInvalidToken, err, "refresh token signature")
	}

	row, err := e.store.FindByToken(ctx, auth.HashToken(presented))
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			log.Info("refresh rejected", slog.String("reason", "unknown_token"), slog.String("user_id", claims.Subject))
			return res, metrics.OutcomeInvalid, apperrors.Wrap(apperrors.KindInvalidToken, err, "refresh token not found")
		}
		return res, metrics.OutcomeError, ledgerError(err)
	}
	if row.UserID != claims.Subject {
		log.Warn("refresh rejected", slog.String("reason", "subject_mismatch"), slog.String("token_id", row.ID))
		return res, metrics.OutcomeInvalid, apperrors.Newf(apperrors.KindInvalidToken, "subject does not own token")
	}

	now := e.now()
	if row.Consumed() {
		e.burnFamily(ctx, log, row, "reuse")
		return res, metrics.OutcomeRevoked, apperrors.Newf(apperrors.KindRevokedToken, "refresh token reused")
	}
	if row.Expired(now) {
		log.Info("refresh rejected", slog.String("reason", "expired"), slog.String("token_id", row.ID))
		return res, metrics.OutcomeExpired, apperrors.Newf(apperrors.KindExpiredToken, "refresh token expired")
	}

	user, err := e.users.FindByID(ctx, row.UserID)
	if err != nil && !errors.Is(err, port.ErrNotFound) {
		return res, metrics.OutcomeError, apperrors.Wrap(apperrors.KindUnavailable, err, "user directory")
	}
	if !user.Active() {
		log.Info("refresh rejected", slog.String("reason", "inactive_user"), slog.String("user_id", row.UserID))
		return res, metrics.OutcomeInactive, apperrors.Newf(apperrors.KindInactiveUser, "user inactive")
	}

	// Soft binding: shifting networks and proxies must not lock users out.
	if !binding.Matches(row) {
		e.metrics.BindingMismatch()
		log.Warn("refresh binding mismatch",
			slog.String("user_id", row.UserID),
			slog.String("token_id", row.ID),
			slog.String("issued_device", row.DeviceID),
			slog.String("presented_device", binding.DeviceID),
		)
	}
	next := binding
	if next.DeviceID == "" {
		next.DeviceID = row.DeviceID
	}
	if next.DeviceName == "" {
		next.DeviceName = row.DeviceName
	}

	identity := user.Identity()
	pair, minted, err := e.mint(ctx, identity, next, row.FamilyID())
	if err != nil {
		return res, metrics.OutcomeError, err
	}

	won, err := e.store.MarkUsed(ctx, row.ID, now)
	if err != nil {
		// The successor must not outlive a rotation that never consumed
		// its predecessor.
		if rerr := e.store.Revoke(ctx, minted, now); rerr != nil {
			log.Error("minted refresh token left active",
				slog.String("user_id", row.UserID), slog.String("token_id", minted), slog.Any("error", rerr))
		}
		return res, metrics.OutcomeError, ledgerError(err)
	}
	if !won {
		// A concurrent rotation consumed the row first. Strict single use
		// treats the loser exactly like a replay.
		e.burnFamily(ctx, log, row, "concurrent_rotation")
		return res, metrics.OutcomeRevoked, apperrors.Newf(apperrors.KindRevokedToken, "refresh token consumed concurrently")
	}

	res.Pair = pair
	res.Identity = identity
	return res, metrics.OutcomeSuccess, nil
}

// RevokeAll ends every session of the user and denylists access tokens
// issued up to now. Returns the number of refresh rows revoked.
func (e *RotationEngine) RevokeAll(ctx context.Context, userID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "RotationEngine.RevokeAll")
	defer span.End()

	now := e.now()
	n, err := e.store.RevokeAllForUser(ctx, userID, now)
	if err != nil {
		return 0, ledgerError(err)
	}
	if err := e.denylist.BlacklistUser(ctx, userID, now); err != nil {
		return n, apperrors.Wrap(apperrors.KindUnavailable, err, "denylist")
	}
	logger.From(ctx, e.logger).Info("sessions revoked", slog.String("user_id", userID), slog.Int64("count", n))
	e.notify(ctx, port.NotificationMessage{
		Event:    domain.EventSessionsRevoked,
		Severity: "info",
		UserID:   userID,
		Payload:  domain.SessionsRevoked{UserID: userID, RevokedCount: n, At: now},
	})
	return n, nil
}

// Cleanup deletes expired, revoked and long-used rows. Safe to re-run.
func (e *RotationEngine) Cleanup(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "RotationEngine.Cleanup")
	defer span.End()

	now := e.now()
	n, err := e.store.DeleteDead(ctx, now, now.Add(-e.usedRetention))
	if err != nil {
		return 0, ledgerError(err)
	}
	e.metrics.CleanupRemoved(n)
	span.SetAttributes(attribute.Int64("cleanup.removed", n))
	return n, nil
}

// Authenticate verifies an access token and consults the denylist. Denylist
// failures fail closed.
func (e *RotationEngine) Authenticate(ctx context.Context, accessToken string) (domain.Identity, error) {
	claims, err := e.signer.ParseAccessToken(accessToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return domain.Identity{}, apperrors.Wrap(apperrors.KindExpiredToken, err, "access token")
		}
		return domain.Identity{}, apperrors.Wrap(apperrors.KindInvalidToken, err, "access token")
	}
	denied, err := e.denylist.IsBlacklisted(ctx, claims.Subject, claims.IssuedAt.Time)
	if err != nil {
		return domain.Identity{}, apperrors.Wrap(apperrors.KindUnavailable, err, "denylist")
	}
	if denied {
		return domain.Identity{}, apperrors.Newf(apperrors.KindRevokedToken, "access token issued before logout")
	}
	return claims.Identity(), nil
}

// mint signs a token pair and records the refresh row, returning its ledger id.
func (e *RotationEngine) mint(ctx context.Context, id domain.Identity, binding domain.Binding, family string) (domain.TokenPair, string, error) {
	access, accessExp, err := e.signer.IssueAccessToken(id)
	if err != nil {
		return domain.TokenPair{}, "", apperrors.Wrap(apperrors.KindUnknown, err, "sign access token")
	}
	refresh, refreshExp, err := e.signer.IssueRefreshToken(id)
	if err != nil {
		return domain.TokenPair{}, "", apperrors.Wrap(apperrors.KindUnknown, err, "sign refresh token")
	}

	row := &domain.RefreshToken{
		UserID:     id.UserID,
		Token:      auth.HashToken(refresh),
		Family:     family,
		ExpiresAt:  refreshExp,
		CreatedAt:  e.now(),
		DeviceID:   binding.DeviceID,
		DeviceName: binding.DeviceName,
	}
	if err := e.store.Save(ctx, row); err != nil {
		return domain.TokenPair{}, "", ledgerError(err)
	}
	return domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, row.ID, nil
}

// enforceSessionCap revokes the single oldest active session when the user
// is at the cap. Not linearizable with concurrent logins.
func (e *RotationEngine) enforceSessionCap(ctx context.Context, userID string) error {
	now := e.now()
	count, err := e.store.CountActive(ctx, userID, now)
	if err != nil {
		return ledgerError(err)
	}
	if count < e.maxSessions {
		return nil
	}
	oldest, err := e.store.OldestActive(ctx, userID, now)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return nil
		}
		return ledgerError(err)
	}
	if err := e.store.Revoke(ctx, oldest.ID, now); err != nil {
		return ledgerError(err)
	}
	e.metrics.SessionEvicted()
	logger.From(ctx, e.logger).Info("session evicted",
		slog.String("user_id", userID),
		slog.String("token_id", oldest.ID),
		slog.Int("active", count),
	)
	e.notify(ctx, port.NotificationMessage{
		Event:    domain.EventSessionEvicted,
		Severity: "info",
		UserID:   userID,
		Payload:  domain.SessionEvicted{UserID: userID, TokenID: oldest.ID, Family: oldest.FamilyID(), At: now},
	})
	return nil
}

// burnFamily revokes the lineage of row after a replay. Ledger errors are
// logged; the caller fails the request either way.
func (e *RotationEngine) burnFamily(ctx context.Context, log *slog.Logger, row *domain.RefreshToken, reason string) {
	now := e.now()
	n, err := e.store.RevokeFamily(ctx, row.FamilyID(), now)
	if err != nil {
		log.Error("family revocation failed", slog.String("family", row.FamilyID()), slog.Any("error", err))
	}
	e.metrics.ReuseDetected(n)
	log.Warn("refresh token reuse detected",
		slog.String("reason", reason),
		slog.String("user_id", row.UserID),
		slog.String("token_id", row.ID),
		slog.String("family", row.FamilyID()),
		slog.Int64("revoked", n),
	)
	e.notify(ctx, port.NotificationMessage{
		Event:    domain.EventTokenReuseDetected,
		Severity: "critical",
		UserID:   row.UserID,
		Payload: domain.TokenReuseDetected{
			UserID:       row.UserID,
			Family:       row.FamilyID(),
			TokenID:      row.ID,
			RevokedCount: n,
			DeviceID:     row.DeviceID,
			At:           now,
		},
	})
}

func (e *RotationEngine) notify(ctx context.Context, msg port.NotificationMessage) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Dispatch(ctx, msg); err != nil {
		logger.From(ctx, e.logger).Warn("security alert not delivered",
			slog.String("event", msg.Event), slog.Any("error", err))
	}
}

func ledgerError(err error) error {
	return apperrors.Wrap(apperrors.KindUnavailable, err, "token ledger")
}
