package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/pkg/logger"
	"github.com/strogmv/sessionguard/internal/pkg/metrics"
	"github.com/strogmv/sessionguard/internal/port"
)

// AuthDeps collects what the session façade composes.
type AuthDeps struct {
	Guard     *BruteForceGuard
	Rotation  *RotationEngine
	TwoFactor *TwoFactorEngine
	Providers *ProviderRegistry

	Users         port.UserDirectory
	Verifier      port.CredentialVerifier
	TwoFactorRepo port.TwoFactorRepository
	Notifier      port.NotificationDispatcher
	Metrics       *metrics.Recorder
}

// AuthImpl drives login, refresh, logout and two-factor management on top of
// the guard, the rotation engine and the two-factor engine.
type AuthImpl struct {
	guard         *BruteForceGuard
	rotation      *RotationEngine
	twoFactor     *TwoFactorEngine
	providers     *ProviderRegistry
	users         port.UserDirectory
	verifier      port.CredentialVerifier
	twoFactorRepo port.TwoFactorRepository
	notifier      port.NotificationDispatcher
	metrics       *metrics.Recorder
	logger        *slog.Logger
	now           func() time.Time
}

func NewAuthImpl(deps AuthDeps, log *slog.Logger) *AuthImpl {
	if log == nil {
		log = logger.Discard()
	}
	providers := deps.Providers
	if providers == nil {
		providers, _ = NewProviderRegistry()
	}
	return &AuthImpl{
		guard:         deps.Guard,
		rotation:      deps.Rotation,
		twoFactor:     deps.TwoFactor,
		providers:     providers,
		users:         deps.Users,
		verifier:      deps.Verifier,
		twoFactorRepo: deps.TwoFactorRepo,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		logger:        log.With(slog.String("component", "auth")),
		now:           time.Now,
	}
}

func (s *AuthImpl) Login(ctx context.Context, req port.LoginRequest) (resp port.LoginResponse, err error) {
	ctx, span := tracer.Start(ctx, "AuthImpl.Login")
	defer span.End()
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "login request")
	}
	origin := req.Client.Address
	if err := s.guard.Enforce(ctx, req.Email, origin); err != nil {
		return resp, err
	}

	user, err := s.verifier.VerifyPassword(ctx, req.Email, req.Password)
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInvalidCredentials && !errors.Is(err, port.ErrNotFound) {
			return resp, apperrors.Wrap(apperrors.KindUnavailable, err, "credential verifier")
		}
		s.recordFailure(ctx, req.Email, origin)
		logger.From(ctx, s.logger).Info("login rejected", slog.String("reason", "credentials"), slog.String("origin", origin))
		return resp, apperrors.Wrap(apperrors.KindInvalidCredentials, err, "password login")
	}
	if !user.Active() {
		return resp, apperrors.Newf(apperrors.KindInactiveUser, "user inactive")
	}

	method, err := s.checkSecondFactor(ctx, user.ID, req.Code, req.Email, origin)
	if err != nil {
		return resp, err
	}
	return s.finishLogin(ctx, user, method, req.Email, req.Client)
}

func (s *AuthImpl) LoginWithProvider(ctx context.Context, req port.ProviderLoginRequest) (resp port.LoginResponse, err error) {
	ctx, span := tracer.Start(ctx, "AuthImpl.LoginWithProvider")
	defer span.End()
	span.SetAttributes(attribute.String("auth.provider", req.Provider))
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "provider login request")
	}

	identity, err := s.providers.Exchange(ctx, req.Provider, req.Code)
	if err != nil {
		logger.From(ctx, s.logger).Info("login rejected", slog.String("reason", "provider_exchange"),
			slog.String("provider", req.Provider), slog.Any("error", err))
		return resp, err
	}
	origin := req.Client.Address
	if err := s.guard.Enforce(ctx, identity.Email, origin); err != nil {
		return resp, err
	}

	user, err := s.users.ResolveExternal(ctx, identity)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return resp, apperrors.Wrap(apperrors.KindInvalidCredentials, err, "no account for provider identity")
		}
		return resp, apperrors.Wrap(apperrors.KindUnavailable, err, "user directory")
	}
	if !user.Active() {
		return resp, apperrors.Newf(apperrors.KindInactiveUser, "user inactive")
	}

	method, err := s.checkSecondFactor(ctx, user.ID, req.TOTP, identity.Email, origin)
	if err != nil {
		return resp, err
	}
	return s.finishLogin(ctx, user, method, identity.Email, req.Client)
}

func (s *AuthImpl) Refresh(ctx context.Context, req port.RefreshRequest) (resp port.RefreshResponse, err error) {
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "refresh request")
	}
	res, err := s.rotation.Rotate(ctx, req.RefreshToken, bindingOf(req.Client))
	if err != nil {
		return resp, err
	}
	resp.AccessToken = res.Pair.AccessToken
	resp.RefreshToken = res.Pair.RefreshToken
	resp.AccessExpiresAt = res.Pair.AccessExpiresAt
	resp.RefreshExpiresAt = res.Pair.RefreshExpiresAt
	resp.UserID = res.Identity.UserID
	resp.Email = res.Identity.Email
	resp.Role = res.Identity.Role
	return resp, nil
}

func (s *AuthImpl) Logout(ctx context.Context, req port.LogoutRequest) (resp port.LogoutResponse, err error) {
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "logout request")
	}
	if _, err := s.rotation.RevokeAll(ctx, req.UserID); err != nil {
		return resp, err
	}
	resp.Ok = true
	return resp, nil
}

func (s *AuthImpl) BeginTwoFactor(ctx context.Context, req port.BeginTwoFactorRequest) (resp port.BeginTwoFactorResponse, err error) {
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "begin two-factor request")
	}
	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return resp, apperrors.Wrap(apperrors.KindValidation, err, "unknown user")
		}
		return resp, apperrors.Wrap(apperrors.KindUnavailable, err, "user directory")
	}
	cred, err := s.loadTwoFactor(ctx, req.UserID)
	if err != nil {
		return resp, err
	}
	enrollment, err := s.twoFactor.Enroll(cred, user.Email)
	if err != nil {
		return resp, err
	}
	png, err := s.twoFactor.GenerateQRImage(enrollment.ProvisioningURI)
	if err != nil {
		return resp, err
	}
	if err := s.saveTwoFactor(ctx, cred); err != nil {
		return resp, err
	}
	resp.Secret = enrollment.Secret
	resp.ProvisioningURI = enrollment.ProvisioningURI
	resp.QRCodePNG = png
	return resp, nil
}

func (s *AuthImpl) ConfirmTwoFactor(ctx context.Context, req port.ConfirmTwoFactorRequest) (resp port.ConfirmTwoFactorResponse, err error) {
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "confirm two-factor request")
	}
	cred, err := s.loadTwoFactor(ctx, req.UserID)
	if err != nil {
		return resp, err
	}
	codes, err := s.twoFactor.Confirm(cred, req.Code)
	if err != nil {
		s.metrics.SecondFactor(string(domain.SecondFactorTOTP), false)
		return resp, err
	}
	if err := s.saveTwoFactor(ctx, cred); err != nil {
		return resp, err
	}
	s.metrics.SecondFactor(string(domain.SecondFactorTOTP), true)
	logger.From(ctx, s.logger).Info("two-factor enabled", slog.String("user_id", req.UserID))
	s.notifyTwoFactor(ctx, domain.EventTwoFactorEnabled, "info", cred)
	resp.BackupCodes = codes.Plaintext
	return resp, nil
}

func (s *AuthImpl) DisableTwoFactor(ctx context.Context, req port.DisableTwoFactorRequest) (resp port.DisableTwoFactorResponse, err error) {
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "disable two-factor request")
	}
	cred, err := s.loadTwoFactor(ctx, req.UserID)
	if err != nil {
		return resp, err
	}
	if !cred.Enabled() {
		return resp, apperrors.Newf(apperrors.KindValidation, "two-factor not enabled")
	}
	if _, err := s.redeemSecondFactor(ctx, cred, req.Code); err != nil {
		return resp, err
	}
	if err := s.twoFactor.Disable(cred); err != nil {
		return resp, err
	}
	if err := s.saveTwoFactor(ctx, cred); err != nil {
		return resp, err
	}
	logger.From(ctx, s.logger).Warn("two-factor disabled", slog.String("user_id", req.UserID))
	s.notifyTwoFactor(ctx, domain.EventTwoFactorDisabled, "warning", cred)
	resp.Ok = true
	return resp, nil
}

// RegenerateBackupCodes replaces every backup code after a successful
// second-factor check.
func (s *AuthImpl) RegenerateBackupCodes(ctx context.Context, req port.RegenerateBackupCodesRequest) (resp port.RegenerateBackupCodesResponse, err error) {
	if err := req.Validate(); err != nil {
		return resp, apperrors.Wrap(apperrors.KindValidation, err, "regenerate backup codes request")
	}
	cred, err := s.loadTwoFactor(ctx, req.UserID)
	if err != nil {
		return resp, err
	}
	if !cred.Enabled() {
		return resp, apperrors.Newf(apperrors.KindValidation, "two-factor not enabled")
	}
	if _, err := s.redeemSecondFactor(ctx, cred, req.Code); err != nil {
		return resp, err
	}
	codes, err := s.twoFactor.GenerateBackupCodes(0)
	if err != nil {
		return resp, err
	}
	cred.BackupCodes = codes.Hashed
	if err := s.saveTwoFactor(ctx, cred); err != nil {
		return resp, err
	}
	resp.BackupCodes = codes.Plaintext
	return resp, nil
}

// checkSecondFactor returns the method that satisfied the challenge, or ""
// when the user has no second factor enabled.
func (s *AuthImpl) checkSecondFactor(ctx context.Context, userID, code, identity, origin string) (domain.SecondFactorMethod, error) {
	cred, err := s.twoFactorRepo.GetTwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return "", nil
		}
		return "", apperrors.Wrap(apperrors.KindUnavailable, err, "two-factor repository")
	}
	if !cred.Enabled() {
		return "", nil
	}
	if strings.TrimSpace(code) == "" {
		return "", apperrors.Newf(apperrors.KindSecondFactorRequired, "second factor required")
	}

	method, err := s.redeemSecondFactor(ctx, cred, code)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidSecondFactor) {
			s.recordFailure(ctx, identity, origin)
			logger.From(ctx, s.logger).Info("login rejected", slog.String("reason", "second_factor"), slog.String("user_id", userID))
		}
		return "", err
	}

	if method == domain.SecondFactorBackup {
		s.rehashBackupCodes(ctx, cred)
		logger.From(ctx, s.logger).Info("backup code used",
			slog.String("user_id", userID), slog.Int("remaining", cred.RemainingBackupCodes()))
	}
	return method, nil
}

// redeemSecondFactor checks code against cred. A backup code is consumed in
// the repository with a conditional write, so a code raced by concurrent
// requests is accepted once.
func (s *AuthImpl) redeemSecondFactor(ctx context.Context, cred *domain.TwoFactorCredential, code string) (domain.SecondFactorMethod, error) {
	method, match, ok := s.twoFactor.MatchSecondFactor(cred, code)
	if !ok {
		s.metrics.SecondFactor(string(domain.SecondFactorTOTP), false)
		return "", apperrors.Newf(apperrors.KindInvalidSecondFactor, "second factor rejected")
	}
	if method == domain.SecondFactorBackup {
		consumed, err := s.twoFactorRepo.ConsumeBackupCode(ctx, cred.UserID, match.Index, cred.BackupCodes[match.Index])
		if err != nil {
			return "", apperrors.Wrap(apperrors.KindUnavailable, err, "two-factor repository")
		}
		if !consumed {
			s.metrics.SecondFactor(string(method), false)
			return "", apperrors.Newf(apperrors.KindInvalidSecondFactor, "backup code already used")
		}
		cred.BackupCodes = s.twoFactor.ConsumeBackupCode(cred.BackupCodes, match.Index)
	}
	s.metrics.SecondFactor(string(method), true)
	return method, nil
}

// rehashBackupCodes upgrades legacy plaintext codes. A concurrent change to
// the stored codes skips the upgrade until the next backup-code login.
func (s *AuthImpl) rehashBackupCodes(ctx context.Context, cred *domain.TwoFactorCredential) {
	rehashed, changed, err := s.twoFactor.RehashLegacyBackupCodes(cred.BackupCodes)
	if err != nil || !changed {
		return
	}
	replaced, err := s.twoFactorRepo.ReplaceBackupCodes(ctx, cred.UserID, cred.BackupCodes, rehashed)
	if err != nil || !replaced {
		logger.From(ctx, s.logger).Debug("legacy backup codes not rehashed",
			slog.String("user_id", cred.UserID), slog.Any("error", err))
		return
	}
	cred.BackupCodes = rehashed
}

func (s *AuthImpl) finishLogin(ctx context.Context, user *domain.User, method domain.SecondFactorMethod,
	identity string, client port.ClientInfo) (port.LoginResponse, error) {
	var resp port.LoginResponse
	if err := s.guard.Reset(ctx, identity, client.Address); err != nil {
		logger.From(ctx, s.logger).Warn("attempt counter not reset", slog.Any("error", err))
	}
	id := user.Identity()
	pair, err := s.rotation.Issue(ctx, id, bindingOf(client))
	if err != nil {
		return resp, err
	}
	resp.AccessToken = pair.AccessToken
	resp.RefreshToken = pair.RefreshToken
	resp.AccessExpiresAt = pair.AccessExpiresAt
	resp.RefreshExpiresAt = pair.RefreshExpiresAt
	resp.UserID = id.UserID
	resp.Email = id.Email
	resp.Role = id.Role
	resp.SecondFactor = string(method)
	return resp, nil
}

func (s *AuthImpl) recordFailure(ctx context.Context, identity, origin string) {
	// The guard already logged the store failure; login proceeds to fail anyway.
	_ = s.guard.RecordFailure(ctx, identity, origin)
}

func (s *AuthImpl) loadTwoFactor(ctx context.Context, userID string) (*domain.TwoFactorCredential, error) {
	cred, err := s.twoFactorRepo.GetTwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return &domain.TwoFactorCredential{UserID: userID, State: domain.TwoFactorDisabled}, nil
		}
		return nil, apperrors.Wrap(apperrors.KindUnavailable, err, "two-factor repository")
	}
	return cred, nil
}

func (s *AuthImpl) saveTwoFactor(ctx context.Context, cred *domain.TwoFactorCredential) error {
	if err := s.twoFactorRepo.SaveTwoFactor(ctx, cred); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, err, "two-factor repository")
	}
	return nil
}

func (s *AuthImpl) notifyTwoFactor(ctx context.Context, event, severity string, cred *domain.TwoFactorCredential) {
	if s.notifier == nil {
		return
	}
	msg := port.NotificationMessage{
		Event:    event,
		Severity: severity,
		UserID:   cred.UserID,
		Payload:  domain.TwoFactorChanged{UserID: cred.UserID, State: cred.State, At: s.now()},
	}
	if err := s.notifier.Dispatch(ctx, msg); err != nil {
		logger.From(ctx, s.logger).Warn("security alert not delivered",
			slog.String("event", event), slog.Any("error", err))
	}
}

func bindingOf(c port.ClientInfo) domain.Binding {
	return domain.Binding{DeviceID: c.Address, DeviceName: c.UserAgent}
}

var _ port.Auth = (*AuthImpl)(nil)
