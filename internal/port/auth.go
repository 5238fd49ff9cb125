package port

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Auth is the session façade used by the transport layer.
type Auth interface {
	Login(ctx context.Context, req LoginRequest) (LoginResponse, error)
	LoginWithProvider(ctx context.Context, req ProviderLoginRequest) (LoginResponse, error)
	Refresh(ctx context.Context, req RefreshRequest) (RefreshResponse, error)
	Logout(ctx context.Context, req LogoutRequest) (LogoutResponse, error)
	BeginTwoFactor(ctx context.Context, req BeginTwoFactorRequest) (BeginTwoFactorResponse, error)
	ConfirmTwoFactor(ctx context.Context, req ConfirmTwoFactorRequest) (ConfirmTwoFactorResponse, error)
	DisableTwoFactor(ctx context.Context, req DisableTwoFactorRequest) (DisableTwoFactorResponse, error)
	RegenerateBackupCodes(ctx context.Context, req RegenerateBackupCodesRequest) (RegenerateBackupCodesResponse, error)
}

// Request/Response DTOs

// ClientInfo is the origin metadata every request carries.
type ClientInfo struct {
	Address   string `json:"-" validate:"required"`
	UserAgent string `json:"-"`
}

type LoginRequest struct {
	Email    string     `json:"email" validate:"required,email"`
	Password string     `json:"password" validate:"required"`
	Code     string     `json:"code"`
	Client   ClientInfo `json:"-"`
}

func (d *LoginRequest) Validate() error {
	return validate.Struct(d)
}

type ProviderLoginRequest struct {
	Provider string     `json:"provider" validate:"required"`
	Code     string     `json:"code" validate:"required"`
	TOTP     string     `json:"totp"`
	Client   ClientInfo `json:"-"`
}

func (d *ProviderLoginRequest) Validate() error {
	return validate.Struct(d)
}

type LoginResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	UserID           string    `json:"userId"`
	Email            string    `json:"email"`
	Role             string    `json:"role"`
	SecondFactor     string    `json:"secondFactor,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string     `json:"refreshToken" validate:"required"`
	Client       ClientInfo `json:"-"`
}

func (d *RefreshRequest) Validate() error {
	return validate.Struct(d)
}

type RefreshResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	UserID           string    `json:"userId"`
	Email            string    `json:"email"`
	Role             string    `json:"role"`
}

type LogoutRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (d *LogoutRequest) Validate() error {
	return validate.Struct(d)
}

type LogoutResponse struct {
	Ok bool `json:"ok"`
}

type BeginTwoFactorRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (d *BeginTwoFactorRequest) Validate() error {
	return validate.Struct(d)
}

type BeginTwoFactorResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioningUri"`
	QRCodePNG       []byte `json:"qrCodePng"`
}

type ConfirmTwoFactorRequest struct {
	UserID string `json:"userId" validate:"required"`
	Code   string `json:"code" validate:"required,len=6,numeric"`
}

func (d *ConfirmTwoFactorRequest) Validate() error {
	return validate.Struct(d)
}

type ConfirmTwoFactorResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

type DisableTwoFactorRequest struct {
	UserID string `json:"userId" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

func (d *DisableTwoFactorRequest) Validate() error {
	return validate.Struct(d)
}

type DisableTwoFactorResponse struct {
	Ok bool `json:"ok"`
}

type RegenerateBackupCodesRequest struct {
	UserID string `json:"userId" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

func (d *RegenerateBackupCodesRequest) Validate() error {
	return validate.Struct(d)
}

type RegenerateBackupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}
