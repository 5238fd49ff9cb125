package service

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"image/png"
	"math/big"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
)

const (
	DefaultTOTPWindow      = 2
	DefaultBackupCodeCount = 10

	totpPeriod       = 30
	totpSecretBytes  = 20 // 160 bits
	backupCodeLength = 8
	backupAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	qrSize           = 256
)

// TwoFactorEngine implements TOTP and backup codes. It never touches storage:
// callers load and persist the credential.
type TwoFactorEngine struct {
	issuer     string
	window     uint
	codeCount  int
	bcryptCost int
	now        func() time.Time
}

type TwoFactorOption func(*TwoFactorEngine)

// WithTOTPWindow sets how many 30 second steps either side of now verify.
func WithTOTPWindow(steps uint) TwoFactorOption {
	return func(e *TwoFactorEngine) { e.window = steps }
}

func WithBackupCodes(count, cost int) TwoFactorOption {
	return func(e *TwoFactorEngine) {
		if count > 0 {
			e.codeCount = count
		}
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			e.bcryptCost = cost
		}
	}
}

func WithTwoFactorClock(now func() time.Time) TwoFactorOption {
	return func(e *TwoFactorEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewTwoFactorEngine(issuer string, opts ...TwoFactorOption) *TwoFactorEngine {
	e := &TwoFactorEngine{
		issuer:     issuer,
		window:     DefaultTOTPWindow,
		codeCount:  DefaultBackupCodeCount,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateSecret creates a fresh base32 seed and its otpauth:// URI.
func (e *TwoFactorEngine) GenerateSecret(accountLabel string) (domain.TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountLabel,
		Period:      totpPeriod,
		SecretSize:  totpSecretBytes,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return domain.TOTPEnrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}
	return domain.TOTPEnrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// VerifyCode checks code against secret at the current time.
func (e *TwoFactorEngine) VerifyCode(secret, code string) bool {
	return e.VerifyCodeAt(secret, code, e.now(), e.window)
}

// VerifyCodeAt checks code against secret at t, accepting window steps on
// either side. Any validation error counts as a mismatch.
func (e *TwoFactorEngine) VerifyCodeAt(secret, code string, t time.Time, window uint) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, t.UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      window,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateQRImage renders uri as a PNG QR code.
func (e *TwoFactorEngine) GenerateQRImage(uri string) ([]byte, error) {
	code, err := qr.Encode(uri, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, qrSize, qrSize)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// GenerateBackupCodes returns count codes for one-time display and their
// bcrypt hashes for storage. Non-positive count uses the configured default.
func (e *TwoFactorEngine) GenerateBackupCodes(count int) (domain.BackupCodes, error) {
	if count <= 0 {
		count = e.codeCount
	}
	out := domain.BackupCodes{
		Plaintext: make([]string, 0, count),
		Hashed:    make([]string, 0, count),
	}
	for i := 0; i < count; i++ {
		code, err := randomCode(backupCodeLength)
		if err != nil {
			return domain.BackupCodes{}, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), e.bcryptCost)
		if err != nil {
			return domain.BackupCodes{}, fmt.Errorf("hash backup code: %w", err)
		}
		out.Plaintext = append(out.Plaintext, code)
		out.Hashed = append(out.Hashed, string(hash))
	}
	return out, nil
}

// ValidateBackupCode finds the stored entry matching submitted. Hashed
// entries are checked before legacy plaintext ones; tombstones never match.
func (e *TwoFactorEngine) ValidateBackupCode(stored []string, submitted string) domain.BackupCodeMatch {
	code := normalizeBackupCode(submitted)
	if code == "" {
		return domain.BackupCodeMatch{Index: -1}
	}
	for i, h := range stored {
		if h == "" || isLegacyPlaintext(h) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil {
			return domain.BackupCodeMatch{Valid: true, Index: i}
		}
	}
	for i, h := range stored {
		if h == "" || !isLegacyPlaintext(h) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(normalizeBackupCode(h)), []byte(code)) == 1 {
			return domain.BackupCodeMatch{Valid: true, Index: i}
		}
	}
	return domain.BackupCodeMatch{Index: -1}
}

// ConsumeBackupCode tombstones stored[index] in a copy of stored.
func (e *TwoFactorEngine) ConsumeBackupCode(stored []string, index int) []string {
	out := append([]string(nil), stored...)
	if index >= 0 && index < len(out) {
		out[index] = ""
	}
	return out
}

// RehashLegacyBackupCodes replaces legacy plaintext entries with hashes and
// reports whether anything changed.
func (e *TwoFactorEngine) RehashLegacyBackupCodes(stored []string) ([]string, bool, error) {
	out := append([]string(nil), stored...)
	changed := false
	for i, h := range out {
		if h == "" || !isLegacyPlaintext(h) {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(h)), e.bcryptCost)
		if err != nil {
			return stored, false, fmt.Errorf("hash backup code: %w", err)
		}
		out[i] = string(hash)
		changed = true
	}
	return out, changed, nil
}

// Enroll moves cred to pending with a fresh secret. Existing backup codes are
// dropped; new ones are issued on confirmation.
func (e *TwoFactorEngine) Enroll(cred *domain.TwoFactorCredential, accountLabel string) (domain.TOTPEnrollment, error) {
	if cred.Enabled() {
		return domain.TOTPEnrollment{}, apperrors.Newf(apperrors.KindValidation, "two-factor already enabled")
	}
	enrollment, err := e.GenerateSecret(accountLabel)
	if err != nil {
		return domain.TOTPEnrollment{}, err
	}
	cred.Secret = enrollment.Secret
	cred.State = domain.TwoFactorPending
	cred.BackupCodes = nil
	return enrollment, nil
}

// Confirm enables a pending credential once code verifies, issuing backup
// codes.
func (e *TwoFactorEngine) Confirm(cred *domain.TwoFactorCredential, code string) (domain.BackupCodes, error) {
	if cred.State != domain.TwoFactorPending {
		return domain.BackupCodes{}, apperrors.Newf(apperrors.KindValidation, "two-factor enrollment not pending")
	}
	if !e.VerifyCode(cred.Secret, code) {
		return domain.BackupCodes{}, apperrors.Newf(apperrors.KindInvalidSecondFactor, "totp code rejected")
	}
	codes, err := e.GenerateBackupCodes(e.codeCount)
	if err != nil {
		return domain.BackupCodes{}, err
	}
	cred.State = domain.TwoFactorEnabled
	cred.BackupCodes = codes.Hashed
	return codes, nil
}

// Disable turns two-factor off. The caller verifies the second factor first.
func (e *TwoFactorEngine) Disable(cred *domain.TwoFactorCredential) error {
	if !cred.Enabled() {
		return apperrors.Newf(apperrors.KindValidation, "two-factor not enabled")
	}
	cred.Secret = ""
	cred.State = domain.TwoFactorDisabled
	cred.BackupCodes = nil
	return nil
}

// MatchSecondFactor accepts a TOTP code or a backup code without changing
// cred. For a backup code the returned match names the stored entry.
func (e *TwoFactorEngine) MatchSecondFactor(cred *domain.TwoFactorCredential, code string) (domain.SecondFactorMethod, domain.BackupCodeMatch, bool) {
	miss := domain.BackupCodeMatch{Index: -1}
	if !cred.Enabled() || strings.TrimSpace(code) == "" {
		return "", miss, false
	}
	if e.VerifyCode(cred.Secret, code) {
		return domain.SecondFactorTOTP, miss, true
	}
	match := e.ValidateBackupCode(cred.BackupCodes, code)
	if !match.Valid {
		return "", miss, false
	}
	return domain.SecondFactorBackup, match, true
}

// isLegacyPlaintext marks entries written before backup codes were hashed.
// Such entries are compared verbatim; every other entry is a bcrypt hash.
// TODO: delete this branch and the plaintext pass in ValidateBackupCode once
// RehashLegacyBackupCodes has run over every stored credential.
func isLegacyPlaintext(stored string) bool {
	return !strings.HasPrefix(stored, "$2")
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}

func randomCode(n int) (string, error) {
	limit := big.NewInt(int64(len(backupAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("random backup code: %w", err)
		}
		b.WriteByte(backupAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
