package service

import (
	"bytes"
	"image/png"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
)

const testSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func newTestEngine(now func() time.Time) *TwoFactorEngine {
	return NewTwoFactorEngine("SessionGuard", WithBackupCodes(10, bcrypt.MinCost), WithTwoFactorClock(now))
}

func TestGenerateSecret(t *testing.T) {
	e := newTestEngine(time.Now)
	enr, err := e.GenerateSecret("ada@example.com")
	require.NoError(t, err)
	assert.Len(t, enr.Secret, 32, "160 bits in base32")

	u, err := url.Parse(enr.ProvisioningURI)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", u.Scheme)
	assert.Equal(t, "totp", u.Host)
	assert.Equal(t, "SessionGuard", u.Query().Get("issuer"))
	assert.Equal(t, enr.Secret, u.Query().Get("secret"))
	assert.Contains(t, u.Path, "ada@example.com")

	other, err := e.GenerateSecret("ada@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, enr.Secret, other.Secret)
}

func TestVerifyCodeWindow(t *testing.T) {
	e := newTestEngine(time.Now)
	// Ten seconds into a step, so neighbouring steps are whole periods away.
	base := time.Unix(30*56_666_667+10, 0)
	code := codeAt(t, testSecret, base)

	for steps := -2; steps <= 2; steps++ {
		at := base.Add(time.Duration(steps) * 30 * time.Second)
		assert.True(t, e.VerifyCodeAt(testSecret, code, at, 2), "step %d", steps)
	}
	for _, steps := range []int{-3, 3} {
		at := base.Add(time.Duration(steps) * 30 * time.Second)
		assert.False(t, e.VerifyCodeAt(testSecret, code, at, 2), "step %d", steps)
	}
}

func TestVerifyCodeNeverPanicsOnBadInput(t *testing.T) {
	e := newTestEngine(time.Now)
	assert.False(t, e.VerifyCode(testSecret, ""))
	assert.False(t, e.VerifyCode(testSecret, "12345"))
	assert.False(t, e.VerifyCode(testSecret, "abcdef"))
	assert.False(t, e.VerifyCode("not base32!", "123456"))
}

func TestGenerateQRImage(t *testing.T) {
	e := newTestEngine(time.Now)
	enr, err := e.GenerateSecret("ada@example.com")
	require.NoError(t, err)

	img, err := e.GenerateQRImage(enr.ProvisioningURI)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, 256, decoded.Bounds().Dx())
}

func TestBackupCodes(t *testing.T) {
	e := newTestEngine(time.Now)
	codes, err := e.GenerateBackupCodes(0)
	require.NoError(t, err)
	require.Len(t, codes.Plaintext, 10)
	require.Len(t, codes.Hashed, 10)

	seen := map[string]bool{}
	for i, c := range codes.Plaintext {
		assert.Len(t, c, 8)
		assert.Equal(t, strings.ToUpper(c), c)
		assert.NotEqual(t, c, codes.Hashed[i])
		seen[c] = true
	}
	assert.Len(t, seen, 10)

	match := e.ValidateBackupCode(codes.Hashed, strings.ToLower(codes.Plaintext[3][:4])+"-"+codes.Plaintext[3][4:])
	require.True(t, match.Valid)
	assert.Equal(t, 3, match.Index)

	stored := e.ConsumeBackupCode(codes.Hashed, match.Index)
	assert.NotEmpty(t, codes.Hashed[3], "consume copies")
	again := e.ValidateBackupCode(stored, codes.Plaintext[3])
	assert.False(t, again.Valid)
	assert.Equal(t, -1, again.Index)

	assert.False(t, e.ValidateBackupCode(stored, "").Valid)
	assert.False(t, e.ValidateBackupCode(stored, "ZZZZZZZZ").Valid)
}

func TestLegacyPlaintextBackupCodes(t *testing.T) {
	e := newTestEngine(time.Now)
	hashed, err := bcrypt.GenerateFromPassword([]byte("ABCD2345"), bcrypt.MinCost)
	require.NoError(t, err)
	stored := []string{"", "legacy99", string(hashed)}

	match := e.ValidateBackupCode(stored, "LEGACY99")
	assert.Equal(t, domain.BackupCodeMatch{Valid: true, Index: 1}, match)
	match = e.ValidateBackupCode(stored, "abcd 2345")
	assert.Equal(t, domain.BackupCodeMatch{Valid: true, Index: 2}, match)

	rehashed, changed, err := e.RehashLegacyBackupCodes(stored)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, rehashed[0])
	assert.False(t, isLegacyPlaintext(rehashed[1]))
	assert.Equal(t, stored[2], rehashed[2])
	assert.Equal(t, 1, e.ValidateBackupCode(rehashed, "legacy99").Index)

	_, changed, err = e.RehashLegacyBackupCodes(rehashed)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestTwoFactorStateMachine(t *testing.T) {
	now := time.Unix(30*56_666_667+10, 0)
	e := newTestEngine(func() time.Time { return now })
	cred := &domain.TwoFactorCredential{UserID: "u1", State: domain.TwoFactorDisabled}

	enr, err := e.Enroll(cred, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.TwoFactorPending, cred.State)
	assert.Equal(t, enr.Secret, cred.Secret)

	_, err = e.Confirm(cred, "12345")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSecondFactor)
	assert.Equal(t, domain.TwoFactorPending, cred.State)

	codes, err := e.Confirm(cred, codeAt(t, cred.Secret, now))
	require.NoError(t, err)
	assert.True(t, cred.Enabled())
	assert.Equal(t, 10, cred.RemainingBackupCodes())

	_, err = e.Enroll(cred, "ada@example.com")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	method, match, ok := e.MatchSecondFactor(cred, codes.Plaintext[0])
	assert.True(t, ok)
	assert.Equal(t, domain.SecondFactorBackup, method)
	assert.Equal(t, 0, match.Index)
	assert.Equal(t, 10, cred.RemainingBackupCodes(), "matching alone does not consume")
	cred.BackupCodes = e.ConsumeBackupCode(cred.BackupCodes, match.Index)
	assert.Equal(t, 9, cred.RemainingBackupCodes())
	_, _, ok = e.MatchSecondFactor(cred, codes.Plaintext[0])
	assert.False(t, ok)

	method, match, ok = e.MatchSecondFactor(cred, codeAt(t, cred.Secret, now))
	assert.True(t, ok)
	assert.Equal(t, domain.SecondFactorTOTP, method)
	assert.Equal(t, -1, match.Index)

	require.NoError(t, e.Disable(cred))
	assert.Equal(t, domain.TwoFactorDisabled, cred.State)
	assert.Empty(t, cred.Secret)
	assert.Zero(t, cred.RemainingBackupCodes())

	assert.ErrorIs(t, e.Disable(cred), apperrors.ErrValidation)
	_, err = e.Confirm(cred, "123456")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
