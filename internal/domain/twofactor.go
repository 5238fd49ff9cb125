package domain

// TwoFactorState is the per-user enrollment state.
type TwoFactorState string

const (
	TwoFactorDisabled TwoFactorState = "disabled"
	TwoFactorPending  TwoFactorState = "pending"
	TwoFactorEnabled  TwoFactorState = "enabled"
)

// TwoFactorCredential holds the TOTP seed and the hashed backup codes of one
// user. A consumed backup code is tombstoned as an empty string so indexes of
// the remaining codes stay stable.
type TwoFactorCredential struct {
	UserID      string
	Secret      string
	State       TwoFactorState
	BackupCodes []string
}

func (c *TwoFactorCredential) Enabled() bool {
	return c != nil && c.State == TwoFactorEnabled
}

// RemainingBackupCodes counts codes that have not been consumed.
func (c *TwoFactorCredential) RemainingBackupCodes() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, code := range c.BackupCodes {
		if code != "" {
			n++
		}
	}
	return n
}

// TOTPEnrollment is returned when a secret is generated.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURI string
}

// BackupCodes pairs the one-time display values with what gets stored.
type BackupCodes struct {
	Plaintext []string
	Hashed    []string
}

// BackupCodeMatch is the outcome of a backup-code check. Index is -1 when no
// code matched.
type BackupCodeMatch struct {
	Valid bool
	Index int
}

// SecondFactorMethod names which factor satisfied a challenge.
type SecondFactorMethod string

const (
	SecondFactorTOTP   SecondFactorMethod = "totp"
	SecondFactorBackup SecondFactorMethod = "backup_code"
)
