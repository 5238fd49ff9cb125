package domain

import "time"

// RefreshToken is one issued refresh token row. Token holds the digest of the
// signed bearer string, never the string itself.
type RefreshToken struct {
	ID         string
	UserID     string
	Token      string
	Family     string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	IsRevoked  bool
	RevokedAt  *time.Time
	CreatedAt  time.Time
	DeviceID   string
	DeviceName string
}

// FamilyID returns the lineage the token belongs to. A row saved without a
// family is the root of its own lineage.
func (t *RefreshToken) FamilyID() string {
	if t.Family != "" {
		return t.Family
	}
	return t.ID
}

// Consumed reports whether the token was already used by a rotation or
// revoked. A consumed token must never rotate again.
func (t *RefreshToken) Consumed() bool {
	return t.UsedAt != nil || t.IsRevoked || t.RevokedAt != nil
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Active reports whether the token still represents a live session.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Consumed() && !t.Expired(now)
}

// Binding is the soft session-binding metadata captured at issuance and
// compared on rotation.
type Binding struct {
	DeviceID   string
	DeviceName string
}

// Matches compares only the fields both sides carry.
func (b Binding) Matches(t *RefreshToken) bool {
	if b.DeviceID != "" && t.DeviceID != "" && b.DeviceID != t.DeviceID {
		return false
	}
	if b.DeviceName != "" && t.DeviceName != "" && b.DeviceName != t.DeviceName {
		return false
	}
	return true
}

// TokenPair is the result of an issuance.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RotationResult is what a successful rotation returns.
type RotationResult struct {
	Pair     TokenPair
	Identity Identity
}
