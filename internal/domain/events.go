package domain

import "time"

// Security event names routed through the notification dispatcher.
const (
	EventTokenReuseDetected = "token.reuse_detected"
	EventSessionEvicted     = "session.evicted"
	EventSessionsRevoked    = "sessions.revoked"
	EventLoginLocked        = "login.locked"
	EventTwoFactorEnabled   = "twofactor.enabled"
	EventTwoFactorDisabled  = "twofactor.disabled"
)

type TokenReuseDetected struct {
	UserID       string    `json:"userId"`
	Family       string    `json:"family"`
	TokenID      string    `json:"tokenId"`
	RevokedCount int64     `json:"revokedCount"`
	DeviceID     string    `json:"deviceId,omitempty"`
	At           time.Time `json:"at"`
}

type SessionEvicted struct {
	UserID  string    `json:"userId"`
	TokenID string    `json:"tokenId"`
	Family  string    `json:"family"`
	At      time.Time `json:"at"`
}

type SessionsRevoked struct {
	UserID       string    `json:"userId"`
	RevokedCount int64     `json:"revokedCount"`
	At           time.Time `json:"at"`
}

type LoginLocked struct {
	Identity string    `json:"identity"`
	Origin   string    `json:"origin"`
	Attempts int64     `json:"attempts"`
	At       time.Time `json:"at"`
}

type TwoFactorChanged struct {
	UserID string         `json:"userId"`
	State  TwoFactorState `json:"state"`
	At     time.Time      `json:"at"`
}
