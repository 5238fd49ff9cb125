package domain

import "time"

// Identity is the set of claims minted into tokens.
type Identity struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	Role   string `json:"role"`
}

// VerifiedIdentity is what an external identity provider hands over after a
// successful code exchange.
type VerifiedIdentity struct {
	Provider   string `json:"provider" validate:"required"`
	ExternalID string `json:"externalId" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Name       string `json:"name"`
}

// User is the subset of the platform account the security core reads.
type User struct {
	ID           string
	Email        string
	Role         string
	PasswordHash string
	IsActive     bool
	DeletedAt    *time.Time
}

// Active reports whether the account may hold sessions.
func (u *User) Active() bool {
	return u != nil && u.IsActive && u.DeletedAt == nil
}

func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Email: u.Email, Role: u.Role}
}
