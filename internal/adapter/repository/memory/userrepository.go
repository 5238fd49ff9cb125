// Package memory provides in-memory implementations of the user directory
// and the two-factor credential repository.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/port"
)

// dummyHash keeps VerifyPassword timing flat for unknown emails.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sessionguard-dummy"), bcrypt.MinCost)

type UserRepository struct {
	mu        sync.RWMutex
	data      map[string]*domain.User
	links     map[string]string
	twoFactor map[string]*domain.TwoFactorCredential
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		data:      make(map[string]*domain.User),
		links:     make(map[string]string),
		twoFactor: make(map[string]*domain.TwoFactorCredential),
	}
}

func (r *UserRepository) Save(ctx context.Context, entity *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("user with id is required")
	}
	u := *entity
	r.data[u.ID] = &u
	return nil
}

// Link maps an external provider account to a user.
func (r *UserRepository) Link(ctx context.Context, provider, externalID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[userID]; !ok {
		return port.ErrNotFound
	}
	r.links[linkKey(provider, externalID)] = userID
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entity, ok := r.data[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	u := *entity
	return &u, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findByEmailLocked(email)
}

func (r *UserRepository) findByEmailLocked(email string) (*domain.User, error) {
	for _, item := range r.data {
		if strings.EqualFold(item.Email, strings.TrimSpace(email)) {
			u := *item
			return &u, nil
		}
	}
	return nil, port.ErrNotFound
}

// ResolveExternal prefers an explicit link and falls back to the verified
// email address.
func (r *UserRepository) ResolveExternal(ctx context.Context, identity domain.VerifiedIdentity) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.links[linkKey(identity.Provider, identity.ExternalID)]; ok {
		if u, ok := r.data[id]; ok {
			out := *u
			return &out, nil
		}
	}
	return r.findByEmailLocked(identity.Email)
}

func (r *UserRepository) VerifyPassword(ctx context.Context, email, password string) (*domain.User, error) {
	u, err := r.FindByEmail(ctx, email)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, apperrors.Wrap(apperrors.KindInvalidCredentials, err, "unknown email")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidCredentials, err, "password mismatch")
	}
	return u, nil
}

func (r *UserRepository) GetTwoFactor(ctx context.Context, userID string) (*domain.TwoFactorCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.twoFactor[userID]
	if !ok {
		return nil, port.ErrNotFound
	}
	out := *cred
	out.BackupCodes = append([]string(nil), cred.BackupCodes...)
	return &out, nil
}

func (r *UserRepository) SaveTwoFactor(ctx context.Context, cred *domain.TwoFactorCredential) error {
	if cred == nil || cred.UserID == "" {
		return fmt.Errorf("two-factor credential with user id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *cred
	c.BackupCodes = append([]string(nil), cred.BackupCodes...)
	r.twoFactor[c.UserID] = &c
	return nil
}

func (r *UserRepository) ConsumeBackupCode(ctx context.Context, userID string, index int, expected string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.twoFactor[userID]
	if !ok || expected == "" || index < 0 || index >= len(cred.BackupCodes) {
		return false, nil
	}
	if cred.BackupCodes[index] != expected {
		return false, nil
	}
	cred.BackupCodes[index] = ""
	return true, nil
}

func (r *UserRepository) ReplaceBackupCodes(ctx context.Context, userID string, expected, replacement []string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.twoFactor[userID]
	if !ok || !slices.Equal(cred.BackupCodes, expected) {
		return false, nil
	}
	cred.BackupCodes = append([]string(nil), replacement...)
	return true, nil
}

func linkKey(provider, externalID string) string {
	return provider + ":" + externalID
}

var (
	_ port.UserDirectory       = (*UserRepository)(nil)
	_ port.CredentialVerifier  = (*UserRepository)(nil)
	_ port.TwoFactorRepository = (*UserRepository)(nil)
)
