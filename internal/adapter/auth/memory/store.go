package authstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/port"
)

// MemoryStore is a RefreshTokenStore kept in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]*domain.RefreshToken
	byToken map[string]string
	byUser  map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]*domain.RefreshToken),
		byToken: make(map[string]string),
		byUser:  make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Save(ctx context.Context, token *domain.RefreshToken) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byToken[token.Token]; exists {
		return fmt.Errorf("refresh token already stored")
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.Family == "" {
		token.Family = token.ID
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	rec := *token
	s.rows[rec.ID] = &rec
	s.byToken[rec.Token] = rec.ID
	if s.byUser[rec.UserID] == nil {
		s.byUser[rec.UserID] = make(map[string]struct{})
	}
	s.byUser[rec.UserID][rec.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) FindByToken(ctx context.Context, digest string) (*domain.RefreshToken, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[digest]
	if !ok {
		return nil, port.ErrNotFound
	}
	rec := *s.rows[id]
	return &rec, nil
}

func (s *MemoryStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Consumed() {
		return false, nil
	}
	usedAt := at
	rec.UsedAt = &usedAt
	return true, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rows[id]; ok {
		revoke(rec, at)
	}
	return nil
}

func (s *MemoryStore) RevokeFamily(ctx context.Context, family string, at time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.rows {
		if rec.FamilyID() == family && revoke(rec, at) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id := range s.byUser[userID] {
		if revoke(s.rows[id], at) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeLocked(userID, now)), nil
}

func (s *MemoryStore) OldestActive(ctx context.Context, userID string, now time.Time) (*domain.RefreshToken, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.activeLocked(userID, now)
	if len(active) == 0 {
		return nil, port.ErrNotFound
	}
	rec := *active[0]
	return &rec, nil
}

func (s *MemoryStore) DeleteDead(ctx context.Context, now, usedBefore time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.rows {
		dead := rec.Expired(now) || rec.IsRevoked || rec.RevokedAt != nil ||
			(rec.UsedAt != nil && !rec.UsedAt.After(usedBefore))
		if !dead {
			continue
		}
		delete(s.rows, id)
		delete(s.byToken, rec.Token)
		delete(s.byUser[rec.UserID], id)
		if len(s.byUser[rec.UserID]) == 0 {
			delete(s.byUser, rec.UserID)
		}
		n++
	}
	return n, nil
}

// activeLocked returns the user's active rows, oldest first.
func (s *MemoryStore) activeLocked(userID string, now time.Time) []*domain.RefreshToken {
	var out []*domain.RefreshToken
	for id := range s.byUser[userID] {
		if rec := s.rows[id]; rec.Active(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func revoke(rec *domain.RefreshToken, at time.Time) bool {
	if rec.IsRevoked {
		return false
	}
	revokedAt := at
	rec.IsRevoked = true
	rec.RevokedAt = &revokedAt
	return true
}

var _ port.RefreshTokenStore = (*MemoryStore)(nil)
