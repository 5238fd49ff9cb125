package authpg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/port"
)

//go:embed schema.sql
var Schema string

const columns = `id, user_id, token, family, expires_at, used_at, is_revoked, revoked_at, created_at, device_id, device_name`

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the refresh_tokens table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("db not configured")
	}
	_, err := s.db.Exec(ctx, Schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("db not configured")
	}
	return s.db.Ping(ctx)
}

func (s *Store) Save(ctx context.Context, token *domain.RefreshToken) error {
	if s.db == nil {
		return fmt.Errorf("db not configured")
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
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, token.ID, token.UserID, token.Token, token.Family, token.ExpiresAt, token.UsedAt,
		token.IsRevoked, token.RevokedAt, token.CreatedAt, token.DeviceID, token.DeviceName)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("refresh token already stored: %w", err)
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *Store) FindByToken(ctx context.Context, digest string) (*domain.RefreshToken, error) {
	if s.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM refresh_tokens WHERE token = $1`, digest)
	rec, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, port.ErrNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return rec, nil
}

func (s *Store) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("db not configured")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET used_at = $2
		WHERE id = $1 AND used_at IS NULL AND is_revoked = FALSE
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark refresh token used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return fmt.Errorf("db not configured")
	}
	_, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $2
		WHERE id = $1 AND is_revoked = FALSE
	`, id, at)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *Store) RevokeFamily(ctx context.Context, family string, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("db not configured")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $2
		WHERE family = $1 AND is_revoked = FALSE
	`, family, at)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("db not configured")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $2
		WHERE user_id = $1 AND is_revoked = FALSE
	`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("db not configured")
	}
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM refresh_tokens
		WHERE user_id = $1 AND is_revoked = FALSE AND used_at IS NULL AND expires_at > $2
	`, userID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (s *Store) OldestActive(ctx context.Context, userID string, now time.Time) (*domain.RefreshToken, error) {
	if s.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+columns+` FROM refresh_tokens
		WHERE user_id = $1 AND is_revoked = FALSE AND used_at IS NULL AND expires_at > $2
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, userID, now)
	rec, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, port.ErrNotFound
		}
		return nil, fmt.Errorf("find oldest session: %w", err)
	}
	return rec, nil
}

func (s *Store) DeleteDead(ctx context.Context, now, usedBefore time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("db not configured")
	}
	tag, err := s.db.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at <= $1
		   OR is_revoked = TRUE
		   OR (used_at IS NOT NULL AND used_at <= $2)
	`, now, usedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete dead refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (*domain.RefreshToken, error) {
	var rec domain.RefreshToken
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Token, &rec.Family, &rec.ExpiresAt, &rec.UsedAt,
		&rec.IsRevoked, &rec.RevokedAt, &rec.CreatedAt, &rec.DeviceID, &rec.DeviceName)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

var _ port.RefreshTokenStore = (*Store)(nil)
