// Package authsqlite is a RefreshTokenStore on SQLite, for single-node
// deployments and local development. Timestamps are stored as unix
// nanoseconds so range predicates compare numerically.
package authsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/port"
)

const schema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    token       TEXT NOT NULL UNIQUE,
    family      TEXT NOT NULL,
    expires_at  INTEGER NOT NULL,
    used_at     INTEGER,
    is_revoked  INTEGER NOT NULL DEFAULT 0,
    revoked_at  INTEGER,
    created_at  INTEGER NOT NULL,
    device_id   TEXT NOT NULL DEFAULT '',
    device_name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS refresh_tokens_user_idx ON refresh_tokens (user_id, created_at);
CREATE INDEX IF NOT EXISTS refresh_tokens_family_idx ON refresh_tokens (family);
`

const activePredicate = `user_id = ? AND is_revoked = 0 AND used_at IS NULL AND expires_at > ?`

type tokenRow struct {
	ID         string        `db:"id"`
	UserID     string        `db:"user_id"`
	Token      string        `db:"token"`
	Family     string        `db:"family"`
	ExpiresAt  int64         `db:"expires_at"`
	UsedAt     sql.NullInt64 `db:"used_at"`
	IsRevoked  bool          `db:"is_revoked"`
	RevokedAt  sql.NullInt64 `db:"revoked_at"`
	CreatedAt  int64         `db:"created_at"`
	DeviceID   string        `db:"device_id"`
	DeviceName string        `db:"device_name"`
}

func (r tokenRow) toDomain() *domain.RefreshToken {
	rec := &domain.RefreshToken{
		ID:         r.ID,
		UserID:     r.UserID,
		Token:      r.Token,
		Family:     r.Family,
		ExpiresAt:  time.Unix(0, r.ExpiresAt),
		IsRevoked:  r.IsRevoked,
		CreatedAt:  time.Unix(0, r.CreatedAt),
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
	}
	if r.UsedAt.Valid {
		t := time.Unix(0, r.UsedAt.Int64)
		rec.UsedAt = &t
	}
	if r.RevokedAt.Valid {
		t := time.Unix(0, r.RevokedAt.Int64)
		rec.RevokedAt = &t
	}
	return rec
}

type Store struct {
	db *sqlx.DB
}

// Open connects to dsn with the modernc driver. SQLite allows one writer, so
// the pool is capped at a single connection.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Save(ctx context.Context, token *domain.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.Family == "" {
		token.Family = token.ID
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, family, expires_at, used_at, is_revoked, revoked_at, created_at, device_id, device_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.Token, token.Family, token.ExpiresAt.UnixNano(),
		nullableNanos(token.UsedAt), token.IsRevoked, nullableNanos(token.RevokedAt),
		token.CreatedAt.UnixNano(), token.DeviceID, token.DeviceName)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("refresh token already stored: %w", err)
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *Store) FindByToken(ctx context.Context, digest string) (*domain.RefreshToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM refresh_tokens WHERE token = ?`, digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, port.ErrNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET used_at = ?
		WHERE id = ? AND used_at IS NULL AND is_revoked = 0`, at.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("mark refresh token used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET is_revoked = 1, revoked_at = ?
		WHERE id = ? AND is_revoked = 0`, at.UnixNano(), id)
	return err
}

func (s *Store) RevokeFamily(ctx context.Context, family string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET is_revoked = 1, revoked_at = ?
		WHERE family = ? AND is_revoked = 0`, at.UnixNano(), family)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET is_revoked = 1, revoked_at = ?
		WHERE user_id = ? AND is_revoked = 0`, at.UnixNano(), userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM refresh_tokens WHERE `+activePredicate, userID, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (s *Store) OldestActive(ctx context.Context, userID string, now time.Time) (*domain.RefreshToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM refresh_tokens WHERE `+activePredicate+`
		ORDER BY created_at ASC, id ASC LIMIT 1`, userID, now.UnixNano())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, port.ErrNotFound
		}
		return nil, fmt.Errorf("find oldest session: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteDead(ctx context.Context, now, usedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at <= ?
		   OR is_revoked = 1
		   OR (used_at IS NOT NULL AND used_at <= ?)`, now.UnixNano(), usedBefore.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete dead refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

var _ port.RefreshTokenStore = (*Store)(nil)
