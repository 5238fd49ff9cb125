package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/port"
)

//go:embed schema.sql
var Schema string

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sessionguard-dummy"), bcrypt.DefaultCost)

const userColumns = `u.id, u.email, u.role, u.password_hash, u.is_active, u.deleted_at`

// UserRepository reads platform accounts and persists two-factor credentials.
type UserRepository struct {
	DB *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{DB: pool}
}

func (r *UserRepository) Migrate(ctx context.Context) error {
	_, err := r.DB.Exec(ctx, Schema)
	return err
}

// ---------- UserDirectory ----------

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
	return scanUser(row)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE LOWER(u.email) = LOWER($1)`,
		strings.TrimSpace(email))
	return scanUser(row)
}

func (r *UserRepository) ResolveExternal(ctx context.Context, identity domain.VerifiedIdentity) (*domain.User, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users u
		JOIN user_identities i ON i.user_id = u.id
		WHERE i.provider = $1 AND i.external_id = $2`, identity.Provider, identity.ExternalID)
	u, err := scanUser(row)
	if errors.Is(err, port.ErrNotFound) {
		return r.FindByEmail(ctx, identity.Email)
	}
	return u, err
}

// Link maps an external provider account to a user.
func (r *UserRepository) Link(ctx context.Context, provider, externalID, userID string) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO user_identities (provider, external_id, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (provider, external_id) DO UPDATE SET user_id = $3`, provider, externalID, userID)
	return err
}

// ---------- CredentialVerifier ----------

func (r *UserRepository) VerifyPassword(ctx context.Context, email, password string) (*domain.User, error) {
	u, err := r.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, port.ErrNotFound) {
			return nil, err
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, apperrors.Wrap(apperrors.KindInvalidCredentials, err, "unknown email")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidCredentials, err, "password mismatch")
	}
	return u, nil
}

// ---------- TwoFactorRepository ----------

func (r *UserRepository) GetTwoFactor(ctx context.Context, userID string) (*domain.TwoFactorCredential, error) {
	var cred domain.TwoFactorCredential
	var state string
	err := r.DB.QueryRow(ctx,
		`SELECT user_id, secret, state, backup_codes FROM user_two_factor WHERE user_id = $1`, userID).
		Scan(&cred.UserID, &cred.Secret, &state, &cred.BackupCodes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, port.ErrNotFound
		}
		return nil, fmt.Errorf("get two-factor credential: %w", err)
	}
	cred.State = domain.TwoFactorState(state)
	return &cred, nil
}

func (r *UserRepository) SaveTwoFactor(ctx context.Context, cred *domain.TwoFactorCredential) error {
	codes := cred.BackupCodes
	if codes == nil {
		codes = []string{}
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO user_two_factor (user_id, secret, state, backup_codes, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET secret = $2, state = $3, backup_codes = $4, updated_at = NOW()`,
		cred.UserID, cred.Secret, string(cred.State), codes)
	if err != nil {
		return fmt.Errorf("save two-factor credential: %w", err)
	}
	return nil
}

// ConsumeBackupCode relies on the row-level compare in the WHERE clause, so
// of two concurrent callers only one sees an updated row.
func (r *UserRepository) ConsumeBackupCode(ctx context.Context, userID string, index int, expected string) (bool, error) {
	if expected == "" || index < 0 {
		return false, nil
	}
	tag, err := r.DB.Exec(ctx, `
		UPDATE user_two_factor
		SET backup_codes[$2::int + 1] = '', updated_at = NOW()
		WHERE user_id = $1 AND backup_codes[$2::int + 1] = $3`,
		userID, index, expected)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *UserRepository) ReplaceBackupCodes(ctx context.Context, userID string, expected, replacement []string) (bool, error) {
	if expected == nil {
		expected = []string{}
	}
	if replacement == nil {
		replacement = []string{}
	}
	tag, err := r.DB.Exec(ctx, `
		UPDATE user_two_factor
		SET backup_codes = $3, updated_at = NOW()
		WHERE user_id = $1 AND backup_codes = $2`,
		userID, expected, replacement)
	if err != nil {
		return false, fmt.Errorf("replace backup codes: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.PasswordHash, &u.IsActive, &u.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, port.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// Compile-time interface checks.
var _ port.UserDirectory = (*UserRepository)(nil)
var _ port.CredentialVerifier = (*UserRepository)(nil)
var _ port.TwoFactorRepository = (*UserRepository)(nil)
