package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/strogmv/sessionguard/internal/config"
	"github.com/strogmv/sessionguard/internal/domain"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrTokenExpired is returned by Parse* for tokens past their exp claim.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers bad signatures, wrong type and malformed input.
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims are shared by access and refresh tokens; Type tells them apart.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() domain.Identity {
	return domain.Identity{UserID: c.Subject, Email: c.Email, Role: c.Role}
}

// Signer signs and verifies HS256 tokens with distinct secrets per type.
type Signer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	audience      string
	now           func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner builds a signer from configuration.
func NewSigner(cfg *config.Config, opts ...SignerOption) (*Signer, error) {
	if cfg.JWTAccessSecret == "" || cfg.JWTRefreshSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if cfg.JWTAccessSecret == cfg.JWTRefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	s := &Signer{
		accessSecret:  []byte(cfg.JWTAccessSecret),
		refreshSecret: []byte(cfg.JWTRefreshSecret),
		accessTTL:     cfg.JWTAccessTTL,
		refreshTTL:    cfg.JWTRefreshTTL,
		issuer:        cfg.JWTIssuer,
		audience:      cfg.JWTAudience,
		now:           time.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = 15 * time.Minute
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = 7 * 24 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Signer) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Signer) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken builds and signs an access JWT.
func (s *Signer) IssueAccessToken(id domain.Identity) (string, time.Time, error) {
	claims := s.buildClaims(id, TypeAccess, s.accessTTL)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessSecret)
	return tok, claims.ExpiresAt.Time, err
}

// IssueRefreshToken builds and signs a refresh JWT.
func (s *Signer) IssueRefreshToken(id domain.Identity) (string, time.Time, error) {
	claims := s.buildClaims(id, TypeRefresh, s.refreshTTL)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.refreshSecret)
	return tok, claims.ExpiresAt.Time, err
}

// ParseAccessToken verifies signature, expiry and type of an access JWT.
func (s *Signer) ParseAccessToken(token string) (*Claims, error) {
	return s.parse(token, s.accessSecret, TypeAccess)
}

// ParseRefreshToken verifies signature, expiry and type of a refresh JWT.
func (s *Signer) ParseRefreshToken(token string) (*Claims, error) {
	return s.parse(token, s.refreshSecret, TypeRefresh)
}

func (s *Signer) buildClaims(id domain.Identity, tokenType string, ttl time.Duration) *Claims {
	now := s.now()
	claims := &Claims{
		Email: id.Email,
		Role:  id.Role,
		Type:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.issuer != "" {
		claims.Issuer = s.issuer
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	return claims
}

func (s *Signer) parse(token string, secret []byte, tokenType string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Type != tokenType || claims.Subject == "" {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenInvalid, claims.Type)
	}
	return &claims, nil
}

// HashToken returns the ledger digest of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
