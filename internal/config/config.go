package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	AppName  string `env:"APP_NAME" env-default:"sessionguard"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
	HTTPAddr string `env:"HTTP_ADDR" env-default:":8080"`

	LedgerDriver string `env:"LEDGER_DRIVER" env-default:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	SQLiteDSN    string `env:"SQLITE_DSN" env-default:"file:sessionguard.db?_pragma=busy_timeout(5000)"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" env-default:"security"`

	JWTAccessSecret  string        `env:"JWT_ACCESS_SECRET" env-required:"true"`
	JWTRefreshSecret string        `env:"JWT_REFRESH_SECRET" env-required:"true"`
	JWTAccessTTL     time.Duration `env:"JWT_ACCESS_TTL" env-default:"15m"`
	JWTRefreshTTL    time.Duration `env:"JWT_REFRESH_TTL" env-default:"168h"`
	JWTIssuer        string        `env:"JWT_ISSUER" env-default:"sessionguard"`
	JWTAudience      string        `env:"JWT_AUDIENCE" env-default:"sessionguard-api"`

	MaxSessionsPerUser int           `env:"MAX_SESSIONS_PER_USER" env-default:"10"`
	UsedTokenRetention time.Duration `env:"USED_TOKEN_RETENTION" env-default:"24h"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" env-default:"24h"`

	LoginMaxAttempts        int           `env:"LOGIN_MAX_ATTEMPTS" env-default:"5"`
	LoginLockoutWindow      time.Duration `env:"LOGIN_LOCKOUT_WINDOW" env-default:"15m"`
	CounterBreakerThreshold int           `env:"COUNTER_BREAKER_THRESHOLD" env-default:"5"`
	CounterBreakerTimeout   time.Duration `env:"COUNTER_BREAKER_TIMEOUT" env-default:"30s"`

	TOTPIssuer      string `env:"TOTP_ISSUER" env-default:"SessionGuard"`
	TOTPSkew        uint   `env:"TOTP_SKEW" env-default:"2"`
	BackupCodeCount int    `env:"BACKUP_CODE_COUNT" env-default:"10"`
	BackupCodeCost  int    `env:"BACKUP_CODE_COST" env-default:"10"`

	CookieDomain string `env:"COOKIE_DOMAIN"`
	CookieSecure bool   `env:"COOKIE_SECURE" env-default:"true"`

	// Comma separated CIDRs or addresses whose X-Forwarded-For is honoured.
	TrustedProxies []string `env:"TRUSTED_PROXIES" env-separator:","`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `env:"GITHUB_REDIRECT_URL"`
}

func Load() (*Config, error) {
	var cfg Config

	// Environment only; no config file is read.
	err := cleanenv.ReadEnv(&cfg)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.JWTAccessTTL <= 0 || c.JWTRefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.MaxSessionsPerUser < 1 {
		return fmt.Errorf("MAX_SESSIONS_PER_USER must be at least 1")
	}
	if c.LoginMaxAttempts < 1 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be at least 1")
	}
	switch c.LedgerDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER %q", c.LedgerDriver)
	}
	return nil
}

// GoogleEnabled reports whether the Google identity provider is configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// GitHubEnabled reports whether the GitHub identity provider is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}
