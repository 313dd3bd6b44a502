package auth

import (
	"fmt"
	"time"
)

// Config holds authentication settings: token lifetimes, password
// hashing cost, lockout policy, and the TTLs of the transient artifacts
// (verification, reset, step-up challenges).
type Config struct {
	// Issuer and Audience are stamped into and verified on every token.
	Issuer   string `mapstructure:"issuer" json:"issuer"`
	Audience string `mapstructure:"audience" json:"audience"`

	// AccessExpireHours is fractional: 0.25 means 15-minute access tokens.
	AccessExpireHours float64       `mapstructure:"access_expire_hours" json:"access_expire_hours"`
	RefreshExpireDays int           `mapstructure:"refresh_expire_days" json:"refresh_expire_days"`
	ShortRefreshTTL   time.Duration `mapstructure:"short_refresh_ttl" json:"short_refresh_ttl"`
	ClockSkewLeeway   time.Duration `mapstructure:"clock_skew_leeway" json:"clock_skew_leeway"`

	// JWTSecret enables the symmetric HS256 fallback when no RSA keyring
	// is configured. Development convenience; production requires RS256.
	JWTSecret string `mapstructure:"jwt_secret" json:"-"`

	// RSAPrivateKeyFile switches signing to RS256 with the PEM key at
	// this path; the public half is published at /.well-known/jwks.json.
	RSAPrivateKeyFile string `mapstructure:"rsa_private_key_file" json:"-"`

	BcryptRounds           int `mapstructure:"bcrypt_rounds" json:"bcrypt_rounds"`
	MaxFailedLoginAttempts int `mapstructure:"max_failed_login_attempts" json:"max_failed_login_attempts"`
	AccountLockoutMinutes  int `mapstructure:"account_lockout_minutes" json:"account_lockout_minutes"`

	VerificationTTL time.Duration `mapstructure:"verification_ttl" json:"verification_ttl"`
	ResetTTL        time.Duration `mapstructure:"reset_ttl" json:"reset_ttl"`
	ChallengeTTL    time.Duration `mapstructure:"challenge_ttl" json:"challenge_ttl"`

	LoginRateLimit  int           `mapstructure:"login_rate_limit" json:"login_rate_limit"`
	LoginRateWindow time.Duration `mapstructure:"login_rate_window" json:"login_rate_window"`

	WebAuthnEnabled bool `mapstructure:"webauthn_enabled" json:"webauthn_enabled"`
	WebAuthnMock    bool `mapstructure:"webauthn_mock" json:"webauthn_mock"`
}

// DefaultConfig returns the authentication defaults
func DefaultConfig() Config {
	return Config{
		Issuer:                 "kosherhub",
		Audience:               "authenticated",
		AccessExpireHours:      0.25,
		RefreshExpireDays:      30,
		ShortRefreshTTL:        8 * time.Hour,
		ClockSkewLeeway:        30 * time.Second,
		BcryptRounds:           10,
		MaxFailedLoginAttempts: 5,
		AccountLockoutMinutes:  15,
		VerificationTTL:        24 * time.Hour,
		ResetTTL:               time.Hour,
		ChallengeTTL:           5 * time.Minute,
		LoginRateLimit:         10,
		LoginRateWindow:        time.Minute,
	}
}

// Validate rejects configurations that weaken authentication below the
// floor. Production additionally refuses to run without key material.
func (c *Config) Validate(isProduction bool) error {
	if c.AccessExpireHours <= 0 {
		return fmt.Errorf("auth: access_expire_hours must be positive, got %v", c.AccessExpireHours)
	}
	if c.RefreshExpireDays <= 0 {
		return fmt.Errorf("auth: refresh_expire_days must be positive, got %d", c.RefreshExpireDays)
	}
	if c.MaxFailedLoginAttempts <= 0 {
		return fmt.Errorf("auth: max_failed_login_attempts must be positive, got %d", c.MaxFailedLoginAttempts)
	}
	if c.AccountLockoutMinutes <= 0 {
		return fmt.Errorf("auth: account_lockout_minutes must be positive, got %d", c.AccountLockoutMinutes)
	}
	if c.ChallengeTTL <= 0 || c.ChallengeTTL > 5*time.Minute {
		return fmt.Errorf("auth: challenge_ttl must be in (0, 5m], got %v", c.ChallengeTTL)
	}
	if isProduction {
		if c.BcryptRounds < 10 {
			return fmt.Errorf("auth: bcrypt_rounds must be >= 10 in production, got %d", c.BcryptRounds)
		}
		if c.JWTSecret == "" && c.RSAPrivateKeyFile == "" {
			return fmt.Errorf("auth: production requires jwt_secret or rsa_private_key_file")
		}
	} else if c.BcryptRounds < 4 {
		// bcrypt.MinCost
		return fmt.Errorf("auth: bcrypt_rounds must be >= 4, got %d", c.BcryptRounds)
	}
	return nil
}

// AccessTTL converts the fractional hours setting to a duration.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessExpireHours * float64(time.Hour))
}

// RefreshTTL returns the refresh-token lifetime. Without remember-me the
// session is short-lived (default 8h) regardless of the configured days.
func (c *Config) RefreshTTL(rememberMe bool) time.Duration {
	if !rememberMe {
		if c.ShortRefreshTTL > 0 {
			return c.ShortRefreshTTL
		}
		return 8 * time.Hour
	}
	return time.Duration(c.RefreshExpireDays) * 24 * time.Hour
}

// LockoutDuration converts the minutes setting to a duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.AccountLockoutMinutes) * time.Minute
}
