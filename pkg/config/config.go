// Package config loads the platform configuration from an optional YAML
// file and the environment. Every section is a typed struct owned by the
// package that consumes it; this package only composes them, applies
// defaults, and validates the result before the process starts serving.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kosherhub/kosherhub/pkg/auth"
	"github.com/kosherhub/kosherhub/pkg/cache"
	"github.com/kosherhub/kosherhub/pkg/database"
	"github.com/kosherhub/kosherhub/pkg/metrics"
	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

// APIConfig defines the HTTP server configuration
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	BaseURL       string        `mapstructure:"base_url"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	TLSCertFile   string        `mapstructure:"tls_cert_file"`
	TLSKeyFile    string        `mapstructure:"tls_key_file"`
	EnableCORS    bool          `mapstructure:"enable_cors"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`

	// Cookie transport for browser clients.
	CookieDomain string `mapstructure:"cookie_domain"`
	CookieSecure bool   `mapstructure:"cookie_secure"`
}

// Config holds the complete application configuration
type Config struct {
	Environment string                      `mapstructure:"environment"`
	API         APIConfig                   `mapstructure:"api"`
	Database    database.Config             `mapstructure:"database"`
	Redis       redis.Config                `mapstructure:"redis"`
	Cache       cache.Config                `mapstructure:"cache"`
	Auth        auth.Config                 `mapstructure:"auth"`
	Metrics     metrics.Config              `mapstructure:"metrics"`
	Tracing     observability.TracingConfig `mapstructure:"tracing"`
}

// Load reads configuration from the optional config file and the
// environment. A .env file in the working directory is folded into the
// environment first, so development setups work without exported variables.
func Load() (*Config, error) {
	// Best effort: absence of a .env file is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("KOSHERHUB_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("KOSHERHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional; the environment alone may be enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	processEnvExpansion(v)
	normalizeLegacySeconds(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if config.Tracing.Environment == "" {
		config.Tracing.Environment = config.Environment
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// bindLegacyEnv binds the bare environment names that predate the
// KOSHERHUB_ prefix and are still what deployments set.
func bindLegacyEnv(v *viper.Viper) {
	// Best effort - viper handles errors internally.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.pool_size", "DB_POOL_SIZE")
	_ = v.BindEnv("database.max_overflow", "DB_MAX_OVERFLOW")
	_ = v.BindEnv("database.pool_timeout", "DB_POOL_TIMEOUT")
	_ = v.BindEnv("database.pool_recycle", "DB_POOL_RECYCLE")
	_ = v.BindEnv("database.echo", "DB_ECHO")
	_ = v.BindEnv("database.slow_query_threshold", "DB_SLOW_QUERY_THRESHOLD")
	_ = v.BindEnv("database.cache_ttl", "DB_CACHE_TTL")
	_ = v.BindEnv("database.cache_max_memory", "DB_CACHE_MAX_MEMORY")

	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.host", "REDIS_HOST")
	_ = v.BindEnv("redis.port", "REDIS_PORT")
	_ = v.BindEnv("redis.database", "REDIS_DB")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")

	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET_KEY", "JWT_SECRET")
	_ = v.BindEnv("auth.rsa_private_key_file", "JWT_RSA_PRIVATE_KEY_FILE")
	_ = v.BindEnv("auth.access_expire_hours", "JWT_ACCESS_EXPIRE_HOURS")
	_ = v.BindEnv("auth.refresh_expire_days", "JWT_REFRESH_EXPIRE_DAYS")
	_ = v.BindEnv("auth.clock_skew_leeway", "JWT_CLOCK_SKEW_LEEWAY")
	_ = v.BindEnv("auth.bcrypt_rounds", "BCRYPT_ROUNDS")
	_ = v.BindEnv("auth.max_failed_login_attempts", "MAX_FAILED_LOGIN_ATTEMPTS")
	_ = v.BindEnv("auth.account_lockout_minutes", "ACCOUNT_LOCKOUT_MINUTES")
	_ = v.BindEnv("auth.webauthn_enabled", "WEBAUTHN_ENABLED")
	_ = v.BindEnv("auth.webauthn_mock", "WEBAUTHN_MOCK")

	_ = v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// legacySecondKeys are duration keys whose legacy environment form is a bare
// number of seconds (DB_POOL_TIMEOUT=30, DB_CACHE_TTL=300,
// DB_SLOW_QUERY_THRESHOLD=1.0). Bare numbers are converted to durations
// before unmarshaling; Go duration strings pass through untouched.
var legacySecondKeys = []string{
	"database.pool_timeout",
	"database.pool_recycle",
	"database.statement_timeout",
	"database.connect_timeout",
	"database.idle_in_transaction_timeout",
	"database.slow_query_threshold",
	"database.cache_ttl",
	"auth.clock_skew_leeway",
}

func normalizeLegacySeconds(v *viper.Viper) {
	for _, key := range legacySecondKeys {
		raw := v.GetString(key)
		if raw == "" {
			continue
		}
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
			v.Set(key, time.Duration(seconds*float64(time.Second)))
		}
	}
}

// processEnvExpansion expands ${VAR} and ${VAR:-default} references inside
// string config values.
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			expanded := expandEnvVars(value)
			if expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

// expandEnvVars expands environment variables in a string, supporting
// ${VAR} and ${VAR:-default} syntax.
func expandEnvVars(value string) string {
	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varRef := result[start+2 : end]
		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" && defaultVal != "" {
			envVal = defaultVal
		}
		result = result[:start] + envVal + result[end+1:]
	}
	return result
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.enable_cors", true)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.cookie_secure", false)

	// Database defaults
	db := database.DefaultConfig()
	v.SetDefault("database.driver", db.Driver)
	v.SetDefault("database.pool_size", db.PoolSize)
	v.SetDefault("database.max_overflow", db.MaxOverflow)
	v.SetDefault("database.pool_timeout", db.PoolTimeout)
	v.SetDefault("database.pool_recycle", db.PoolRecycle)
	v.SetDefault("database.pre_ping", db.PrePing)
	v.SetDefault("database.echo", db.Echo)
	v.SetDefault("database.statement_timeout", db.StatementTimeout)
	v.SetDefault("database.connect_timeout", db.ConnectTimeout)
	v.SetDefault("database.idle_in_transaction_timeout", db.IdleInTransactionTimeout)
	v.SetDefault("database.slow_query_threshold", db.SlowQueryThreshold)
	v.SetDefault("database.cache_ttl", db.CacheTTL)
	v.SetDefault("database.cache_max_memory", db.CacheMaxMemory)
	v.SetDefault("database.migrate_on_start", db.MigrateOnStart)

	// Redis defaults
	rd := redis.DefaultConfig()
	v.SetDefault("redis.host", rd.Host)
	v.SetDefault("redis.port", rd.Port)
	v.SetDefault("redis.database", rd.Database)
	v.SetDefault("redis.key_prefix", rd.KeyPrefix)
	v.SetDefault("redis.max_retries", rd.MaxRetries)
	v.SetDefault("redis.dial_timeout", rd.DialTimeout)
	v.SetDefault("redis.read_timeout", rd.ReadTimeout)
	v.SetDefault("redis.write_timeout", rd.WriteTimeout)
	v.SetDefault("redis.pool_size", rd.PoolSize)
	v.SetDefault("redis.min_idle_conns", rd.MinIdleConns)
	v.SetDefault("redis.pool_timeout", rd.PoolTimeout)
	v.SetDefault("redis.compression_threshold", rd.CompressionThreshold)
	v.SetDefault("redis.breaker_failure_threshold", rd.BreakerFailureThreshold)
	v.SetDefault("redis.breaker_cooldown", rd.BreakerCooldown)

	// Cache tier defaults
	ch := cache.DefaultConfig()
	v.SetDefault("cache.l1_max_entries", ch.L1MaxEntries)
	v.SetDefault("cache.l1_max_bytes", ch.L1MaxBytes)
	v.SetDefault("cache.l1_ttl", ch.L1TTL)
	v.SetDefault("cache.l2_ttl", ch.L2TTL)
	v.SetDefault("cache.l3_ttl", ch.L3TTL)

	// Auth defaults
	au := auth.DefaultConfig()
	v.SetDefault("auth.issuer", au.Issuer)
	v.SetDefault("auth.audience", au.Audience)
	v.SetDefault("auth.access_expire_hours", au.AccessExpireHours)
	v.SetDefault("auth.refresh_expire_days", au.RefreshExpireDays)
	v.SetDefault("auth.short_refresh_ttl", au.ShortRefreshTTL)
	v.SetDefault("auth.clock_skew_leeway", au.ClockSkewLeeway)
	v.SetDefault("auth.bcrypt_rounds", au.BcryptRounds)
	v.SetDefault("auth.max_failed_login_attempts", au.MaxFailedLoginAttempts)
	v.SetDefault("auth.account_lockout_minutes", au.AccountLockoutMinutes)
	v.SetDefault("auth.verification_ttl", au.VerificationTTL)
	v.SetDefault("auth.reset_ttl", au.ResetTTL)
	v.SetDefault("auth.challenge_ttl", au.ChallengeTTL)
	v.SetDefault("auth.login_rate_limit", au.LoginRateLimit)
	v.SetDefault("auth.login_rate_window", au.LoginRateWindow)
	v.SetDefault("auth.webauthn_enabled", au.WebAuthnEnabled)
	v.SetDefault("auth.webauthn_mock", au.WebAuthnMock)

	// Metrics defaults
	mt := metrics.DefaultConfig()
	v.SetDefault("metrics.enabled", mt.Enabled)
	v.SetDefault("metrics.collection_interval", mt.CollectionInterval)
	v.SetDefault("metrics.retention_window", mt.RetentionWindow)

	// Tracing defaults; the exporter endpoint falls back inside InitTracing
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "kosherhub")
}

// Validate rejects configurations the process cannot safely serve with.
// Misconfiguration fails loud at startup rather than degrading at runtime.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("invalid configuration: DATABASE_URL is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	if err := c.Auth.Validate(c.IsProduction()); err != nil {
		return fmt.Errorf("invalid auth configuration: %w", err)
	}
	if c.API.ReadTimeout <= 0 || c.API.WriteTimeout <= 0 || c.API.IdleTimeout <= 0 {
		return fmt.Errorf("invalid configuration: API timeouts must be greater than 0")
	}
	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "dev" || c.Environment == "development"
}

// IsStaging returns true if the environment is staging
func (c *Config) IsStaging() bool {
	return c.Environment == "staging" || c.Environment == "stage"
}

// GetListenPort returns the port number the API listens on
func (c *Config) GetListenPort() int {
	addr := c.API.ListenAddress
	port := 8080
	if addr != "" && strings.HasPrefix(addr, ":") {
		if _, err := fmt.Sscanf(addr[1:], "%d", &port); err != nil {
			port = 8080
		}
	}
	return port
}
