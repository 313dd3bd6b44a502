// Package redis provides the shared Redis client facade used by the cache
// tiers and the auth service. It layers key prefixing, JSON serialization,
// optional compression, and a circuit breaker over go-redis.
package redis

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config contains connection settings for the Redis facade
type Config struct {
	// URL takes precedence over Host/Port/Database/Password when set
	// (redis://[:password@]host:port/db).
	URL      string `mapstructure:"url" json:"url"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Database int    `mapstructure:"database" json:"database"`
	Password string `mapstructure:"password" json:"-"`

	// KeyPrefix namespaces every key this client touches.
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`

	MaxRetries   int           `mapstructure:"max_retries" json:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`

	PoolSize     int           `mapstructure:"pool_size" json:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" json:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout" json:"pool_timeout"`

	// CompressionThreshold is the serialized size in bytes above which values
	// are gzip-compressed. Zero disables compression.
	CompressionThreshold int `mapstructure:"compression_threshold" json:"compression_threshold"`

	// Circuit breaker: open after BreakerFailureThreshold consecutive
	// failures, probe again after BreakerCooldown.
	BreakerFailureThreshold uint32        `mapstructure:"breaker_failure_threshold" json:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown" json:"breaker_cooldown"`
}

// DefaultConfig returns the default Redis configuration
func DefaultConfig() Config {
	return Config{
		Host:                    "localhost",
		Port:                    6379,
		Database:                0,
		KeyPrefix:               "kosherhub:",
		MaxRetries:              3,
		DialTimeout:             5 * time.Second,
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            5 * time.Second,
		PoolSize:                10,
		MinIdleConns:            2,
		PoolTimeout:             4 * time.Second,
		CompressionThreshold:    1024,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
	}
}

// Addr returns the host:port pair for this configuration
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// options builds go-redis options, honoring URL when present
func (c Config) options() (*redis.Options, error) {
	if c.URL != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts.MaxRetries = c.MaxRetries
		opts.DialTimeout = c.DialTimeout
		opts.ReadTimeout = c.ReadTimeout
		opts.WriteTimeout = c.WriteTimeout
		opts.PoolSize = c.PoolSize
		opts.MinIdleConns = c.MinIdleConns
		opts.PoolTimeout = c.PoolTimeout
		return opts, nil
	}
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.Database,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		PoolTimeout:  c.PoolTimeout,
	}, nil
}
