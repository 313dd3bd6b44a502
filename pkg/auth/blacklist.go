package auth

import (
	"context"
	"time"

	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

const blacklistPrefix = "auth:blacklist:"

// TokenBlacklist records revoked token ids in Redis. Entries live
// exactly as long as the token would have, so the set cannot grow
// unbounded.
type TokenBlacklist struct {
	redis   *redis.Client
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTokenBlacklist wires a blacklist around the Redis facade.
func NewTokenBlacklist(client *redis.Client, logger observability.Logger, metrics observability.MetricsClient) *TokenBlacklist {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &TokenBlacklist{redis: client, logger: logger, metrics: metrics}
}

// Add blacklists a token id until its natural expiry. Tokens already
// past exp are not stored; they fail verification anyway.
func (b *TokenBlacklist) Add(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	if err := b.redis.SetBytes(ctx, blacklistPrefix+jti, []byte("1"), ttl); err != nil {
		return err
	}
	b.metrics.IncrementCounter("auth_tokens_blacklisted", 1)
	return nil
}

// Contains reports whether a token id is blacklisted. Redis errors are
// reported to the caller; the service decides whether to fail open.
func (b *TokenBlacklist) Contains(ctx context.Context, jti string) (bool, error) {
	return b.redis.Exists(ctx, blacklistPrefix+jti)
}
