package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

const rateLimitPrefix = "auth:ratelimit:login:"

// LoginRateLimiter throttles login attempts per identifier (IP or
// lowercased email) over a sliding window. Counters live in Redis so the
// window is shared across processes; when Redis is unavailable the
// limiter degrades to per-process memory rather than failing open
// entirely.
type LoginRateLimiter struct {
	redis   *redis.Client
	logger  observability.Logger
	metrics observability.MetricsClient

	maxAttempts int
	window      time.Duration

	localLimits sync.Map // identifier -> *localWindow
}

type localWindow struct {
	mu       sync.Mutex
	attempts int
	start    time.Time
}

// NewLoginRateLimiter wires a limiter from the auth config. A
// non-positive limit disables it.
func NewLoginRateLimiter(client *redis.Client, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *LoginRateLimiter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	window := cfg.LoginRateWindow
	if window <= 0 {
		window = time.Minute
	}
	return &LoginRateLimiter{
		redis:       client,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: cfg.LoginRateLimit,
		window:      window,
	}
}

func (rl *LoginRateLimiter) enabled() bool { return rl.maxAttempts > 0 }

// CheckLimit rejects with a rate-limited error when the identifier has
// exhausted the window.
func (rl *LoginRateLimiter) CheckLimit(ctx context.Context, identifier string) error {
	if !rl.enabled() || identifier == "" {
		return nil
	}

	attempts, ok := rl.redisCount(ctx, identifier)
	if !ok {
		attempts = rl.localCount(identifier)
	}
	if attempts >= rl.maxAttempts {
		rl.metrics.IncrementCounter("auth_login_rate_limited", 1)
		return apperrors.RateLimited("too many login attempts, try again later")
	}
	return nil
}

// RecordAttempt counts a failed attempt and clears the window on
// success.
func (rl *LoginRateLimiter) RecordAttempt(ctx context.Context, identifier string, success bool) {
	if !rl.enabled() || identifier == "" {
		return
	}

	if success {
		if rl.redis != nil {
			_, _ = rl.redis.Delete(ctx, rateLimitPrefix+identifier)
		}
		rl.localLimits.Delete(identifier)
		return
	}

	if rl.redis != nil {
		count, err := rl.redis.Incr(ctx, rateLimitPrefix+identifier)
		if err == nil {
			if count == 1 {
				_ = rl.redis.Expire(ctx, rateLimitPrefix+identifier, rl.window)
			}
			return
		}
		rl.logger.Warn("rate limiter falling back to local memory", map[string]interface{}{
			"error": err.Error(),
		})
	}
	rl.recordLocal(identifier)
}

// redisCount reads the shared counter; ok=false means Redis could not
// answer and the local fallback should decide.
func (rl *LoginRateLimiter) redisCount(ctx context.Context, identifier string) (int, bool) {
	if rl.redis == nil {
		return 0, false
	}
	var attempts int
	err := rl.redis.Get(ctx, rateLimitPrefix+identifier, &attempts)
	if err == nil {
		return attempts, true
	}
	if errors.Is(err, redis.ErrNotFound) {
		return 0, true
	}
	return 0, false
}

func (rl *LoginRateLimiter) localCount(identifier string) int {
	val, _ := rl.localLimits.LoadOrStore(identifier, &localWindow{start: time.Now()})
	w := val.(*localWindow)
	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.start) > rl.window {
		w.attempts = 0
		w.start = time.Now()
	}
	return w.attempts
}

func (rl *LoginRateLimiter) recordLocal(identifier string) {
	val, _ := rl.localLimits.LoadOrStore(identifier, &localWindow{start: time.Now()})
	w := val.(*localWindow)
	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.start) > rl.window {
		w.attempts = 0
		w.start = time.Now()
	}
	w.attempts++
}
