package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/kosherhub/kosherhub/pkg/observability"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("key not found in cache")
	// ErrCircuitOpen is returned while the circuit breaker rejects calls
	ErrCircuitOpen = errors.New("redis circuit breaker is open")
)

// deleteBatchSize bounds a single DEL issued by DeleteByPattern
const deleteBatchSize = 100

// Client is the platform Redis facade. It is safe for concurrent use.
type Client struct {
	client     *redis.Client
	prefix     string
	breaker    *gobreaker.CircuitBreaker
	compressor *compressor
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewClient creates a Redis facade and verifies connectivity
func NewClient(cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	failureThreshold := cfg.BreakerFailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 3,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("redis circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			metrics.IncrementCounterWithLabels("redis_circuit_state_changes_total", 1, map[string]string{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &Client{
		client:     rdb,
		prefix:     cfg.KeyPrefix,
		breaker:    breaker,
		compressor: newCompressor(cfg.CompressionThreshold),
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// execute runs fn through the circuit breaker and records the operation.
// fn must map "key absent" to a non-error result so misses never trip the
// breaker.
func (c *Client) execute(op string, fn func() error) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	c.metrics.RecordCacheOperation("redis_"+op, err == nil, time.Since(start).Seconds())
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (c *Client) prefixed(key string) string {
	return c.prefix + key
}

func (c *Client) unprefixed(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

// GetBytes fetches the raw (decompressed) value for key
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	found := false
	err := c.execute("get", func() error {
		b, err := c.client.Get(ctx, c.prefixed(key)).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		data = b
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return c.compressor.decompress(data)
}

// Get fetches the value for key and unmarshals it into dest
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetBytes stores raw bytes under key with the given TTL. A zero TTL stores
// without expiration.
func (c *Client) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := c.compressor.compress(value)
	if err != nil {
		return fmt.Errorf("failed to compress value: %w", err)
	}
	return c.execute("set", func() error {
		return c.client.Set(ctx, c.prefixed(key), data, ttl).Err()
	})
}

// Set marshals value to JSON and stores it under key with the given TTL
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.SetBytes(ctx, key, data, ttl)
}

// SetNX stores value only when key does not already exist
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	data, err = c.compressor.compress(data)
	if err != nil {
		return false, fmt.Errorf("failed to compress value: %w", err)
	}
	var set bool
	err = c.execute("setnx", func() error {
		ok, err := c.client.SetNX(ctx, c.prefixed(key), data, ttl).Result()
		set = ok
		return err
	})
	return set, err
}

// Delete removes the given keys and returns how many existed
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefixed(k)
	}
	var deleted int64
	err := c.execute("delete", func() error {
		n, err := c.client.Del(ctx, prefixed...).Result()
		deleted = n
		return err
	})
	return deleted, err
}

// Exists reports whether key is present
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.execute("exists", func() error {
		count, err := c.client.Exists(ctx, c.prefixed(key)).Result()
		n = count
		return err
	})
	return n > 0, err
}

// Scan returns all keys matching pattern (without the client prefix),
// walking the cursor to completion
func (c *Client) Scan(ctx context.Context, pattern string, count int64) ([]string, error) {
	if count <= 0 {
		count = 100
	}
	var keys []string
	err := c.execute("scan", func() error {
		var cursor uint64
		for {
			batch, next, err := c.client.Scan(ctx, cursor, c.prefixed(pattern), count).Result()
			if err != nil {
				return err
			}
			for _, k := range batch {
				keys = append(keys, c.unprefixed(k))
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteByPattern removes every key matching pattern and returns the count
func (c *Client) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := c.Scan(ctx, pattern, 100)
	if err != nil {
		return 0, err
	}
	var total int64
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		n, err := c.Delete(ctx, keys[start:end]...)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TTL returns the remaining lifetime of key
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := c.execute("ttl", func() error {
		d, err := c.client.TTL(ctx, c.prefixed(key)).Result()
		ttl = d
		return err
	})
	return ttl, err
}

// Expire sets the lifetime of key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.execute("expire", func() error {
		return c.client.Expire(ctx, c.prefixed(key), ttl).Err()
	})
}

// Incr atomically increments the integer stored at key
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.execute("incr", func() error {
		v, err := c.client.Incr(ctx, c.prefixed(key)).Result()
		n = v
		return err
	})
	return n, err
}

// Eval runs a Lua script. Keys are prefixed before evaluation.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefixed(k)
	}
	var result interface{}
	err := c.execute("eval", func() error {
		v, err := c.client.Eval(ctx, script, prefixed, args...).Result()
		result = v
		return err
	})
	return result, err
}

// Ping verifies connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.execute("ping", func() error {
		return c.client.Ping(ctx).Err()
	})
}

// PoolStats returns a snapshot of the underlying connection pool
func (c *Client) PoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Close releases the underlying connection pool
func (c *Client) Close() error {
	return c.client.Close()
}
