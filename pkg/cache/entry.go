// Package cache implements the platform's three-tier cache: an in-process
// LRU (L1), a Redis-backed tier (L2), and a durable KV tier in Postgres (L3),
// orchestrated by Manager with read-through, write-through, and tag
// invalidation semantics.
package cache

import (
	"context"
	"time"
)

// Entry is the L1 record for one cached value. Values are stored in their
// canonical JSON serialization; SizeBytes is the length of that serialization
// and is the unit of the L1 byte cap.
type Entry struct {
	Value        []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means no expiry
	LastAccessed time.Time
	AccessCount  int64
	Tags         map[string]struct{}
	SizeBytes    int
}

// Expired reports whether the entry is past its expiry at the given instant
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// HasAnyTag reports whether the entry carries at least one of the given tags
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, tag := range tags {
		if _, ok := e.Tags[tag]; ok {
			return true
		}
	}
	return false
}

// Tier is the contract every cache tier implements. Tiers absorb their own
// infrastructure failures: reads degrade to a miss, writes report false, and
// invalidations return the partial count.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) bool
	Delete(ctx context.Context, key string) bool
	InvalidateByTags(ctx context.Context, tags []string) int
	Clear(ctx context.Context) error
}

// TagReader is the optional tier upgrade for reads that also report the
// entry's invalidation tags. The manager uses it on deeper hits so the
// repopulated upper-tier copies stay reachable by tag invalidation.
type TagReader interface {
	GetWithTags(ctx context.Context, key string) ([]byte, []string, bool)
}

// TierCounts carries per-tier results of a fan-out operation
type TierCounts struct {
	L1 int `json:"l1"`
	L2 int `json:"l2"`
	L3 int `json:"l3"`
}

// Total returns the sum across tiers
func (c TierCounts) Total() int {
	return c.L1 + c.L2 + c.L3
}

func tagSet(tags []string) map[string]struct{} {
	if len(tags) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	return set
}
