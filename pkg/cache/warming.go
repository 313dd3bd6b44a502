package cache

import (
	"context"
	"fmt"
	"time"
)

// NewKeysWarmingStrategy returns the built-in bulk key loader. It expects
// args["entries"] as map[string]interface{} and honors optional
// args["ttl_seconds"] (float64 or int) and args["tags"] ([]string).
func NewKeysWarmingStrategy(m *Manager) WarmingStrategy {
	return func(ctx context.Context, args map[string]interface{}) (int, error) {
		raw, ok := args["entries"]
		if !ok {
			return 0, fmt.Errorf("keys warming requires an \"entries\" argument")
		}
		entries, ok := raw.(map[string]interface{})
		if !ok {
			return 0, fmt.Errorf("keys warming \"entries\" must be a map, got %T", raw)
		}

		ttl := warmingTTL(args)
		tags := warmingTags(args)

		loaded := 0
		for key, value := range entries {
			if err := ctx.Err(); err != nil {
				return loaded, err
			}
			if m.Set(ctx, key, value, ttl, tags...) {
				loaded++
			}
		}
		return loaded, nil
	}
}

func warmingTTL(args map[string]interface{}) time.Duration {
	switch v := args["ttl_seconds"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	}
	return 0
}

func warmingTags(args map[string]interface{}) []string {
	switch v := args["tags"].(type) {
	case []string:
		return v
	case []interface{}:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}
