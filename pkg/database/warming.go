package database

import (
	"context"
	"fmt"
	"time"

	"github.com/kosherhub/kosherhub/pkg/cache"
)

// NewQueryWarmingStrategy returns a warming strategy that re-executes
// SQL through the manager's cached query path, so results are resident
// before traffic asks for them. args["queries"] is a list where each
// element is either a bare SQL string or a map with "query", optional
// "params" (map), "ttl_seconds" and "tags".
func NewQueryWarmingStrategy(m *Manager) cache.WarmingStrategy {
	return func(ctx context.Context, args map[string]interface{}) (int, error) {
		raw, ok := args["queries"]
		if !ok {
			return 0, fmt.Errorf("query warming requires a \"queries\" argument")
		}
		list, ok := raw.([]interface{})
		if !ok {
			return 0, fmt.Errorf("query warming \"queries\" must be a list, got %T", raw)
		}

		warmed := 0
		for i, item := range list {
			if err := ctx.Err(); err != nil {
				return warmed, err
			}
			query, params, opts, err := parseWarmingQuery(item)
			if err != nil {
				return warmed, fmt.Errorf("queries[%d]: %w", i, err)
			}
			if _, err := m.ExecuteQuery(ctx, query, params, opts...); err != nil {
				return warmed, fmt.Errorf("queries[%d]: %w", i, err)
			}
			warmed++
		}
		return warmed, nil
	}
}

func parseWarmingQuery(item interface{}) (string, map[string]interface{}, []QueryOption, error) {
	switch v := item.(type) {
	case string:
		return v, nil, nil, nil
	case map[string]interface{}:
		query, _ := v["query"].(string)
		if query == "" {
			return "", nil, nil, fmt.Errorf("missing \"query\"")
		}
		params, _ := v["params"].(map[string]interface{})
		var opts []QueryOption
		switch ttl := v["ttl_seconds"].(type) {
		case float64:
			opts = append(opts, WithCacheTTL(time.Duration(ttl*float64(time.Second))))
		case int:
			opts = append(opts, WithCacheTTL(time.Duration(ttl)*time.Second))
		}
		if tags := stringList(v["tags"]); len(tags) > 0 {
			opts = append(opts, WithCacheTags(tags...))
		}
		return query, params, opts, nil
	default:
		return "", nil, nil, fmt.Errorf("unsupported entry type %T", item)
	}
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
