package database

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// QueryOption tunes a single ExecuteQuery call
type QueryOption func(*queryOptions)

type queryOptions struct {
	useCache bool
	ttl      time.Duration
	tags     []string
}

func buildQueryOptions(opts []QueryOption) queryOptions {
	options := queryOptions{useCache: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithoutCache bypasses the query cache for both probe and populate
func WithoutCache() QueryOption {
	return func(o *queryOptions) { o.useCache = false }
}

// WithCacheTTL overrides the configured result TTL for this call
func WithCacheTTL(ttl time.Duration) QueryOption {
	return func(o *queryOptions) { o.ttl = ttl }
}

// WithCacheTags attaches invalidation tags to the stored result
func WithCacheTags(tags ...string) QueryOption {
	return func(o *queryOptions) { o.tags = tags }
}

// normalizeRow converts driver values into the forms a JSON round-trip
// through the cache produces, so cached and fresh results are
// indistinguishable to callers.
func normalizeRow(row map[string]interface{}) map[string]interface{} {
	for k, v := range row {
		row[k] = normalizeValue(v)
	}
	return row
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case int64:
		return json.Number(strconv.FormatInt(val, 10))
	case float64:
		return json.Number(strconv.FormatFloat(val, 'g', -1, 64))
	case bool, string, json.Number:
		return val
	default:
		return fmt.Sprint(val)
	}
}
