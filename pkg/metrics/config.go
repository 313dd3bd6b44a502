package metrics

import "time"

// Config holds settings for the in-process metrics aggregator
type Config struct {
	Enabled            bool          `mapstructure:"enabled" json:"enabled"`
	CollectionInterval time.Duration `mapstructure:"collection_interval" json:"collection_interval"`
	RetentionWindow    time.Duration `mapstructure:"retention_window" json:"retention_window"`
}

// DefaultConfig returns the standard aggregator settings: ten-second system
// sampling over a one-minute rolling window
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CollectionInterval: 10 * time.Second,
		RetentionWindow:    time.Minute,
	}
}
