package memory

import (
	"fmt"
	"time"
)

// Config holds Manager configuration. Start from DefaultConfig; the zero
// value disables most stages.
type Config struct {
	// DefaultK is used when Retrieve is called with k <= 0.
	DefaultK int `yaml:"default_k"`

	// OverFetchFactor multiplies k for each per-variant index search.
	OverFetchFactor int `yaml:"over_fetch_factor"`

	// TemporalDecayEnabled blends similarity with a half-life decay of age.
	TemporalDecayEnabled bool          `yaml:"temporal_decay_enabled"`
	HalfLife             time.Duration `yaml:"half_life"`
	RecencyWeight        float64       `yaml:"recency_weight"`

	// RecencyThreshold marks results younger than it as recent.
	RecencyThreshold time.Duration `yaml:"recency_threshold"`

	// ContextBoostEnabled multiplies candidates that share topic tokens
	// with the last ContextWindowSize turns by ContextBoost.
	ContextBoostEnabled bool    `yaml:"context_boost_enabled"`
	ContextBoost        float64 `yaml:"context_boost"`
	ContextWindowSize   int     `yaml:"context_window_size"`
	ContextMinOverlap   int     `yaml:"context_min_overlap"`

	// DiversityEnabled multiplies candidates returned in the previous
	// DiversityTurns retrieves (or within DiversityWindow, when set) by
	// DiversityPenalty.
	DiversityEnabled bool          `yaml:"diversity_enabled"`
	DiversityPenalty float64       `yaml:"diversity_penalty"`
	DiversityTurns   int           `yaml:"diversity_turns"`
	DiversityWindow  time.Duration `yaml:"diversity_window"`

	// QueryExpansionEnabled asks the Generator for query variants.
	// Without a Generator expansion behaves as disabled.
	QueryExpansionEnabled  bool          `yaml:"query_expansion_enabled"`
	ExpansionTimeout       time.Duration `yaml:"expansion_timeout"`
	MaxQueryVariants       int           `yaml:"max_query_variants"`
	ExpansionRatePerSecond float64       `yaml:"expansion_rate_per_second"`
	ExpansionBurst         int           `yaml:"expansion_burst"`

	// EmbeddingCacheSize bounds each user's embedding cache.
	EmbeddingCacheSize int `yaml:"embedding_cache_size"`

	// UserIdleTimeout evicts a user's state after this much inactivity.
	// Zero keeps state until Close.
	UserIdleTimeout time.Duration `yaml:"user_idle_timeout"`

	// LoadPageSize is the default page size for LoadFromStore.
	LoadPageSize int `yaml:"load_page_size"`

	// BackgroundLoadTimeout bounds hydration that outlives its caller.
	BackgroundLoadTimeout time.Duration `yaml:"background_load_timeout"`
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		DefaultK:               5,
		OverFetchFactor:        3,
		TemporalDecayEnabled:   true,
		HalfLife:               24 * time.Hour,
		RecencyWeight:          0.3,
		RecencyThreshold:       24 * time.Hour,
		ContextBoostEnabled:    true,
		ContextBoost:           1.2,
		ContextWindowSize:      10,
		ContextMinOverlap:      1,
		DiversityEnabled:       true,
		DiversityPenalty:       0.7,
		DiversityTurns:         3,
		QueryExpansionEnabled:  true,
		ExpansionTimeout:       3 * time.Second,
		MaxQueryVariants:       3,
		ExpansionRatePerSecond: 0,
		ExpansionBurst:         1,
		EmbeddingCacheSize:     1000,
		UserIdleTimeout:        30 * time.Minute,
		LoadPageSize:           100,
		BackgroundLoadTimeout:  2 * time.Minute,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.DefaultK <= 0 {
		return fmt.Errorf("default_k must be positive, got %d", c.DefaultK)
	}
	if c.OverFetchFactor < 1 {
		return fmt.Errorf("over_fetch_factor must be at least 1, got %d", c.OverFetchFactor)
	}
	if c.RecencyWeight < 0 || c.RecencyWeight > 1 {
		return fmt.Errorf("recency_weight must be in [0,1], got %v", c.RecencyWeight)
	}
	if c.TemporalDecayEnabled && c.HalfLife <= 0 {
		return fmt.Errorf("half_life must be positive when temporal decay is enabled")
	}
	if c.ContextWindowSize < 1 {
		return fmt.Errorf("context_window_size must be at least 1, got %d", c.ContextWindowSize)
	}
	if c.MaxQueryVariants < 1 || c.MaxQueryVariants > 3 {
		return fmt.Errorf("max_query_variants must be in [1,3], got %d", c.MaxQueryVariants)
	}
	if c.QueryExpansionEnabled && c.ExpansionTimeout <= 0 {
		return fmt.Errorf("expansion_timeout must be positive when expansion is enabled")
	}
	if c.ExpansionRatePerSecond < 0 {
		return fmt.Errorf("expansion_rate_per_second must not be negative")
	}
	if c.EmbeddingCacheSize < 1 {
		return fmt.Errorf("embedding_cache_size must be at least 1, got %d", c.EmbeddingCacheSize)
	}
	if c.UserIdleTimeout < 0 {
		return fmt.Errorf("user_idle_timeout must not be negative")
	}
	if c.LoadPageSize < 1 {
		return fmt.Errorf("load_page_size must be at least 1, got %d", c.LoadPageSize)
	}
	if c.BackgroundLoadTimeout <= 0 {
		return fmt.Errorf("background_load_timeout must be positive")
	}
	return nil
}
