package memory

import "sync/atomic"

// Stats summarizes one user's engine state. Rates are over the lifetime
// of the user's in-memory state and are 0 before any activity.
type Stats struct {
	TotalMemories       int     `json:"total_memories"`
	IndexSize           int     `json:"index_size"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	QueryExpansionRate  float64 `json:"query_expansion_rate"`
	TemporalBoostRate   float64 `json:"temporal_boost_rate"`
	ImportanceBoostRate float64 `json:"importance_boost_rate"`
	ContextMatchRate    float64 `json:"context_match_rate"`
}

type counters struct {
	retrieves         atomic.Int64
	expanded          atomic.Int64
	scored            atomic.Int64
	temporalBoosted   atomic.Int64
	importanceBoosted atomic.Int64
	contextMatched    atomic.Int64
}

// observe records one scored candidate.
func (c *counters) observe(s scored) {
	c.scored.Add(1)
	if s.blended > s.similarity {
		c.temporalBoosted.Add(1)
	}
	if s.importance > 1 {
		c.importanceBoosted.Add(1)
	}
	if s.contextBoost > 1 {
		c.contextMatched.Add(1)
	}
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
