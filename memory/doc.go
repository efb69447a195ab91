// Package memory provides a per-user memory retrieval engine.
//
// The engine stores short natural-language facts about a user and, for a
// conversational turn, returns the most relevant subset ranked by a blended
// score. Memories are namespaced by user ID; no state is shared between
// users.
//
// Architecture:
//   - Index: per-user nearest-neighbour structure (chromem-go locally)
//   - Embedder: text-to-vector conversion, memoized per user by embedcache
//   - Generator: language model used only to expand queries
//   - Source: persistent store read page by page to hydrate a user
//   - Manager: orchestrates ingestion, hydration, retrieval and stats
//
// Scoring:
//
//	final = blended_similarity × importance × context_boost × diversity_penalty
//
// where blended_similarity mixes raw cosine similarity with a half-life
// decay of the memory's age, importance comes from the category and the
// explicit_save/important/emotional flags, context_boost rewards lexical
// overlap with recent turns and diversity_penalty suppresses memories that
// were surfaced in the last few turns.
//
// Integration:
//   - AddMemory / LoadFromStore when facts arrive or a session starts
//   - PushTurn once per conversational turn
//   - Retrieve before generating a reply, Format for prompt injection
//   - ResetContext at session boundaries
package memory
