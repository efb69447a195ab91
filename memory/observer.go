package memory

import "time"

// Observer receives engine events for metrics. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	// RetrieveDone is called once per Retrieve with outcome "ok",
	// "empty" or "error".
	RetrieveDone(outcome string, elapsed time.Duration)

	// QueryExpanded is called once per search with result "expanded",
	// "fallback", "throttled" or "skipped". Skipped means expansion was
	// off or produced no variant beyond the original query.
	QueryExpanded(result string)

	// EmbeddingLookup is called per embedding cache lookup.
	EmbeddingLookup(hit bool)

	// MemoryAdded is called per indexed record.
	MemoryAdded()

	// ActiveUsers reports the current number of users with live state.
	ActiveUsers(n int)
}

type nopObserver struct{}

func (nopObserver) RetrieveDone(string, time.Duration) {}
func (nopObserver) QueryExpanded(string)               {}
func (nopObserver) EmbeddingLookup(bool)               {}
func (nopObserver) MemoryAdded()                       {}
func (nopObserver) ActiveUsers(int)                    {}
