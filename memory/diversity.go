package memory

import (
	"sync"
	"time"
)

// DiversityTracker remembers when each record was last returned by
// Retrieve. Each committed retrieve advances the turn counter by one.
type DiversityTracker struct {
	mu   sync.Mutex
	turn int64
	refs map[string]reference
}

type reference struct {
	turn int64
	at   time.Time
}

func NewDiversityTracker() *DiversityTracker {
	return &DiversityTracker{refs: make(map[string]reference)}
}

// Recent reports whether id was returned within the last turns committed
// retrieves or, when window is positive, within window of now.
func (d *DiversityTracker) Recent(id string, now time.Time, turns int, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.refs[id]
	if !ok {
		return false
	}
	if turns > 0 && d.turn-ref.turn < int64(turns) {
		return true
	}
	return window > 0 && now.Sub(ref.at) < window
}

// Commit records ids as returned at now and starts a new turn.
func (d *DiversityTracker) Commit(ids []string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turn++
	for _, id := range ids {
		d.refs[id] = reference{turn: d.turn, at: now}
	}
}

// LastReferenced returns when id was last returned.
func (d *DiversityTracker) LastReferenced(id string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.refs[id]
	return ref.at, ok
}

// Reset forgets all references.
func (d *DiversityTracker) Reset() {
	d.mu.Lock()
	d.turn = 0
	d.refs = make(map[string]reference)
	d.mu.Unlock()
}
