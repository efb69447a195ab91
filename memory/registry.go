package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-recall/memory/embedcache"
)

// userState is everything the engine keeps for one user.
type userState struct {
	id string

	// mu guards the record maps. The index, cache, window and diversity
	// tracker carry their own locks.
	mu         sync.RWMutex
	records    map[string]*Record
	keys       map[recordKey]string
	superseded map[string]struct{}

	index     Index
	cache     *embedcache.Cache
	window    *ContextWindow
	diversity *DiversityTracker
	limiter   *rate.Limiter
	stats     counters
}

func (u *userState) lookup(id string) (*Record, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	rec, ok := u.records[id]
	return rec, ok
}

// known reports whether id was ever indexed for this user.
func (u *userState) known(id string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if _, ok := u.records[id]; ok {
		return true
	}
	_, ok := u.superseded[id]
	return ok
}

func (u *userState) liveCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.records)
}

// counts returns live records and superseded records still in the index.
func (u *userState) counts() (live, hidden int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.records), len(u.superseded)
}

func (u *userState) close(logger *slog.Logger) {
	if err := u.index.Close(); err != nil {
		logger.Warn("close user index", "user_id", u.id, "error", err)
	}
	u.cache.Close()
}

// registry owns per-user state, creating it on first use and dropping it
// after an idle period.
type registry struct {
	mu     sync.Mutex
	items  *cache.Cache
	create func(userID string) (*userState, error)
	report func(n int)
	logger *slog.Logger
}

func newRegistry(idle time.Duration, create func(string) (*userState, error), report func(int), logger *slog.Logger) *registry {
	expiration, cleanup := idle, idle
	if idle <= 0 {
		expiration, cleanup = cache.NoExpiration, 0
	}
	r := &registry{
		items:  cache.New(expiration, cleanup),
		create: create,
		report: report,
		logger: logger,
	}
	r.items.OnEvicted(func(userID string, v interface{}) {
		v.(*userState).close(logger)
		logger.Debug("user state evicted", "user_id", userID)
		r.report(r.items.ItemCount())
	})
	return r
}

// get returns live state without creating it and refreshes its expiry.
func (r *registry) get(userID string) (*userState, bool) {
	v, ok := r.items.Get(userID)
	if !ok {
		return nil, false
	}
	u := v.(*userState)
	r.items.SetDefault(userID, u)
	return u, true
}

// touch refreshes u's expiry and reports whether u is still the
// registered state for its user.
func (r *registry) touch(u *userState) bool {
	v, ok := r.items.Get(u.id)
	if !ok || v.(*userState) != u {
		return false
	}
	r.items.SetDefault(u.id, u)
	return true
}

func (r *registry) getOrCreate(userID string) (*userState, error) {
	if u, ok := r.get(userID); ok {
		return u, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.get(userID); ok {
		return u, nil
	}
	// Release anything that expired but has not been swept yet, including
	// a stale entry for this user.
	r.items.DeleteExpired()

	u, err := r.create(userID)
	if err != nil {
		return nil, err
	}
	r.items.SetDefault(userID, u)
	r.report(r.items.ItemCount())
	return u, nil
}

// closeAll drops every user.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items.DeleteExpired()
	items := r.items.Items()
	r.items.Flush()
	for _, item := range items {
		item.Object.(*userState).close(r.logger)
	}
	r.report(0)
}

func (r *registry) len() int {
	return r.items.ItemCount()
}
