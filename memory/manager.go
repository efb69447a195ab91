package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/becomeliminal/nim-recall/memory/embedcache"
)

const tracerName = "github.com/becomeliminal/nim-recall/memory"

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("memory: manager closed")

// Manager is the retrieval engine. It owns a registry of per-user state
// (index, embedding cache, context window, diversity tracker) and is safe
// for concurrent use. Calls for different users never contend.
type Manager struct {
	embedder Embedder
	newIndex IndexFactory
	expander *Expander
	tier     embedcache.Tier
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	clock    func() time.Time

	cfg    atomic.Pointer[Config]
	users  *registry
	closed atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator enables query expansion through g.
func WithGenerator(g Generator) Option {
	return func(m *Manager) { m.expander = NewExpander(g) }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now for record timestamps, decay and diversity.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg.Store(&cfg) }
}

// WithCacheTier adds a shared second-level embedding cache.
func WithCacheTier(t embedcache.Tier) Option {
	return func(m *Manager) { m.tier = t }
}

// WithObserver reports engine events, typically to metrics.Recorder.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithTracerProvider sets the provider for retrieve spans. Default: the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(tracerName) }
}

// NewManager creates a Manager. newIndex is called once per user on first
// use.
func NewManager(embedder Embedder, newIndex IndexFactory, opts ...Option) (*Manager, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory: nil embedder")
	}
	if newIndex == nil {
		return nil, fmt.Errorf("memory: nil index factory")
	}
	m := &Manager{
		embedder: embedder,
		newIndex: newIndex,
		observer: nopObserver{},
		logger:   slog.Default(),
		clock:    time.Now,
	}
	cfg := DefaultConfig()
	m.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	if err := m.Config().Validate(); err != nil {
		return nil, fmt.Errorf("memory: invalid config: %w", err)
	}
	m.users = newRegistry(m.Config().UserIdleTimeout, m.newUser, m.observer.ActiveUsers, m.logger)
	return m, nil
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	return *m.cfg.Load()
}

// SetConfig swaps the configuration. Scoring settings apply to the next
// Retrieve; capacities apply to users created afterwards. The idle
// timeout is fixed at construction.
func (m *Manager) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg.Store(&cfg)
	m.logger.Info("memory config updated")
	return nil
}

func (m *Manager) newUser(userID string) (*userState, error) {
	cfg := m.Config()
	idx, err := m.newIndex(userID)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}

	opts := []embedcache.Option{
		embedcache.WithLogger(m.logger.With("user_id", userID)),
		embedcache.WithObserver(m.observer.EmbeddingLookup),
	}
	if m.tier != nil {
		opts = append(opts, embedcache.WithTier(m.tier))
	}
	cache, err := embedcache.New(m.embedder, cfg.EmbeddingCacheSize, opts...)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	m.logger.Debug("user state created", "user_id", userID)
	return &userState{
		id:         userID,
		records:    make(map[string]*Record),
		keys:       make(map[recordKey]string),
		superseded: make(map[string]struct{}),
		index:      idx,
		cache:      cache,
		window:     NewContextWindow(cfg.ContextWindowSize),
		diversity:  NewDiversityTracker(),
		limiter:    newExpansionLimiter(cfg.ExpansionRatePerSecond, cfg.ExpansionBurst),
	}, nil
}

// AddMemory embeds and indexes a memory and returns its id. The record is
// searchable when AddMemory returns; persisting it is the caller's job.
func (m *Manager) AddMemory(ctx context.Context, userID, text string, category Category, meta Metadata) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	if userID == "" {
		return "", invalidArgument(StageAdd, userID, "empty user id")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", invalidArgument(StageAdd, userID, "empty text")
	}

	u, err := m.users.getOrCreate(userID)
	if err != nil {
		return "", newError(StageAdd, userID, err)
	}
	vec, err := u.cache.Get(ctx, text)
	if err != nil {
		return "", newError(StageEmbed, userID, err)
	}
	if err := m.checkDims(u, vec); err != nil {
		return "", newError(StageEmbed, userID, err)
	}

	rec := newRecord(userID, category, text, vec, meta, m.clock())
	if err := m.insert(ctx, u, rec); err != nil {
		return "", newError(StageAdd, userID, err)
	}
	m.logger.Debug("memory added", "user_id", userID, "id", rec.ID, "category", category.String())
	return rec.ID, nil
}

// checkDims rejects vectors that do not fit the user's index, or the
// provider's declared size before the first add.
func (m *Manager) checkDims(u *userState, vec []float32) error {
	want := u.index.Dimensions()
	if want == 0 {
		want = m.embedder.Dimensions()
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: embedding has %d dimensions, index expects %d", ErrDimensionMismatch, len(vec), want)
	}
	return nil
}

// insert indexes rec and then publishes it. A search that runs between the
// two sees an id it cannot resolve and skips it.
func (m *Manager) insert(ctx context.Context, u *userState, rec *Record) error {
	if err := u.index.Add(ctx, rec); err != nil {
		return err
	}

	u.mu.Lock()
	u.records[rec.ID] = rec
	if rec.Metadata.Key != "" {
		k := recordKey{category: rec.Category, key: rec.Metadata.Key}
		prevID, ok := u.keys[k]
		switch {
		case !ok || prevID == rec.ID:
			u.keys[k] = rec.ID
		case u.records[prevID] != nil && u.records[prevID].CreatedAt.After(rec.CreatedAt):
			// An older version arrived late, typically from a store load.
			u.supersede(rec.ID)
		default:
			u.supersede(prevID)
			u.keys[k] = rec.ID
		}
	}
	u.mu.Unlock()

	m.observer.MemoryAdded()
	return nil
}

// supersede hides id from retrieval. Callers hold u.mu.
func (u *userState) supersede(id string) {
	delete(u.records, id)
	u.superseded[id] = struct{}{}
}

// Lookup returns a live record in storage form, embedding included, so
// callers can persist what AddMemory indexed.
func (m *Manager) Lookup(userID, id string) (StoredMemory, bool) {
	u, ok := m.users.get(userID)
	if !ok {
		return StoredMemory{}, false
	}
	rec, ok := u.lookup(id)
	if !ok {
		return StoredMemory{}, false
	}
	return StoredMemory{
		ID:        rec.ID,
		Category:  rec.Category.String(),
		Text:      rec.Text,
		Embedding: rec.Embedding,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
	}, true
}

// PushTurn appends a conversational turn to the user's context window.
func (m *Manager) PushTurn(userID, text string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if userID == "" {
		return invalidArgument(StageAdd, userID, "empty user id")
	}
	u, err := m.users.getOrCreate(userID)
	if err != nil {
		return newError(StageAdd, userID, err)
	}
	u.window.Push(text)
	return nil
}

// ResetContext clears the user's context window and diversity history,
// as at the start of a new session.
func (m *Manager) ResetContext(userID string) {
	u, ok := m.users.get(userID)
	if !ok {
		return
	}
	u.window.Reset()
	u.diversity.Reset()
}

// ContextTurns returns the user's context window, oldest first.
func (m *Manager) ContextTurns(userID string) []string {
	u, ok := m.users.get(userID)
	if !ok {
		return nil
	}
	return u.window.Turns()
}

// LastReferenced returns when Retrieve last returned the record.
func (m *Manager) LastReferenced(userID, id string) (time.Time, bool) {
	u, ok := m.users.get(userID)
	if !ok {
		return time.Time{}, false
	}
	return u.diversity.LastReferenced(id)
}

// GetStats returns the user's stats. Unknown users get zero stats.
func (m *Manager) GetStats(userID string) Stats {
	u, ok := m.users.get(userID)
	if !ok {
		return Stats{}
	}
	c := &u.stats
	scoredN := c.scored.Load()
	return Stats{
		TotalMemories:       u.liveCount(),
		IndexSize:           u.index.Len(),
		CacheHitRate:        u.cache.HitRate(),
		QueryExpansionRate:  ratio(c.expanded.Load(), c.retrieves.Load()),
		TemporalBoostRate:   ratio(c.temporalBoosted.Load(), scoredN),
		ImportanceBoostRate: ratio(c.importanceBoosted.Load(), scoredN),
		ContextMatchRate:    ratio(c.contextMatched.Load(), scoredN),
	}
}

// ActiveUsers returns how many users have in-memory state.
func (m *Manager) ActiveUsers() int {
	return m.users.len()
}

// Close drops all user state. Later calls fail with ErrClosed.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.users.closeAll()
	return nil
}
