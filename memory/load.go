package memory

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

// LoadOptions bound a LoadFromStore call.
type LoadOptions struct {
	// Limit caps the number of records loaded. Zero loads everything.
	Limit int

	// Timeout is how long the caller waits. Zero waits for completion or
	// ctx, whichever is first. Loading continues in the background either
	// way, bounded by Config.BackgroundLoadTimeout.
	Timeout time.Duration

	// PageSize overrides Config.LoadPageSize.
	PageSize int
}

// LoadResult reports hydration progress at the time LoadFromStore
// returned.
type LoadResult struct {
	Loaded  int
	Elapsed time.Duration

	// Partial is set when loading had not finished, or stopped on an error.
	Partial bool

	// Err is the error that stopped loading, if it stopped before the
	// caller gave up waiting.
	Err error

	// Done is closed when background loading ends.
	Done <-chan struct{}
}

// LoadFromStore hydrates a user's index from src. It never blocks past
// opts.Timeout or ctx; whatever is not loaded by then keeps loading in the
// background. Records whose id is already indexed are skipped, so repeated
// loads are idempotent.
func (m *Manager) LoadFromStore(ctx context.Context, userID string, src Source, opts LoadOptions) LoadResult {
	start := time.Now()
	done := make(chan struct{})
	res := LoadResult{Done: done}
	fail := func(err error) LoadResult {
		close(done)
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}

	if m.closed.Load() {
		return fail(ErrClosed)
	}
	if userID == "" {
		return fail(invalidArgument(StageLoad, userID, "empty user id"))
	}
	if src == nil {
		return fail(invalidArgument(StageLoad, userID, "nil source"))
	}
	u, err := m.users.getOrCreate(userID)
	if err != nil {
		return fail(newError(StageLoad, userID, err))
	}

	cfg := m.Config()
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = cfg.LoadPageSize
	}

	// Detached from the caller so an abandoned turn does not strand a
	// half-hydrated user.
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.BackgroundLoadTimeout)
	var loaded atomic.Int64
	errc := make(chan error, 1)
	go func() {
		defer close(done)
		defer cancel()
		err := m.hydrate(bgCtx, u, src, pageSize, opts.Limit, &loaded)
		if err != nil {
			m.logger.Warn("hydration stopped", "user_id", userID, "stage", StageLoad, "loaded", loaded.Load(), "error", err)
		} else {
			m.logger.Info("hydration finished", "user_id", userID, "loaded", loaded.Load(), "elapsed", time.Since(start))
		}
		errc <- err
	}()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case err := <-errc:
		res.Err = err
		res.Partial = err != nil
	case <-timeout:
		res.Partial = true
	case <-ctx.Done():
		res.Partial = true
	}
	res.Loaded = int(loaded.Load())
	res.Elapsed = time.Since(start)
	return res
}

func (m *Manager) hydrate(ctx context.Context, u *userState, src Source, pageSize, limit int, loaded *atomic.Int64) error {
	cursor := ""
	for {
		// Each page keeps the user alive; a state dropped by Close or
		// eviction takes no more records.
		if !m.users.touch(u) {
			return &Error{Kind: ErrEvicted, Stage: StageLoad, UserID: u.id}
		}
		n := pageSize
		if limit > 0 {
			left := limit - int(loaded.Load())
			if left <= 0 {
				return nil
			}
			n = min(n, left)
		}

		page, err := src.ReadPage(ctx, u.id, cursor, n)
		if err != nil {
			return &Error{Kind: ErrStoreUnavailable, Stage: StageLoad, UserID: u.id, Err: err}
		}

		recs, err := m.prepare(ctx, u, page.Memories)
		if err != nil {
			return err
		}
		if !m.users.touch(u) {
			return &Error{Kind: ErrEvicted, Stage: StageLoad, UserID: u.id}
		}
		for _, rec := range recs {
			if limit > 0 && int(loaded.Load()) >= limit {
				return nil
			}
			if err := m.insert(ctx, u, rec); err != nil {
				if errors.Is(err, ErrDimensionMismatch) {
					return newError(StageLoad, u.id, err)
				}
				m.logger.Warn("skipping stored memory", "user_id", u.id, "id", rec.ID, "error", err)
				continue
			}
			loaded.Add(1)
		}

		if page.Next == "" || len(page.Memories) == 0 {
			return nil
		}
		cursor = page.Next
	}
}

// prepare turns a page into records, reusing stored embeddings that fit
// the index and embedding the rest in one batch.
func (m *Manager) prepare(ctx context.Context, u *userState, page []StoredMemory) ([]*Record, error) {
	want := u.index.Dimensions()
	if want == 0 {
		want = m.embedder.Dimensions()
	}
	now := m.clock()

	recs := make([]*Record, 0, len(page))
	var missing []int
	var texts []string
	for _, sm := range page {
		sm.Text = strings.TrimSpace(sm.Text)
		if sm.Text == "" || (sm.ID != "" && u.known(sm.ID)) {
			continue
		}
		var emb []float32
		if len(sm.Embedding) > 0 && (want == 0 || len(sm.Embedding) == want) {
			emb = sm.Embedding
		} else {
			missing = append(missing, len(recs))
			texts = append(texts, sm.Text)
		}
		recs = append(recs, recordFromStorage(u.id, sm, emb, now))
	}
	if len(texts) == 0 {
		return recs, nil
	}

	vecs, err := u.cache.GetBatch(ctx, texts)
	if err != nil {
		return nil, newError(StageEmbed, u.id, err)
	}
	for j, i := range missing {
		if err := m.checkDims(u, vecs[j]); err != nil {
			return nil, newError(StageEmbed, u.id, err)
		}
		recs[i].Embedding = vecs[j]
	}
	return recs, nil
}
