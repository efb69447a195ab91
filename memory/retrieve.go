package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// RetrieveOptions override the configured stages for one call.
type RetrieveOptions struct {
	DisableExpansion bool
	DisableTemporal  bool
	DisableContext   bool
	DisableDiversity bool

	// OverFetch replaces Config.OverFetchFactor when positive.
	OverFetch int

	// MinScore drops results scoring below it.
	MinScore float64
}

// Result is one ranked memory. The multiplier fields explain Score:
// Score = blended(Similarity, Decay) * Importance * ContextBoost * DiversityPenalty.
type Result struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	Category         Category  `json:"category"`
	Score            float64   `json:"score"`
	IsRecent         bool      `json:"is_recent"`
	Similarity       float64   `json:"similarity"`
	Decay            float64   `json:"decay"`
	Importance       float64   `json:"importance"`
	ContextBoost     float64   `json:"context_boost"`
	DiversityPenalty float64   `json:"diversity_penalty"`
	CreatedAt        time.Time `json:"created_at"`
}

type scored struct {
	rec          *Record
	similarity   float64
	decay        float64
	blended      float64
	importance   float64
	contextBoost float64
	diversity    float64
	score        float64
}

// Retrieve returns up to k of the user's memories ranked for query.
//
// Expansion failures degrade to the original query. Variants whose
// embedding fails are dropped; if all fail the call fails. Index errors
// and dimension mismatches abort. A user without memories gets an empty
// slice. Returned records count as referenced for the diversity penalty,
// unless ctx ends before the call completes.
func (m *Manager) Retrieve(ctx context.Context, userID, query string, k int, opts RetrieveOptions) ([]Result, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "memory.Retrieve", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int("k", k),
	))
	defer span.End()

	results, err := m.retrieve(ctx, userID, query, k, opts)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case len(results) == 0:
		outcome = "empty"
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	m.observer.RetrieveDone(outcome, time.Since(start))
	return results, err
}

func (m *Manager) retrieve(ctx context.Context, userID, query string, k int, opts RetrieveOptions) ([]Result, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if userID == "" {
		return nil, invalidArgument(StageSearch, userID, "empty user id")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidArgument(StageSearch, userID, "empty query")
	}
	cfg := m.Config()
	if k <= 0 {
		k = cfg.DefaultK
	}
	overFetch := opts.OverFetch
	if overFetch <= 0 {
		overFetch = cfg.OverFetchFactor
	}

	u, ok := m.users.get(userID)
	if !ok {
		return []Result{}, nil
	}
	live, hidden := u.counts()
	if live == 0 {
		return []Result{}, nil
	}
	k = min(k, live)
	n := searchSize(k, overFetch, hidden, u.index.Len())
	u.stats.retrieves.Add(1)

	variants := m.expand(ctx, u, query, cfg, opts)
	if len(variants) > 1 {
		u.stats.expanded.Add(1)
	}

	vecs, err := m.embedVariants(ctx, u, variants)
	if err != nil {
		return nil, err
	}
	best, err := m.search(ctx, u, vecs, n)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	ranked := m.score(ctx, u, best, now, cfg, opts)

	results := make([]Result, 0, k)
	ids := make([]string, 0, k)
	for _, s := range ranked {
		if len(results) == k {
			break
		}
		if s.score < opts.MinScore {
			continue
		}
		results = append(results, Result{
			ID:               s.rec.ID,
			Text:             s.rec.Text,
			Category:         s.rec.Category,
			Score:            s.score,
			IsRecent:         s.rec.Age(now) < cfg.RecencyThreshold,
			Similarity:       s.similarity,
			Decay:            s.decay,
			Importance:       s.importance,
			ContextBoost:     s.contextBoost,
			DiversityPenalty: s.diversity,
			CreatedAt:        s.rec.CreatedAt,
		})
		ids = append(ids, s.rec.ID)
	}

	// An abandoned call must not shift later diversity decisions.
	if err := ctx.Err(); err != nil {
		return nil, newError(StageScore, userID, err)
	}
	u.diversity.Commit(ids, now)
	return results, nil
}

// searchSize is how many hits to ask each variant search for: k scaled by
// the over-fetch factor, plus room for superseded records that still sit
// in the index, never more than the index holds.
func searchSize(k, overFetch, hidden, indexed int) int {
	if indexed <= 0 {
		return k
	}
	n := k * min(overFetch, indexed)
	return max(min(n+hidden, indexed), k)
}

func (m *Manager) expand(ctx context.Context, u *userState, query string, cfg Config, opts RetrieveOptions) []string {
	if opts.DisableExpansion || !cfg.QueryExpansionEnabled || m.expander == nil {
		m.observer.QueryExpanded("skipped")
		return []string{query}
	}
	ctx, span := m.tracer.Start(ctx, "expand")
	defer span.End()

	variants, err := m.expander.Expand(ctx, query, cfg.MaxQueryVariants, cfg.ExpansionTimeout, u.limiter)
	switch {
	case errors.Is(err, ErrExpansionThrottled):
		m.observer.QueryExpanded("throttled")
		m.logger.Debug("query expansion throttled", "user_id", u.id, "stage", StageExpand)
	case err != nil:
		m.observer.QueryExpanded("fallback")
		span.RecordError(err)
		m.logger.Warn("query expansion degraded to original query",
			"user_id", u.id, "stage", StageExpand, "error", err)
	case len(variants) < 2:
		m.observer.QueryExpanded("skipped")
	default:
		m.observer.QueryExpanded("expanded")
	}
	span.SetAttributes(attribute.Int("variants", len(variants)))
	return variants
}

// embedVariants embeds the variants concurrently. Failed variants are
// dropped unless every one fails or one has the wrong dimension.
func (m *Manager) embedVariants(ctx context.Context, u *userState, variants []string) ([][]float32, error) {
	ctx, span := m.tracer.Start(ctx, "embed")
	defer span.End()

	vecs := make([][]float32, len(variants))
	errs := make([]error, len(variants))
	var g errgroup.Group
	for i, v := range variants {
		g.Go(func() error {
			vec, err := u.cache.Get(ctx, v)
			if err == nil {
				err = m.checkDims(u, vec)
			}
			vecs[i], errs[i] = vec, err
			return nil
		})
	}
	_ = g.Wait()

	out := make([][]float32, 0, len(variants))
	var firstErr error
	for i, err := range errs {
		if err == nil {
			out = append(out, vecs[i])
			continue
		}
		if errors.Is(err, ErrDimensionMismatch) {
			span.SetStatus(codes.Error, err.Error())
			return nil, newError(StageEmbed, u.id, err)
		}
		if firstErr == nil {
			firstErr = err
		}
		m.logger.Warn("dropping query variant", "user_id", u.id, "stage", StageEmbed, "variant", i, "error", err)
	}
	if len(out) == 0 {
		span.SetStatus(codes.Error, firstErr.Error())
		return nil, newError(StageEmbed, u.id, firstErr)
	}
	return out, nil
}

// search queries the index once per vector and merges hits by id,
// keeping each id's best similarity.
func (m *Manager) search(ctx context.Context, u *userState, vecs [][]float32, n int) (map[string]float64, error) {
	ctx, span := m.tracer.Start(ctx, "search", trace.WithAttributes(attribute.Int("n", n)))
	defer span.End()

	hits := make([][]Match, len(vecs))
	g, gctx := errgroup.WithContext(ctx)
	for i, vec := range vecs {
		g.Go(func() error {
			ms, err := u.index.Search(gctx, vec, n)
			hits[i] = ms
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newError(StageSearch, u.id, err)
	}

	best := make(map[string]float64)
	for _, ms := range hits {
		for _, hit := range ms {
			if cur, ok := best[hit.ID]; !ok || hit.Similarity > cur {
				best[hit.ID] = hit.Similarity
			}
		}
	}
	span.SetAttributes(attribute.Int("candidates", len(best)))
	return best, nil
}

// score applies the multiplier pipeline and returns candidates best first.
func (m *Manager) score(ctx context.Context, u *userState, best map[string]float64, now time.Time, cfg Config, opts RetrieveOptions) []scored {
	_, span := m.tracer.Start(ctx, "score")
	defer span.End()

	temporal := cfg.TemporalDecayEnabled && !opts.DisableTemporal
	contextual := cfg.ContextBoostEnabled && !opts.DisableContext
	diverse := cfg.DiversityEnabled && !opts.DisableDiversity

	var vocab map[string]struct{}
	if contextual {
		vocab = u.window.Vocabulary()
	}
	minOverlap := max(cfg.ContextMinOverlap, 1)

	ranked := make([]scored, 0, len(best))
	for id, sim := range best {
		rec, ok := u.lookup(id)
		if !ok {
			continue
		}
		s := scored{
			rec:          rec,
			similarity:   sim,
			decay:        1,
			blended:      sim,
			importance:   ImportanceWeight(rec),
			contextBoost: 1,
			diversity:    1,
		}
		if temporal {
			s.decay = Decay(rec.Age(now).Hours(), cfg.HalfLife.Hours())
			s.blended = BlendSimilarity(sim, s.decay, cfg.RecencyWeight)
		}
		if contextual && Overlap(vocab, rec.Text) >= minOverlap {
			s.contextBoost = cfg.ContextBoost
		}
		if diverse && u.diversity.Recent(id, now, cfg.DiversityTurns, cfg.DiversityWindow) {
			s.diversity = cfg.DiversityPenalty
		}
		s.score = s.blended * s.importance * s.contextBoost * s.diversity
		u.stats.observe(s)
		ranked = append(ranked, s)
	}

	slices.SortFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		case a.rec.CreatedAt.After(b.rec.CreatedAt):
			return -1
		case a.rec.CreatedAt.Before(b.rec.CreatedAt):
			return 1
		}
		return strings.Compare(a.rec.ID, b.rec.ID)
	})
	span.SetAttributes(attribute.Int("scored", len(ranked)))
	return ranked
}
