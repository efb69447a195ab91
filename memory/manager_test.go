package memory_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/index/chromem"
)

const user = "user-1"

func goalsEmbedder() *TableEmbedder {
	return NewTableEmbedder(3).
		Set("What are my goals?", 1, 0, 0).
		Set("I want to learn Spanish", unit(0.8)...).
		Set("I live in Lahore", unitZ(0.85)...)
}

func TestRetrieve_GoalOutranksFact(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, goalsEmbedder(), memory.WithConfig(testConfig()))

	_, err := m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)
	_, err = m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryFact, memory.Metadata{})
	require.NoError(t, err)

	results, err := m.Retrieve(ctx, user, "What are my goals?", 2, memory.RetrieveOptions{DisableDiversity: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	goal, fact := results[0], results[1]
	assert.Equal(t, memory.CategoryGoal, goal.Category)
	assert.Equal(t, "I want to learn Spanish", goal.Text)
	assert.Equal(t, memory.CategoryFact, fact.Category)
	assert.Greater(t, fact.Similarity, goal.Similarity, "fact is the closer raw match")
	assert.Greater(t, goal.Score, fact.Score)
	assert.InDelta(t, 2.0, goal.Importance, 1e-9)
	assert.True(t, goal.IsRecent)

	top, err := m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{DisableDiversity: true})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, memory.CategoryGoal, top[0].Category)
}

func TestRetrieve_TemporalDecayInvertsRanking(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := NewTableEmbedder(3).
		Set("query", 1, 0, 0).
		Set("older and closer", unit(0.9)...).
		Set("fresh and further", unitZ(0.8)...)
	m := newManager(t, e, memory.WithConfig(testConfig()), memory.WithClock(clock.Now))
	opts := memory.RetrieveOptions{DisableDiversity: true}

	oldID, err := m.AddMemory(ctx, user, "older and closer", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)

	results, err := m.Retrieve(ctx, user, "query", 2, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Decay, 1e-9)

	clock.Advance(48 * time.Hour)
	freshID, err := m.AddMemory(ctx, user, "fresh and further", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)

	results, err = m.Retrieve(ctx, user, "query", 2, opts)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, freshID, results[0].ID)
	assert.Equal(t, oldID, results[1].ID)
	assert.InDelta(t, 0.25, results[1].Decay, 1e-6)
	assert.False(t, results[1].IsRecent)
	assert.True(t, results[0].IsRecent)

	results, err = m.Retrieve(ctx, user, "query", 2, memory.RetrieveOptions{DisableDiversity: true, DisableTemporal: true})
	require.NoError(t, err)
	assert.Equal(t, oldID, results[0].ID, "without decay the closer match wins")
}

func TestRetrieve_DiversityDisplacesRepeat(t *testing.T) {
	ctx := context.Background()
	e := NewTableEmbedder(3).
		Set("query", 1, 0, 0).
		Set("best match", unit(0.9)...).
		Set("runner up", unitZ(0.85)...)
	m := newManager(t, e, memory.WithConfig(testConfig()))

	bestID, err := m.AddMemory(ctx, user, "best match", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)
	runnerID, err := m.AddMemory(ctx, user, "runner up", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)

	first, err := m.Retrieve(ctx, user, "query", 1, memory.RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, bestID, first[0].ID)
	assert.Equal(t, 1.0, first[0].DiversityPenalty)
	_, ok := m.LastReferenced(user, bestID)
	assert.True(t, ok)

	second, err := m.Retrieve(ctx, user, "query", 2, memory.RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, runnerID, second[0].ID, "repeat is displaced")
	assert.Equal(t, bestID, second[1].ID)
	assert.Equal(t, 0.7, second[1].DiversityPenalty)
	assert.InDelta(t, first[0].Score*0.7, second[1].Score, 1e-6)
}

func TestRetrieve_ContextBoost(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := NewTableEmbedder(3).
		Set("where next", 1, 0, 0).
		Set("Japan travel plans", unit(0.8)...).
		Set("Cooking pasta at home", unitZ(0.8)...)
	cfg := testConfig()
	cfg.ContextBoostEnabled = true
	m := newManager(t, e, memory.WithConfig(cfg), memory.WithClock(clock.Now))
	opts := memory.RetrieveOptions{DisableDiversity: true}

	japanID, err := m.AddMemory(ctx, user, "Japan travel plans", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	cookingID, err := m.AddMemory(ctx, user, "Cooking pasta at home", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)

	results, err := m.Retrieve(ctx, user, "where next", 2, opts)
	require.NoError(t, err)
	assert.Equal(t, cookingID, results[0].ID, "no context: the newer record wins")

	require.NoError(t, m.PushTurn(user, "I'm planning a trip to Japan"))
	assert.Equal(t, []string{"I'm planning a trip to Japan"}, m.ContextTurns(user))

	results, err = m.Retrieve(ctx, user, "where next", 2, opts)
	require.NoError(t, err)
	assert.Equal(t, japanID, results[0].ID)
	assert.Equal(t, 1.2, results[0].ContextBoost)
	assert.Equal(t, 1.0, results[1].ContextBoost)

	results, err = m.Retrieve(ctx, user, "where next", 2, memory.RetrieveOptions{DisableDiversity: true, DisableContext: true})
	require.NoError(t, err)
	assert.Equal(t, cookingID, results[0].ID)

	m.ResetContext(user)
	assert.Empty(t, m.ContextTurns(user))
	results, err = m.Retrieve(ctx, user, "where next", 2, opts)
	require.NoError(t, err)
	assert.Equal(t, cookingID, results[0].ID)
}

func TestRetrieve_ExpansionTimeoutFallsBack(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QueryExpansionEnabled = true
	cfg.ExpansionTimeout = 30 * time.Millisecond
	m := newManager(t, goalsEmbedder(), memory.WithConfig(cfg), memory.WithGenerator(blockingGenerator{}))

	_, err := m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)
	_, err = m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryFact, memory.Metadata{})
	require.NoError(t, err)

	results, err := m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.CategoryGoal, results[0].Category)
	assert.Equal(t, 0.0, m.GetStats(user).QueryExpansionRate)
}

func TestRetrieve_ExpansionKeepsBestMatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QueryExpansionEnabled = true
	gen := &cannedGenerator{out: `["learn spanish"]`}
	e := goalsEmbedder().Set("learn spanish", unit(0.8)...)
	m := newManager(t, e, memory.WithConfig(cfg), memory.WithGenerator(gen))

	_, err := m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)

	results, err := m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-5, "the variant's exact match wins the merge")
	assert.Equal(t, 1.0, m.GetStats(user).QueryExpansionRate)

	_, err = m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{DisableExpansion: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen.calls.Load())
}

func TestRetrieve_ReportsExpansionResult(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QueryExpansionEnabled = true
	gen := &cannedGenerator{out: `["learn spanish"]`}
	e := goalsEmbedder().Set("learn spanish", unit(0.8)...)
	obs := &recordingObserver{}
	m := newManager(t, e, memory.WithConfig(cfg), memory.WithGenerator(gen), memory.WithObserver(obs))

	_, err := m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)

	_, err = m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.NoError(t, err)
	_, err = m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{DisableExpansion: true})
	require.NoError(t, err)

	gen.out = `["What are my goals?"]`
	_, err = m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"expanded", "skipped", "fallback"}, obs.expansions())
}

func TestRetrieve_IdenticalTextRanksFirst(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, mock.New(), memory.WithConfig(testConfig()))

	texts := []string{
		"I want to learn Spanish",
		"I live in Lahore",
		"My sister Amna is getting married in June",
		"I prefer tea over coffee",
		"I am training for a half marathon",
		"I think remote work is better",
	}
	ids := make(map[string]string)
	for _, text := range texts {
		id, err := m.AddMemory(ctx, user, text, memory.CategoryGeneral, memory.Metadata{})
		require.NoError(t, err)
		ids[text] = id
	}

	for _, text := range texts {
		results, err := m.Retrieve(ctx, user, text, 1, memory.RetrieveOptions{})
		require.NoError(t, err)
		require.Len(t, results, 1, text)
		assert.Equal(t, ids[text], results[0].ID, text)
		assert.Greater(t, results[0].Similarity, 0.9, text)
	}
}

func TestEmbeddingComputedOnce(t *testing.T) {
	ctx := context.Background()
	e := NewTableEmbedder(3).Set("I live in Lahore", 1, 0, 0)
	m := newManager(t, e, memory.WithConfig(testConfig()))

	_, err := m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryFact, memory.Metadata{})
	require.NoError(t, err)
	_, err = m.Retrieve(ctx, user, "  i LIVE in lahore ", 1, memory.RetrieveOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), e.Calls())
	assert.Equal(t, 0.5, m.GetStats(user).CacheHitRate)
}

func TestDimensionMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	e := NewTableEmbedder(3).
		Set("fine", 1, 0, 0).
		Set("too wide", 1, 0, 0, 0)
	m := newManager(t, e, memory.WithConfig(testConfig()))

	_, err := m.AddMemory(ctx, user, "fine", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)

	_, err = m.AddMemory(ctx, user, "too wide", memory.CategoryGeneral, memory.Metadata{})
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)
	var merr *memory.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, memory.StageEmbed, merr.Stage)
	assert.Equal(t, user, merr.UserID)

	results, err := m.Retrieve(ctx, user, "too wide", 1, memory.RetrieveOptions{})
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)
	assert.Nil(t, results)
	assert.Equal(t, 1, m.GetStats(user).TotalMemories)
}

func TestRetrieve_EmbeddingFailures(t *testing.T) {
	ctx := context.Background()
	e := NewTableEmbedder(3).
		Set("fine", 1, 0, 0).
		Fail("broken", errors.New("provider down")).
		Fail("slow", fmt.Errorf("embed: %w", context.DeadlineExceeded))
	m := newManager(t, e, memory.WithConfig(testConfig()))

	_, err := m.AddMemory(ctx, user, "fine", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)

	_, err = m.Retrieve(ctx, user, "broken", 1, memory.RetrieveOptions{})
	assert.ErrorIs(t, err, memory.ErrProvider)
	var merr *memory.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, memory.StageEmbed, merr.Stage)

	_, err = m.Retrieve(ctx, user, "slow", 1, memory.RetrieveOptions{})
	assert.ErrorIs(t, err, memory.ErrProviderTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Failures are not cached.
	e.Set("broken", 1, 0, 0)
	delete(e.fail, "broken")
	results, err := m.Retrieve(ctx, user, "broken", 1, memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

type failingIndex struct {
	memory.Index
}

func (failingIndex) Search(context.Context, []float32, int) ([]memory.Match, error) {
	return nil, errors.New("index corrupted")
}

func TestRetrieve_SearchErrorAborts(t *testing.T) {
	ctx := context.Background()
	factory := func(userID string) (memory.Index, error) {
		idx, err := chromem.New(userID)
		if err != nil {
			return nil, err
		}
		return failingIndex{Index: idx}, nil
	}
	m, err := memory.NewManager(goalsEmbedder(), factory,
		memory.WithConfig(testConfig()), memory.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)

	results, err := m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.Error(t, err)
	assert.Nil(t, results)
	var merr *memory.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, memory.StageSearch, merr.Stage)
	assert.Contains(t, err.Error(), "index corrupted")
}

func TestRetrieve_UnknownUserIsEmpty(t *testing.T) {
	m := newManager(t, goalsEmbedder())

	results, err := m.Retrieve(context.Background(), "nobody", "What are my goals?", 3, memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, 0, m.ActiveUsers())
	assert.Equal(t, memory.Stats{}, m.GetStats("nobody"))
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, goalsEmbedder())

	_, err := m.AddMemory(ctx, "", "text", memory.CategoryGeneral, memory.Metadata{})
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)
	_, err = m.AddMemory(ctx, user, "   ", memory.CategoryGeneral, memory.Metadata{})
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)
	_, err = m.Retrieve(ctx, "", "q", 1, memory.RetrieveOptions{})
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)
	assert.ErrorIs(t, m.PushTurn("", "hi"), memory.ErrInvalidArgument)
}

func TestAddMemory_UpsertByKey(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := NewTableEmbedder(3).
		Set("where do I live", 1, 0, 0).
		Set("I live in Lahore", unit(0.9)...).
		Set("I live in Karachi", unitZ(0.8)...)
	m := newManager(t, e, memory.WithConfig(testConfig()), memory.WithClock(clock.Now))
	meta := memory.Metadata{Key: "home_city"}

	_, err := m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryFact, meta)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	newID, err := m.AddMemory(ctx, user, "I live in Karachi", memory.CategoryFact, meta)
	require.NoError(t, err)

	results, err := m.Retrieve(ctx, user, "where do I live", 5, memory.RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, newID, results[0].ID)

	stats := m.GetStats(user)
	assert.Equal(t, 1, stats.TotalMemories)
	assert.Equal(t, 2, stats.IndexSize)

	// Same key in another category is independent.
	_, err = m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryPlan, meta)
	require.NoError(t, err)
	assert.Equal(t, 2, m.GetStats(user).TotalMemories)
}

func TestRetrieve_SupersededVersionsDoNotCrowdOutLive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := NewTableEmbedder(3).
		Set("where do I live", 1, 0, 0).
		Set("I live in Lahore", unit(0.99)...).
		Set("I live in Lahore city", unit(0.98)...).
		Set("I live in Lahore Pakistan", unit(0.97)...).
		Set("I moved to Karachi", unitZ(0.5)...)
	m := newManager(t, e, memory.WithConfig(testConfig()), memory.WithClock(clock.Now))
	meta := memory.Metadata{Key: "city"}

	var liveID string
	for _, text := range []string{"I live in Lahore", "I live in Lahore city", "I live in Lahore Pakistan", "I moved to Karachi"} {
		id, err := m.AddMemory(ctx, user, text, memory.CategoryFact, meta)
		require.NoError(t, err)
		liveID = id
		clock.Advance(time.Minute)
	}
	require.Equal(t, 1, m.GetStats(user).TotalMemories)
	require.Equal(t, 4, m.GetStats(user).IndexSize)

	results, err := m.Retrieve(ctx, user, "where do I live", 1, memory.RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, liveID, results[0].ID)
	assert.Equal(t, "I moved to Karachi", results[0].Text)
}

func TestRetrieve_HugeKIsBounded(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, goalsEmbedder(), memory.WithConfig(testConfig()))
	_, err := m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)
	_, err = m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryFact, memory.Metadata{})
	require.NoError(t, err)

	for _, k := range []int{1 << 40, 1 << 50, math.MaxInt} {
		results, err := m.Retrieve(ctx, user, "What are my goals?", k, memory.RetrieveOptions{OverFetch: math.MaxInt})
		require.NoError(t, err)
		assert.Len(t, results, 2)
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := NewTableEmbedder(3).
		Set("I live in Lahore", unit(0.9)...).
		Set("I live in Karachi", unitZ(0.8)...)
	m := newManager(t, e, memory.WithConfig(testConfig()), memory.WithClock(clock.Now))
	meta := memory.Metadata{Key: "home_city", Important: true}

	oldID, err := m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryFact, meta)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	newID, err := m.AddMemory(ctx, user, "I live in Karachi", memory.CategoryFact, meta)
	require.NoError(t, err)

	_, ok := m.Lookup(user, oldID)
	assert.False(t, ok, "superseded records are not returned")

	sm, ok := m.Lookup(user, newID)
	require.True(t, ok)
	assert.Equal(t, "FACT", sm.Category)
	assert.Equal(t, "I live in Karachi", sm.Text)
	assert.Equal(t, unitZ(0.8), sm.Embedding)
	assert.Equal(t, meta, sm.Metadata)
	assert.Equal(t, clock.Now(), sm.CreatedAt)

	_, ok = m.Lookup("someone-else", newID)
	assert.False(t, ok)
}

func TestRetrieve_CancelledCallDoesNotCommit(t *testing.T) {
	e := goalsEmbedder()
	m := newManager(t, e, memory.WithConfig(testConfig()))

	id, err := m.AddMemory(context.Background(), user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)
	_, err = m.Retrieve(context.Background(), user, "What are my goals?", 1, memory.RetrieveOptions{DisableDiversity: true})
	require.NoError(t, err)
	m.ResetContext(user)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.ErrorIs(t, err, context.Canceled)

	_, ok := m.LastReferenced(user, id)
	assert.False(t, ok)
}

func TestRetrieve_DefaultKAndMinScore(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, mock.New(), memory.WithConfig(testConfig()))
	for i := 0; i < 8; i++ {
		_, err := m.AddMemory(ctx, user, fmt.Sprintf("memory number %d about hiking", i), memory.CategoryGeneral, memory.Metadata{})
		require.NoError(t, err)
	}

	results, err := m.Retrieve(ctx, user, "hiking", 0, memory.RetrieveOptions{DisableDiversity: true})
	require.NoError(t, err)
	assert.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	results, err = m.Retrieve(ctx, user, "hiking", 3, memory.RetrieveOptions{DisableDiversity: true, MinScore: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ContextBoostEnabled = true
	m := newManager(t, goalsEmbedder(), memory.WithConfig(cfg))

	_, err := m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)
	_, err = m.AddMemory(ctx, user, "I live in Lahore", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)
	require.NoError(t, m.PushTurn(user, "Spanish lessons are expensive"))

	_, err = m.Retrieve(ctx, user, "What are my goals?", 2, memory.RetrieveOptions{})
	require.NoError(t, err)

	stats := m.GetStats(user)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 2, stats.IndexSize)
	assert.Equal(t, 0.5, stats.ImportanceBoostRate)
	assert.Equal(t, 0.5, stats.ContextMatchRate)
	assert.Equal(t, 1.0, stats.TemporalBoostRate, "fresh records blend above raw similarity")
	assert.Equal(t, 0.0, stats.QueryExpansionRate)
	assert.InDelta(t, 0.0, stats.CacheHitRate, 1e-9)
}

func TestConcurrentAddAndRetrieve(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, mock.New())
	_, err := m.AddMemory(ctx, user, "seed memory", memory.CategoryGeneral, memory.Metadata{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := m.AddMemory(ctx, user, fmt.Sprintf("writer %d fact %d", w, i), memory.CategoryFact, memory.Metadata{})
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := m.Retrieve(ctx, user, fmt.Sprintf("fact %d", i), 3, memory.RetrieveOptions{})
				assert.NoError(t, err)
				assert.NoError(t, m.PushTurn(user, "turn"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 101, m.GetStats(user).TotalMemories)
}

type closeCountingIndex struct {
	memory.Index
	closed chan struct{}
}

func (c closeCountingIndex) Close() error {
	close(c.closed)
	return c.Index.Close()
}

func TestIdleUsersAreEvicted(t *testing.T) {
	ctx := context.Background()
	closed := make(chan struct{})
	factory := func(userID string) (memory.Index, error) {
		idx, err := chromem.New(userID)
		if err != nil {
			return nil, err
		}
		return closeCountingIndex{Index: idx, closed: closed}, nil
	}
	cfg := testConfig()
	cfg.UserIdleTimeout = 50 * time.Millisecond
	m, err := memory.NewManager(goalsEmbedder(), factory, memory.WithConfig(cfg), memory.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveUsers())

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("idle user state was not closed")
	}
	require.Eventually(t, func() bool { return m.ActiveUsers() == 0 }, 5*time.Second, 10*time.Millisecond)

	results, err := m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCloseRejectsCalls(t *testing.T) {
	m, err := memory.NewManager(goalsEmbedder(), chromem.Factory(), memory.WithLogger(discardLogger()))
	require.NoError(t, err)
	_, err = m.AddMemory(context.Background(), user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.ActiveUsers())

	_, err = m.AddMemory(context.Background(), user, "again", memory.CategoryGoal, memory.Metadata{})
	assert.ErrorIs(t, err, memory.ErrClosed)
}

func TestSetConfig(t *testing.T) {
	m := newManager(t, goalsEmbedder())

	bad := memory.DefaultConfig()
	bad.RecencyWeight = 2
	assert.Error(t, m.SetConfig(bad))

	good := memory.DefaultConfig()
	good.DiversityPenalty = 0.5
	require.NoError(t, m.SetConfig(good))
	assert.Equal(t, 0.5, m.Config().DiversityPenalty)

	_, err := memory.NewManager(goalsEmbedder(), chromem.Factory(), memory.WithConfig(bad))
	assert.Error(t, err)
}

func TestRetrieveSpans(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	cfg := testConfig()
	cfg.QueryExpansionEnabled = true
	m := newManager(t, goalsEmbedder(), memory.WithConfig(cfg), memory.WithTracerProvider(tp),
		memory.WithGenerator(&cannedGenerator{err: errors.New("offline")}))

	_, err := m.AddMemory(ctx, user, "I want to learn Spanish", memory.CategoryGoal, memory.Metadata{})
	require.NoError(t, err)
	_, err = m.Retrieve(ctx, user, "What are my goals?", 1, memory.RetrieveOptions{})
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"expand", "embed", "search", "score", "memory.Retrieve"}, names)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "", memory.Format(nil))

	out := memory.Format([]memory.Result{
		{Text: "I want to learn Spanish", Category: memory.CategoryGoal, IsRecent: true},
		{Text: "I live in Lahore", Category: memory.CategoryFact},
	})
	assert.Equal(t, "=== RELEVANT MEMORIES ===\n\n"+
		"1. [goal] I want to learn Spanish (recent)\n"+
		"2. [fact] I live in Lahore\n", out)
}
