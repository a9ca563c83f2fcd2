package retrieval

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"npcmind/internal/memory"
)

func testStore() *memory.MemStore {
	s := memory.NewMemStore()
	s.AddFact(memory.CanonicalFact{ID: "fact_2", Content: "The mine collapsed last winter", Domain: "town"})
	s.AddFact(memory.CanonicalFact{ID: "fact_1", Content: "The king is dead", Domain: "politics"})
	s.SetWorldState(memory.WorldStateEntry{Key: "weather", Content: "raining"})
	s.SetWorldState(memory.WorldStateEntry{Key: "season", Content: "autumn"})
	return s
}

func TestRetriever_Retrieve_NilStore(t *testing.T) {
	r := NewRetriever(DefaultConfig())
	_, err := r.Retrieve(nil, "hello", nil, 100)
	require.Error(t, err)
}

func TestRetriever_FactsSortedByID(t *testing.T) {
	r := NewRetriever(DefaultConfig())
	ctx, err := r.Retrieve(testStore(), "", nil, 0)
	require.NoError(t, err)

	require.Len(t, ctx.Facts, 2)
	assert.Equal(t, "The king is dead", ctx.Facts[0])
	assert.Equal(t, "The mine collapsed last winter", ctx.Facts[1])
}

func TestRetriever_WorldStateFormattedAndSorted(t *testing.T) {
	r := NewRetriever(DefaultConfig())
	ctx, err := r.Retrieve(testStore(), "", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"season: autumn", "weather: raining"}, ctx.WorldState)
}

func TestRetriever_TopicFilter(t *testing.T) {
	r := NewRetriever(DefaultConfig())

	t.Run("exact domain match", func(t *testing.T) {
		ctx, err := r.Retrieve(testStore(), "", []string{"politics"}, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"The king is dead"}, ctx.Facts)
	})

	t.Run("content substring match", func(t *testing.T) {
		ctx, err := r.Retrieve(testStore(), "", []string{"mine"}, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"The mine collapsed last winter"}, ctx.Facts)
	})

	t.Run("no match filters everything", func(t *testing.T) {
		ctx, err := r.Retrieve(testStore(), "", []string{"dragons"}, 0)
		require.NoError(t, err)
		assert.Empty(t, ctx.Facts)
	})
}

func TestRecencyScore(t *testing.T) {
	t.Run("one half-life halves the score", func(t *testing.T) {
		assert.InDelta(t, 0.5, RecencyScore(3600, 3600, 0), 0.0001)
	})

	t.Run("zero elapsed clamps to 1", func(t *testing.T) {
		assert.Equal(t, 1.0, RecencyScore(0, 3600, 0))
	})

	t.Run("future memory clamps to 1", func(t *testing.T) {
		assert.Equal(t, 1.0, RecencyScore(-50, 3600, 0))
	})

	t.Run("zero half-life disables decay", func(t *testing.T) {
		assert.Equal(t, 1.0, RecencyScore(99999, 0, 0))
	})

	t.Run("significance boosts but caps at 1", func(t *testing.T) {
		boosted := RecencyScore(3600, 3600, 1.0)
		assert.InDelta(t, 0.75, boosted, 0.0001)
		assert.LessOrEqual(t, RecencyScore(1, 3600, 1.0), 1.0)
	})
}

func TestRelevanceScore(t *testing.T) {
	words := significantWords("tell me about the collapsed mine")

	t.Run("keeps only significant words", func(t *testing.T) {
		assert.Equal(t, []string{"tell", "about", "collapsed", "mine"}, words)
	})

	t.Run("fraction of matching words", func(t *testing.T) {
		// "collapsed" and "mine" match: 2 of 4.
		score := RelevanceScore("the mine collapsed last winter", words, nil, 0.3)
		assert.InDelta(t, 0.5, score, 0.0001)
	})

	t.Run("topic bonus is flat and applied once", func(t *testing.T) {
		score := RelevanceScore("the mine collapsed last winter", words, []string{"mine", "winter"}, 0.3)
		assert.InDelta(t, 0.8, score, 0.0001)
	})

	t.Run("capped at one", func(t *testing.T) {
		score := RelevanceScore("tell about collapsed mine", words, []string{"mine"}, 0.5)
		assert.Equal(t, 1.0, score)
	})
}

func TestRetriever_EpisodicTotalOrder(t *testing.T) {
	// All memories score identically (no overlap with input, same created
	// time for the id/sequence cases), so ordering falls to the tiebreaks.
	s := memory.NewMemStore()
	s.AddEpisodic(memory.EpisodicMemory{ID: "m_b", Content: "b", CreatedAt: 100, Strength: 1, Sequence: 1})
	s.AddEpisodic(memory.EpisodicMemory{ID: "m_a", Content: "a", CreatedAt: 100, Strength: 1, Sequence: 2})
	s.AddEpisodic(memory.EpisodicMemory{ID: "m_c", Content: "c", CreatedAt: 200, Strength: 1, Sequence: 3})

	cfg := DefaultConfig()
	cfg.HalfLife = 0 // equal recency for all
	r := NewRetriever(cfg)

	ctx, err := r.Retrieve(s, "", nil, 300)
	require.NoError(t, err)

	// Later creation first, then lexicographic id.
	assert.Equal(t, []string{"c", "a", "b"}, ctx.EpisodicMemories)
}

func TestRetriever_EpisodicStrengthFilterAndCap(t *testing.T) {
	s := memory.NewMemStore()
	s.AddEpisodic(memory.EpisodicMemory{ID: "m1", Content: "faded", CreatedAt: 100, Strength: 0.05})
	for i := 0; i < 10; i++ {
		s.AddEpisodic(memory.EpisodicMemory{ID: string(rune('a' + i)), Content: "kept", CreatedAt: int64(i), Strength: 1})
	}

	cfg := DefaultConfig()
	cfg.MaxEpisodic = 4
	r := NewRetriever(cfg)

	ctx, err := r.Retrieve(s, "", nil, 100)
	require.NoError(t, err)
	require.Len(t, ctx.EpisodicMemories, 4)
	for _, m := range ctx.EpisodicMemories {
		assert.Equal(t, "kept", m)
	}
}

func TestRetriever_Beliefs(t *testing.T) {
	s := memory.NewMemStore()
	s.AddBelief(memory.Belief{ID: "b1", Content: "the player is trustworthy", Confidence: 0.9})
	s.AddBelief(memory.Belief{ID: "b2", Content: "the mine is haunted", Confidence: 0.6, Contradicted: true})
	s.AddBelief(memory.Belief{ID: "b3", Content: "nothing good comes from the road", Confidence: 0.2})

	t.Run("contradicted excluded by default", func(t *testing.T) {
		r := NewRetriever(DefaultConfig())
		ctx, err := r.Retrieve(s, "", nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"the player is trustworthy"}, ctx.Beliefs)
	})

	t.Run("contradicted included with marker and down-weighted", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.IncludeContradicted = true
		r := NewRetriever(cfg)
		ctx, err := r.Retrieve(s, "", nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"the player is trustworthy", "[Uncertain] the mine is haunted"}, ctx.Beliefs)
	})

	t.Run("low confidence filtered", func(t *testing.T) {
		r := NewRetriever(DefaultConfig())
		ctx, err := r.Retrieve(s, "road", nil, 0)
		require.NoError(t, err)
		assert.NotContains(t, ctx.Beliefs, "nothing good comes from the road")
	})
}

func TestRetriever_Deterministic(t *testing.T) {
	s := testStore()
	s.AddEpisodic(memory.EpisodicMemory{ID: "m1", Content: "the player helped rebuild the mine", CreatedAt: 50, Strength: 1, Significance: 0.4})
	s.AddEpisodic(memory.EpisodicMemory{ID: "m2", Content: "a stranger passed through town", CreatedAt: 80, Strength: 1})
	s.AddBelief(memory.Belief{ID: "b1", Content: "the player means well", Confidence: 0.7})

	r := NewRetriever(DefaultConfig())

	first, err := r.Retrieve(s, "what happened to the mine?", []string{"town"}, 100)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := r.Retrieve(s, "what happened to the mine?", []string{"town"}, 100)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("retrieval not deterministic (-first +again):\n%s", diff)
		}
	}
}
