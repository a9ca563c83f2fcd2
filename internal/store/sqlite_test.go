package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"npcmind/internal/memory"
	"npcmind/internal/perception"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "npc", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_FactRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutFact("mira", memory.CanonicalFact{
		ID: "fact_king", Content: "the king is dead", Domain: "politics",
		ContradictionKeywords: []string{"long live the king"},
	}))
	require.NoError(t, s.PutFact("mira", memory.CanonicalFact{
		ID: "fact_bridge", Content: "the bridge is out",
	}))
	// Facts from another NPC stay invisible.
	require.NoError(t, s.PutFact("brond", memory.CanonicalFact{
		ID: "fact_forge", Content: "the forge is cold",
	}))

	facts, err := s.Facts("mira")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "fact_bridge", facts[0].ID, "facts ordered by id")
	assert.Equal(t, "fact_king", facts[1].ID)
	assert.Equal(t, []string{"long live the king"}, facts[1].ContradictionKeywords)

	// Upsert replaces content in place.
	require.NoError(t, s.PutFact("mira", memory.CanonicalFact{
		ID: "fact_bridge", Content: "the bridge was rebuilt",
	}))
	facts, err = s.Facts("mira")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "the bridge was rebuilt", facts[0].Content)
}

func TestSQLiteStore_WorldStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutWorldState("mira", memory.WorldStateEntry{Key: "weather", Content: "raining"}))
	require.NoError(t, s.PutWorldState("mira", memory.WorldStateEntry{Key: "door_east", Content: "locked"}))
	require.NoError(t, s.PutWorldState("mira", memory.WorldStateEntry{Key: "weather", Content: "clearing"}))

	world, err := s.World("mira")
	require.NoError(t, err)
	require.Len(t, world, 2)
	assert.Equal(t, "door_east", world[0].Key, "world state ordered by key")
	assert.Equal(t, "clearing", world[1].Content)
}

func TestSQLiteStore_EpisodicSequenceAssignment(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutEpisodic("mira", memory.EpisodicMemory{
		ID: "ep-a", Content: "a trader passed through", CreatedAt: 10, Strength: 1.0,
	}))
	require.NoError(t, s.PutEpisodic("mira", memory.EpisodicMemory{
		ID: "ep-b", Content: "the cellar flooded", CreatedAt: 20, Strength: 0.9,
	}))

	eps, err := s.Episodic("mira")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, int64(1), eps[0].Sequence)
	assert.Equal(t, int64(2), eps[1].Sequence)

	// An explicit sequence is kept as given.
	require.NoError(t, s.PutEpisodic("mira", memory.EpisodicMemory{
		ID: "ep-c", Content: "imported memory", CreatedAt: 5, Sequence: 40, Strength: 1.0,
	}))
	eps, err = s.Episodic("mira")
	require.NoError(t, err)
	require.Len(t, eps, 3)
	assert.Equal(t, int64(40), eps[2].Sequence)
}

func TestSQLiteStore_BeliefRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutBelief("mira", memory.Belief{
		ID: "b_player", Content: "the player is trustworthy", Confidence: 0.6,
	}))
	require.NoError(t, s.PutBelief("mira", memory.Belief{
		ID: "b_guard", Content: "the guard takes bribes", Confidence: 0.4, Contradicted: true,
	}))

	beliefs, err := s.BeliefsOf("mira")
	require.NoError(t, err)
	require.Len(t, beliefs, 2)
	assert.Equal(t, "b_player", beliefs[0].ID)
	assert.False(t, beliefs[0].Contradicted)
	assert.True(t, beliefs[1].Contradicted)

	// Belief revision keeps the original sequence slot.
	require.NoError(t, s.PutBelief("mira", memory.Belief{
		ID: "b_player", Content: "the player cannot be trusted", Confidence: 0.8,
	}))
	beliefs, err = s.BeliefsOf("mira")
	require.NoError(t, err)
	require.Len(t, beliefs, 2)
	assert.Equal(t, "the player cannot be trusted", beliefs[0].Content)
	assert.Equal(t, int64(1), beliefs[0].Sequence)
}

func TestSQLiteStore_DialogueAppend(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendDialogue("mira", memory.DialogueExchange{PlayerLine: "Hello.", NPCLine: "Welcome in."}))
	require.NoError(t, s.AppendDialogue("mira", memory.DialogueExchange{PlayerLine: "Any rooms?", NPCLine: "One left."}))

	history, err := s.Dialogue("mira")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hello.", history[0].PlayerLine)
	assert.Equal(t, "One left.", history[1].NPCLine)
}

func TestSQLiteStore_Snapshot(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutFact("mira", memory.CanonicalFact{ID: "fact_king", Content: "the king is dead"}))
	require.NoError(t, s.PutWorldState("mira", memory.WorldStateEntry{Key: "weather", Content: "raining"}))
	require.NoError(t, s.PutEpisodic("mira", memory.EpisodicMemory{ID: "ep-a", Content: "a trader passed through", CreatedAt: 10, Strength: 1.0}))
	require.NoError(t, s.PutBelief("mira", memory.Belief{ID: "b_player", Content: "the player is trustworthy", Confidence: 0.6}))
	require.NoError(t, s.AppendDialogue("mira", memory.DialogueExchange{PlayerLine: "Hello.", NPCLine: "Welcome in."}))

	constraints := memory.ConstraintSet{Constraints: []memory.Constraint{
		{ID: "c1", Kind: memory.ConstraintProhibition, Description: "Never discuss the rebellion."},
	}}
	snap, err := s.Snapshot("mira", "Any news?", 500, []string{"capital"}, constraints, "You are Mira.")
	require.NoError(t, err)

	assert.Equal(t, "mira", snap.NPCName)
	assert.Equal(t, "Any news?", snap.PlayerInput)
	assert.Equal(t, int64(500), snap.Time)
	assert.Equal(t, []string{"capital"}, snap.Topics)
	assert.Len(t, snap.CanonicalFacts, 1)
	assert.Len(t, snap.WorldState, 1)
	assert.Len(t, snap.EpisodicMemories, 1)
	assert.Len(t, snap.Beliefs, 1)
	assert.Len(t, snap.DialogueHistory, 1)
	assert.Equal(t, constraints, snap.Constraints)
	assert.Equal(t, "You are Mira.", snap.SystemPrompt)
}

func TestSQLiteStore_ApplyMutations(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyMutations("mira", 900, []perception.Mutation{
		{Kind: perception.MutationAppendEpisodic, Content: "the player asked about the mine", Confidence: 0.8},
		{Kind: perception.MutationTransformBelief, TargetID: "b_player", Content: "the player is curious", Confidence: 0.7},
		{Kind: perception.MutationTransformBelief, Content: "no target, must be skipped", Confidence: 0.5},
		{Kind: perception.MutationEmitWorldIntent, TargetID: "door_east", Content: "unlock"},
	}))

	eps, err := s.Episodic("mira")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "ep-900", eps[0].ID)
	assert.Equal(t, int64(900), eps[0].CreatedAt)
	assert.Equal(t, 0.8, eps[0].Significance)
	assert.Equal(t, 1.0, eps[0].Strength)

	beliefs, err := s.BeliefsOf("mira")
	require.NoError(t, err)
	require.Len(t, beliefs, 1)
	assert.Equal(t, "b_player", beliefs[0].ID)
	assert.Equal(t, "the player is curious", beliefs[0].Content)

	// World intents never touch the store.
	world, err := s.World("mira")
	require.NoError(t, err)
	assert.Empty(t, world)
}

func TestSQLiteStore_View(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutFact("mira", memory.CanonicalFact{ID: "fact_king", Content: "the king is dead"}))
	require.NoError(t, s.PutBelief("mira", memory.Belief{ID: "b_player", Content: "the player is trustworthy", Confidence: 0.6}))

	var view memory.Store = s.View("mira")
	assert.Len(t, view.CanonicalFacts(), 1)
	assert.Len(t, view.Beliefs(), 1)
	assert.Empty(t, view.EpisodicMemories())
	assert.True(t, view.IsCanonical("fact_king"))
	assert.False(t, view.IsCanonical("b_player"))

	empty := s.View("nobody")
	assert.Empty(t, empty.CanonicalFacts())
	assert.False(t, empty.IsCanonical("fact_king"))
}

func TestSQLiteStore_ReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutFact("mira", memory.CanonicalFact{ID: "fact_king", Content: "the king is dead"}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	facts, err := s2.Facts("mira")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "the king is dead", facts[0].Content)
}
