package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemStore_SequenceAssignment(t *testing.T) {
	s := NewMemStore()

	s.AddEpisodic(EpisodicMemory{ID: "ep-a", Content: "a"})
	s.AddBelief(Belief{ID: "b_x", Content: "x"})
	s.AddEpisodic(EpisodicMemory{ID: "ep-b", Content: "b", Sequence: 99})
	s.AddEpisodic(EpisodicMemory{ID: "ep-c", Content: "c"})

	eps := s.EpisodicMemories()
	assert.Equal(t, int64(1), eps[0].Sequence)
	assert.Equal(t, int64(99), eps[1].Sequence, "explicit sequence kept")
	assert.Equal(t, int64(3), eps[2].Sequence, "beliefs and memories share one counter")
	assert.Equal(t, int64(2), s.Beliefs()[0].Sequence)
}

func TestMemStore_AccessorsReturnCopies(t *testing.T) {
	s := NewMemStore()
	s.AddFact(CanonicalFact{ID: "fact_king", Content: "the king is dead"})

	facts := s.CanonicalFacts()
	facts[0].Content = "mutated"

	assert.Equal(t, "the king is dead", s.CanonicalFacts()[0].Content)
}

func TestMemStore_SetWorldStateReplacesByKey(t *testing.T) {
	s := NewMemStore()
	s.SetWorldState(WorldStateEntry{Key: "weather", Content: "raining"})
	s.SetWorldState(WorldStateEntry{Key: "door_east", Content: "locked"})
	s.SetWorldState(WorldStateEntry{Key: "weather", Content: "clearing"})

	world := s.WorldState()
	assert.Len(t, world, 2)
	assert.Equal(t, "clearing", world[0].Content, "replacement keeps insertion slot")
	assert.Equal(t, "door_east", world[1].Key)
}

func TestMemStore_IsCanonical(t *testing.T) {
	s := NewMemStore()
	s.AddFact(CanonicalFact{ID: "fact_king", Content: "the king is dead"})
	s.AddBelief(Belief{ID: "b_player", Content: "the player is trustworthy"})

	assert.True(t, s.IsCanonical("fact_king"))
	assert.False(t, s.IsCanonical("b_player"))
	assert.False(t, s.IsCanonical(""))
}
