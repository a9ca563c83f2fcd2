package wmem

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"npcmind/internal/memory"
	"npcmind/internal/retrieval"
)

func testSnapshot() *memory.Snapshot {
	return &memory.Snapshot{
		NPCName:      "Mira",
		PlayerInput:  "What happened at the mine?",
		SystemPrompt: "You are Mira, the innkeeper.",
		DialogueHistory: []memory.DialogueExchange{
			{PlayerLine: "Hello.", NPCLine: "Welcome, traveler."},
			{PlayerLine: "Any news?", NPCLine: "Quiet week, mostly."},
		},
		Constraints: memory.ConstraintSet{
			Constraints: []memory.Constraint{
				{ID: "c1", Kind: memory.ConstraintProhibition, Description: "Never mention the rebellion."},
			},
		},
	}
}

func testRetrieved() *retrieval.RetrievedContext {
	return &retrieval.RetrievedContext{
		Facts:            []string{"The king is dead"},
		WorldState:       []string{"weather: raining"},
		EpisodicMemories: []string{"the player helped rebuild the mine", "a stranger passed through"},
		Beliefs:          []string{"the player means well"},
	}
}

func TestAssemble_NilInputs(t *testing.T) {
	_, err := Assemble(nil, testRetrieved(), DefaultConfig())
	require.Error(t, err)

	_, err = Assemble(testSnapshot(), nil, DefaultConfig())
	require.Error(t, err)
}

func TestAssemble_NegativeBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CharBudget = -10
	_, err := Assemble(testSnapshot(), testRetrieved(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "char budget")
}

func TestAssemble_CopiesWithinBudget(t *testing.T) {
	wm, err := Assemble(testSnapshot(), testRetrieved(), DefaultConfig())
	require.NoError(t, err)

	assert.False(t, wm.Truncated)
	assert.Equal(t, "Mira", wm.NPCName)
	assert.Len(t, wm.Facts, 1)
	assert.Len(t, wm.EpisodicMemories, 2)
	assert.Len(t, wm.Dialogue, 2)
}

func TestAssemble_CountCaps(t *testing.T) {
	retrieved := &retrieval.RetrievedContext{
		EpisodicMemories: []string{"a", "b", "c", "d"},
		Beliefs:          []string{"x", "y"},
	}
	snap := testSnapshot()
	for i := 0; i < 20; i++ {
		snap.DialogueHistory = append(snap.DialogueHistory, memory.DialogueExchange{
			PlayerLine: fmt.Sprintf("p%d", i), NPCLine: fmt.Sprintf("n%d", i),
		})
	}

	cfg := DefaultConfig()
	cfg.MaxEpisodic = 2
	cfg.MaxBeliefs = 1
	cfg.MaxDialogueExchanges = 3

	wm, err := Assemble(snap, retrieved, cfg)
	require.NoError(t, err)

	// Ranked lists keep the head, dialogue keeps the most recent.
	assert.Equal(t, []string{"a", "b"}, wm.EpisodicMemories)
	assert.Equal(t, []string{"x"}, wm.Beliefs)
	require.Len(t, wm.Dialogue, 3)
	assert.Equal(t, "p19", wm.Dialogue[2].PlayerLine)
}

func TestAssemble_BudgetInvariant(t *testing.T) {
	snap := testSnapshot()
	retrieved := testRetrieved()
	for i := 0; i < 30; i++ {
		snap.DialogueHistory = append(snap.DialogueHistory, memory.DialogueExchange{
			PlayerLine: "a fairly long player line that takes up budget",
			NPCLine:    "an equally long response line from the innkeeper",
		})
	}

	for _, budget := range []int{120, 300, 500, 1000, 2000} {
		t.Run(fmt.Sprintf("budget_%d", budget), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxDialogueExchanges = 0
			cfg.CharBudget = budget

			wm, err := Assemble(snap, retrieved, cfg)
			require.NoError(t, err)

			mandatory := wm.mandatoryChars(true)
			if mandatory > budget {
				// Only mandatory content may remain.
				assert.Empty(t, wm.Dialogue)
				assert.Empty(t, wm.EpisodicMemories)
				assert.Empty(t, wm.Beliefs)
			} else {
				assert.LessOrEqual(t, wm.TotalChars(), budget)
			}
		})
	}
}

func TestAssemble_TruncationDropsOldestDialogueFirst(t *testing.T) {
	snap := testSnapshot()
	snap.DialogueHistory = []memory.DialogueExchange{
		{PlayerLine: "oldest exchange player line", NPCLine: "oldest exchange npc line"},
		{PlayerLine: "middle exchange player line", NPCLine: "middle exchange npc line"},
		{PlayerLine: "newest", NPCLine: "newest"},
	}

	cfg := DefaultConfig()
	// Budget large enough for mandatory content plus roughly one exchange.
	cfg.CharBudget = 300

	wm, err := Assemble(snap, testRetrieved(), cfg)
	require.NoError(t, err)
	require.True(t, wm.Truncated)

	if len(wm.Dialogue) > 0 {
		assert.Equal(t, "newest", wm.Dialogue[len(wm.Dialogue)-1].PlayerLine)
	}
}

func TestAssemble_FactsExemptFromTruncation(t *testing.T) {
	snap := testSnapshot()
	retrieved := testRetrieved()

	cfg := DefaultConfig()
	cfg.CharBudget = 150 // tight, forces optional content out

	wm, err := Assemble(snap, retrieved, cfg)
	require.NoError(t, err)
	require.True(t, wm.Truncated)
	assert.Equal(t, retrieved.Facts, wm.Facts)
	assert.Equal(t, retrieved.WorldState, wm.WorldState)
}

func TestAssemble_FactsCompeteWhenNotExempt(t *testing.T) {
	snap := testSnapshot()
	retrieved := &retrieval.RetrievedContext{
		Facts: []string{
			"a very long canonical fact that will not fit inside the remaining budget at all",
		},
	}

	cfg := DefaultConfig()
	cfg.FactsAlwaysIncluded = false
	cfg.CharBudget = 110

	wm, err := Assemble(snap, retrieved, cfg)
	require.NoError(t, err)
	require.True(t, wm.Truncated)
	assert.Empty(t, wm.Facts)
}

func TestAssemble_Deterministic(t *testing.T) {
	snap := testSnapshot()
	retrieved := testRetrieved()
	cfg := DefaultConfig()
	cfg.CharBudget = 250

	first, err := Assemble(snap, retrieved, cfg)
	require.NoError(t, err)

	opts := cmpopts.IgnoreUnexported(WorkingMemory{})
	for i := 0; i < 20; i++ {
		again, err := Assemble(snap, retrieved, cfg)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again, opts); diff != "" {
			t.Fatalf("assembly not deterministic (-first +again):\n%s", diff)
		}
	}
}

func TestWorkingMemory_Release(t *testing.T) {
	wm, err := Assemble(testSnapshot(), testRetrieved(), DefaultConfig())
	require.NoError(t, err)

	wm.Release()

	assert.True(t, wm.Released())
	assert.Nil(t, wm.Facts)
	assert.Nil(t, wm.WorldState)
	assert.Nil(t, wm.EpisodicMemories)
	assert.Nil(t, wm.Beliefs)
	assert.Nil(t, wm.Dialogue)
	assert.Empty(t, wm.SystemPrompt)
	assert.Empty(t, wm.Constraints.Constraints)
}
