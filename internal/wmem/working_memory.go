// Package wmem builds the short-lived, size-bounded working memory view
// for a single inference attempt. Assembly is a pure function of the
// snapshot, retrieved context, and config, so identical inputs always yield
// byte-identical working memory - the prompt cache boundary downstream
// depends on this.
//
// All budgets are measured in UTF-8 bytes (Go len()). This is the module's
// documented length metric; token budgets are derived from it downstream.
package wmem

import (
	"fmt"

	"npcmind/internal/logging"
	"npcmind/internal/memory"
	"npcmind/internal/retrieval"
)

// Sub-budget split for optional categories when truncation runs.
const (
	dialogueShare = 0.60
	episodicShare = 0.25
	beliefShare   = 0.15
)

// Config bounds working-memory size.
type Config struct {
	// MaxDialogueExchanges caps dialogue history to the most recent N
	// exchanges (2 lines each).
	MaxDialogueExchanges int `yaml:"max_dialogue_exchanges"`

	// MaxEpisodic and MaxBeliefs cap the already-ranked retrieval lists.
	MaxEpisodic int `yaml:"max_episodic"`
	MaxBeliefs  int `yaml:"max_beliefs"`

	// CharBudget is the total byte budget for the assembled view.
	// 0 disables the budget.
	CharBudget int `yaml:"char_budget"`

	// ItemOverhead is the fixed per-item formatting overhead (bullet,
	// newline) counted against the budget.
	ItemOverhead int `yaml:"item_overhead"`

	// FactsAlwaysIncluded exempts facts and world state from truncation.
	// When false they compete for budget like the optional categories.
	FactsAlwaysIncluded bool `yaml:"facts_always_included"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDialogueExchanges: 10,
		MaxEpisodic:          5,
		MaxBeliefs:           3,
		CharBudget:           8000,
		ItemOverhead:         4,
		FactsAlwaysIncluded:  true,
	}
}

// WorkingMemory is the bounded view handed to the prompt assembler.
// It lives for one inference attempt; call Release when the prompt has been
// assembled so long sessions don't accumulate buffers.
type WorkingMemory struct {
	NPCName      string
	SystemPrompt string
	PlayerInput  string

	Facts            []string
	WorldState       []string
	EpisodicMemories []string
	Beliefs          []string
	Dialogue         []memory.DialogueExchange

	Constraints memory.ConstraintSet

	// Truncated is set when content was dropped to satisfy the budget.
	Truncated bool

	overhead int
	released bool
}

// Assemble builds a WorkingMemory from a snapshot and its retrieved context.
func Assemble(snap *memory.Snapshot, retrieved *retrieval.RetrievedContext, cfg Config) (*WorkingMemory, error) {
	if snap == nil {
		return nil, fmt.Errorf("assemble: snapshot is nil")
	}
	if retrieved == nil {
		return nil, fmt.Errorf("assemble: retrieved context is nil")
	}
	if cfg.CharBudget < 0 {
		return nil, fmt.Errorf("assemble: char budget %d is negative", cfg.CharBudget)
	}

	timer := logging.StartTimer(logging.CategoryWorkingMem, "wmem.Assemble")
	defer timer.Stop()

	wm := &WorkingMemory{
		NPCName:      snap.NPCName,
		SystemPrompt: snap.SystemPrompt,
		PlayerInput:  snap.PlayerInput,
		Facts:        append([]string(nil), retrieved.Facts...),
		WorldState:   append([]string(nil), retrieved.WorldState...),
		Constraints:  snap.Constraints.Clone(),
		overhead:     cfg.ItemOverhead,
	}

	// Count caps on the already-ranked retrieval lists.
	wm.EpisodicMemories = capStrings(retrieved.EpisodicMemories, cfg.MaxEpisodic)
	wm.Beliefs = capStrings(retrieved.Beliefs, cfg.MaxBeliefs)

	// Most recent N exchanges.
	dialogue := snap.DialogueHistory
	if cfg.MaxDialogueExchanges > 0 && len(dialogue) > cfg.MaxDialogueExchanges {
		dialogue = dialogue[len(dialogue)-cfg.MaxDialogueExchanges:]
	}
	wm.Dialogue = append([]memory.DialogueExchange(nil), dialogue...)

	if cfg.CharBudget > 0 && wm.TotalChars() > cfg.CharBudget {
		wm.truncateToBudget(cfg)
	}

	logging.WorkingMemDebug("assembled wm: %d chars (budget %d, truncated=%v)",
		wm.TotalChars(), cfg.CharBudget, wm.Truncated)

	return wm, nil
}

// TotalChars returns the byte count of all content plus per-item overhead.
func (wm *WorkingMemory) TotalChars() int {
	total := wm.mandatoryChars(true)
	total += listChars(wm.EpisodicMemories, wm.overhead)
	total += listChars(wm.Beliefs, wm.overhead)
	total += wm.dialogueChars()
	return total
}

// mandatoryChars counts the content that truncation never touches. Facts
// and world state are included only when they are exempt (includeFacts).
func (wm *WorkingMemory) mandatoryChars(includeFacts bool) int {
	total := len(wm.SystemPrompt) + wm.overhead
	total += len(wm.PlayerInput) + wm.overhead
	for _, c := range wm.Constraints.Constraints {
		total += len(c.Description) + wm.overhead
	}
	if includeFacts {
		total += listChars(wm.Facts, wm.overhead)
		total += listChars(wm.WorldState, wm.overhead)
	}
	return total
}

func (wm *WorkingMemory) dialogueChars() int {
	total := 0
	for _, d := range wm.Dialogue {
		total += len(d.PlayerLine) + wm.overhead
		total += len(d.NPCLine) + wm.overhead
	}
	return total
}

// truncateToBudget drops optional content, oldest first, until the budget
// holds. Mandatory content is never touched; if it alone exceeds the
// budget, every optional category is dropped entirely.
func (wm *WorkingMemory) truncateToBudget(cfg Config) {
	wm.Truncated = true

	mandatory := wm.mandatoryChars(cfg.FactsAlwaysIncluded)
	remaining := cfg.CharBudget - mandatory

	if !cfg.FactsAlwaysIncluded {
		// Facts and world state compete for budget ahead of the split,
		// trimmed from the tail.
		wm.Facts, remaining = fillForward(wm.Facts, remaining, wm.overhead)
		wm.WorldState, remaining = fillForward(wm.WorldState, remaining, wm.overhead)
	}

	if remaining <= 0 {
		// Mandatory content alone exceeds the budget: drop everything
		// optional.
		wm.Dialogue = nil
		wm.EpisodicMemories = nil
		wm.Beliefs = nil
		return
	}

	dialogueBudget := int(float64(remaining) * dialogueShare)
	episodicBudget := int(float64(remaining) * episodicShare)
	beliefBudget := int(float64(remaining) * beliefShare)

	wm.Dialogue = fillDialogueRecent(wm.Dialogue, dialogueBudget, wm.overhead)
	wm.EpisodicMemories, _ = fillForward(wm.EpisodicMemories, episodicBudget, wm.overhead)
	wm.Beliefs, _ = fillForward(wm.Beliefs, beliefBudget, wm.overhead)
}

// fillDialogueRecent keeps the most recent exchanges that fit the budget,
// dropping older ones first.
func fillDialogueRecent(dialogue []memory.DialogueExchange, budget, overhead int) []memory.DialogueExchange {
	var kept []memory.DialogueExchange
	used := 0
	for i := len(dialogue) - 1; i >= 0; i-- {
		d := dialogue[i]
		cost := len(d.PlayerLine) + len(d.NPCLine) + 2*overhead
		if used+cost > budget {
			break
		}
		kept = append([]memory.DialogueExchange{d}, kept...)
		used += cost
	}
	return kept
}

// fillForward keeps ranked items front-to-back until the next would
// overflow. Returns the kept items and the unused budget.
func fillForward(items []string, budget, overhead int) ([]string, int) {
	var kept []string
	for _, item := range items {
		cost := len(item) + overhead
		if cost > budget {
			break
		}
		kept = append(kept, item)
		budget -= cost
	}
	return kept, budget
}

// Release clears the working memory's buffers. The view must not be used
// afterwards; this bounds peak memory when many attempts run over a long
// process lifetime.
func (wm *WorkingMemory) Release() {
	wm.Facts = nil
	wm.WorldState = nil
	wm.EpisodicMemories = nil
	wm.Beliefs = nil
	wm.Dialogue = nil
	wm.Constraints = memory.ConstraintSet{}
	wm.SystemPrompt = ""
	wm.PlayerInput = ""
	wm.released = true
}

// Released reports whether Release has been called.
func (wm *WorkingMemory) Released() bool {
	return wm.released
}

func capStrings(s []string, max int) []string {
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return append([]string(nil), s...)
}

func listChars(items []string, overhead int) int {
	total := 0
	for _, it := range items {
		total += len(it) + overhead
	}
	return total
}
