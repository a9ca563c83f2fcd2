// Package memory defines the data model the dialogue pipeline reads:
// canonical facts, world state, episodic memories, beliefs, and the
// point-in-time Snapshot fed to a single inference attempt.
package memory

// CanonicalFact is an immutable world-truth statement. Mutation attempts
// against canonical ids are always rejected downstream.
type CanonicalFact struct {
	ID      string `json:"id" yaml:"id"`
	Content string `json:"content" yaml:"content"`
	Domain  string `json:"domain,omitempty" yaml:"domain,omitempty"`

	// ContradictionKeywords are author-specified phrases whose presence in
	// generated output counts as contradicting this fact.
	ContradictionKeywords []string `json:"contradiction_keywords,omitempty" yaml:"contradiction_keywords,omitempty"`
}

// WorldStateEntry is a keyed piece of current world state.
type WorldStateEntry struct {
	Key     string `json:"key" yaml:"key"`
	Content string `json:"content" yaml:"content"`
}

// EpisodicMemory is a timestamped recollection with a decay-relevant
// creation time and a significance weight.
type EpisodicMemory struct {
	ID      string `json:"id" yaml:"id"`
	Content string `json:"content" yaml:"content"`

	// CreatedAt is a logical clock value, not wall-clock time. All recency
	// math is computed against the snapshot's logical time so replays are
	// reproducible.
	CreatedAt int64 `json:"created_at" yaml:"created_at"`

	// Significance weights the memory in scoring (0.0-1.0).
	Significance float64 `json:"significance" yaml:"significance"`

	// Sequence is a monotonic insertion counter, the final sort tiebreaker.
	Sequence int64 `json:"sequence" yaml:"sequence"`

	// Strength decays as the memory fades; retrieval filters below a
	// configured threshold.
	Strength float64 `json:"strength" yaml:"strength"`
}

// Belief is a confidence-weighted NPC opinion, possibly marked contradicted.
type Belief struct {
	ID           string  `json:"id" yaml:"id"`
	Content      string  `json:"content" yaml:"content"`
	Confidence   float64 `json:"confidence" yaml:"confidence"`
	Contradicted bool    `json:"contradicted" yaml:"contradicted"`
	Sequence     int64   `json:"sequence" yaml:"sequence"`
}

// DialogueExchange is one player line and the NPC's reply.
type DialogueExchange struct {
	PlayerLine string `json:"player_line" yaml:"player_line"`
	NPCLine    string `json:"npc_line" yaml:"npc_line"`
}

// ConstraintKind distinguishes prohibitions from requirements.
type ConstraintKind string

const (
	ConstraintProhibition ConstraintKind = "prohibition"
	ConstraintRequirement ConstraintKind = "requirement"
)

// Constraint is a single authored or escalated generation constraint.
type Constraint struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        ConstraintKind `json:"kind" yaml:"kind"`
	Description string         `json:"description" yaml:"description"`

	// Patterns are explicit keywords/regex fragments checked against output.
	// A prohibition with patterns fails when any pattern matches; a
	// requirement with patterns passes when at least one matches. A
	// requirement with no patterns is unverifiable and always passes.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// ConstraintSet groups the constraints active for one attempt.
type ConstraintSet struct {
	Constraints []Constraint `json:"constraints" yaml:"constraints"`

	// ForbiddenKnowledge lists terms the NPC must not reveal.
	ForbiddenKnowledge []string `json:"forbidden_knowledge,omitempty" yaml:"forbidden_knowledge,omitempty"`
}

// Prohibitions returns only the prohibition constraints.
func (cs ConstraintSet) Prohibitions() []Constraint {
	var out []Constraint
	for _, c := range cs.Constraints {
		if c.Kind == ConstraintProhibition {
			out = append(out, c)
		}
	}
	return out
}

// Requirements returns only the requirement constraints.
func (cs ConstraintSet) Requirements() []Constraint {
	var out []Constraint
	for _, c := range cs.Constraints {
		if c.Kind == ConstraintRequirement {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy so escalation never mutates the caller's set.
func (cs ConstraintSet) Clone() ConstraintSet {
	out := ConstraintSet{
		Constraints:        make([]Constraint, len(cs.Constraints)),
		ForbiddenKnowledge: append([]string(nil), cs.ForbiddenKnowledge...),
	}
	for i, c := range cs.Constraints {
		cc := c
		cc.Patterns = append([]string(nil), c.Patterns...)
		out.Constraints[i] = cc
	}
	return out
}

// Snapshot is the immutable, point-in-time bundle fed to one inference
// attempt. It is owned by the caller; the pipeline never mutates it.
type Snapshot struct {
	NPCName     string
	PlayerInput string

	// Time is the logical snapshot clock used for all recency math.
	Time int64

	// Topics optionally narrows fact/world-state retrieval.
	Topics []string

	CanonicalFacts   []CanonicalFact
	WorldState       []WorldStateEntry
	EpisodicMemories []EpisodicMemory
	Beliefs          []Belief
	DialogueHistory  []DialogueExchange

	Constraints  ConstraintSet
	SystemPrompt string

	// Attempt is the zero-based attempt number this snapshot is for.
	Attempt int
}
