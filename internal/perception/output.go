package perception

// MutationKind types a proposed memory mutation.
type MutationKind string

const (
	MutationAppendEpisodic        MutationKind = "append_episodic"
	MutationTransformBelief       MutationKind = "transform_belief"
	MutationTransformRelationship MutationKind = "transform_relationship"
	MutationEmitWorldIntent       MutationKind = "emit_world_intent"
)

// Mutation is a proposed change to persistent memory state. The pipeline
// only proposes; the caller applies approved mutations to the store.
type Mutation struct {
	Kind       MutationKind `json:"kind"`
	TargetID   string       `json:"target_id,omitempty"`
	Content    string       `json:"content"`
	Confidence float64      `json:"confidence"`

	// SourceSpan is the raw text the mutation was extracted from.
	SourceSpan string `json:"source_span,omitempty"`
}

// WorldIntent is a proposed game-world action.
type WorldIntent struct {
	Type       string            `json:"type"`
	Target     string            `json:"target,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Priority   int               `json:"priority"`
}

// FunctionCall is an engine-side function the NPC requested.
type FunctionCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// ParsedOutput is the structured result of parsing raw generated text.
// Immutable once built; use WithMutations/WithIntents for post-hoc
// filtering without losing provenance.
type ParsedOutput struct {
	Success bool

	// Dialogue is the cleaned in-character line.
	Dialogue string

	Mutations     []Mutation
	Intents       []WorldIntent
	FunctionCalls []FunctionCall

	Metadata map[string]string

	// RawText is the unprocessed generator output, retained for audit.
	RawText string

	// FailureReason describes why parsing failed when Success is false.
	FailureReason string
}

// WithMutations returns a copy with the mutation list replaced.
func (p *ParsedOutput) WithMutations(mutations []Mutation) *ParsedOutput {
	out := *p
	out.Mutations = append([]Mutation(nil), mutations...)
	return &out
}

// WithIntents returns a copy with the intent list replaced.
func (p *ParsedOutput) WithIntents(intents []WorldIntent) *ParsedOutput {
	out := *p
	out.Intents = append([]WorldIntent(nil), intents...)
	return &out
}

// failed builds a failure result carrying the raw text for audit.
func failed(raw, reason string) *ParsedOutput {
	return &ParsedOutput{
		Success:       false,
		RawText:       raw,
		FailureReason: reason,
	}
}
