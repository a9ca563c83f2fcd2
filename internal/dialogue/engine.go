package dialogue

import (
	"context"
	"fmt"
	"time"

	"npcmind/internal/logging"
	"npcmind/internal/memory"
	"npcmind/internal/perception"
	"npcmind/internal/prompt"
	"npcmind/internal/retrieval"
	"npcmind/internal/verification"
	"npcmind/internal/wmem"
)

// ====== ENGINE ======

// EngineConfig aggregates the per-stage configurations of one pipeline.
type EngineConfig struct {
	Retrieval retrieval.Config
	Memory    wmem.Config
	Prompt    prompt.Config
	Parser    perception.Config
	Retry     RetryConfig

	Boundary prompt.BoundaryPolicy

	// StructuredOutput parses responses as JSON payloads first, falling
	// back to heuristic parsing.
	StructuredOutput bool
}

// DefaultEngineConfig returns the default pipeline configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retrieval: retrieval.DefaultConfig(),
		Memory:    wmem.DefaultConfig(),
		Prompt:    prompt.DefaultConfig(),
		Parser:    perception.DefaultConfig(),
		Retry:     DefaultRetryConfig(),
		Boundary:  prompt.DefaultBoundaryPolicy,
	}
}

// Engine runs the retrieve → assemble → generate → parse → validate loop
// for one NPC interaction at a time. An Engine is safe for concurrent use
// across sessions; each Run call carries its own snapshot and state.
type Engine struct {
	cfg       EngineConfig
	retriever *retrieval.Retriever
	assembler *prompt.Assembler
	parser    *perception.Parser
	gate      *verification.Gate
	policy    *RetryPolicy
	stability *prompt.StabilityValidator
	client    perception.GenerationClient

	// Rules are optional user-defined validation rules applied every
	// attempt in addition to the snapshot's constraint set.
	Rules []verification.Rule
}

// NewEngine wires a pipeline around a generation client.
func NewEngine(client perception.GenerationClient, cfg EngineConfig) *Engine {
	return &Engine{
		cfg:       cfg,
		retriever: retrieval.NewRetriever(cfg.Retrieval),
		assembler: prompt.NewAssembler(cfg.Prompt),
		parser:    perception.NewParser(cfg.Parser),
		gate:      verification.NewGate(),
		policy:    NewRetryPolicy(cfg.Retry),
		stability: prompt.NewStabilityValidator(false),
		client:    client,
	}
}

// Run executes the full inference loop for one snapshot. It returns an
// error only for input errors and cancellation; generation and validation
// failures are recorded in the result's attempt history instead.
func (e *Engine) Run(ctx context.Context, snap *memory.Snapshot) (*InferenceResultWithRetries, error) {
	if snap == nil {
		return nil, fmt.Errorf("run: snapshot is nil")
	}
	if e.client == nil {
		return nil, fmt.Errorf("run: generation client is nil")
	}

	start := time.Now()
	result := &InferenceResultWithRetries{}
	constraints := snap.Constraints.Clone()
	feedback := ""

	maxAttempts := e.cfg.Retry.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			// Cancelled attempts are discarded, not recorded.
			result.Elapsed = time.Since(start)
			return result, err
		}
		if attempt > 0 && e.cfg.Retry.TimeBudget > 0 && time.Since(start) >= e.cfg.Retry.TimeBudget {
			logging.Dialogue("time budget exhausted after %d attempt(s)", attempt)
			break
		}

		a, gate, parsed, err := e.runAttempt(ctx, snap, constraints, feedback, attempt)
		if err != nil {
			// Pipeline-stage failures before generation are input errors,
			// not attempts; nothing was sent to the engine.
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if ctx.Err() != nil {
			result.Elapsed = time.Since(start)
			return result, ctx.Err()
		}
		result.record(a)

		if a.Success {
			result.Success = true
			result.Dialogue = parsed.Dialogue
			result.Outcome = OutcomeSuccess
			result.ApprovedMutations = gate.ApprovedMutations
			result.ApprovedIntents = gate.ApprovedIntents
			result.Elapsed = time.Since(start)
			return result, nil
		}
		if a.Outcome == OutcomeCriticalFailure {
			break
		}

		constraints = e.policy.Escalate(constraints, a.Violations, attempt)
		feedback = e.policy.Feedback(a.Violations, attempt, a.Response)
	}

	result.Elapsed = time.Since(start)
	if last := result.LastAttempt(); last != nil {
		result.Outcome = last.Outcome
	}
	logging.Dialogue("interaction failed after %d attempt(s): %s",
		len(result.Attempts), result.Outcome)
	return result, nil
}

func (e *Engine) runAttempt(ctx context.Context, snap *memory.Snapshot, constraints memory.ConstraintSet, feedback string, attempt int) (Attempt, *verification.GateResult, *perception.ParsedOutput, error) {
	attemptStart := time.Now()
	a := Attempt{Number: attempt}

	// Shallow copy so the attempt sees the escalated constraint set
	// without mutating the caller's snapshot.
	s := *snap
	s.Constraints = constraints
	s.Attempt = attempt

	retrieved, err := e.retriever.Retrieve(snapshotStore{&s}, s.PlayerInput, s.Topics, s.Time)
	if err != nil {
		return a, nil, nil, err
	}

	wm, err := wmem.Assemble(&s, retrieved, e.cfg.Memory)
	if err != nil {
		return a, nil, nil, err
	}

	ap, err := e.assembler.Assemble(wm, feedback)
	wm.Release()
	if err != nil {
		return a, nil, nil, err
	}

	req := &perception.GenerationRequest{Prompt: ap.Text}
	if cached, err := prompt.SplitForCache(ap, e.cfg.Boundary); err == nil {
		req.Static = cached.Static
		req.Dynamic = cached.Dynamic
		req.ReuseCache = true
		if v, _ := e.stability.Check(s.NPCName, cached.Static, e.cfg.Boundary); v != nil {
			logging.DialogueDebug("prefix drift for %q: %s", s.NPCName, v.Error())
		}
	}

	resp, err := e.client.Generate(ctx, req)
	if err != nil {
		a.Outcome = OutcomeTransportError
		a.Err = err.Error()
		a.Elapsed = time.Since(attemptStart)
		return a, nil, nil, nil
	}
	a.Usage = resp.Usage

	var parsed *perception.ParsedOutput
	if e.cfg.StructuredOutput {
		parsed = e.parser.ParseStructured(resp.Text, resp.Truncated)
	} else {
		parsed = e.parser.Parse(resp.Text, resp.Truncated)
	}
	a.Response = parsed.Dialogue
	if a.Response == "" {
		a.Response = resp.Text
	}

	gate := e.gate.Validate(parsed, &verification.Context{
		Facts:       s.CanonicalFacts,
		Constraints: constraints,
		Rules:       e.Rules,
		IsCanonical: canonicalLookup(s.CanonicalFacts),
	})

	a.Violations = gate.Failures
	a.Elapsed = time.Since(attemptStart)
	switch {
	case gate.Passed:
		a.Success = true
		a.Outcome = OutcomeSuccess
	case !parsed.Success:
		a.Outcome = OutcomeInvalidFormat
	case gate.HasCriticalFailure():
		a.Outcome = OutcomeCriticalFailure
	default:
		a.Outcome = OutcomeValidationFailed
	}
	return a, gate, parsed, nil
}

func canonicalLookup(facts []memory.CanonicalFact) func(string) bool {
	ids := make(map[string]struct{}, len(facts))
	for _, f := range facts {
		ids[f.ID] = struct{}{}
	}
	return func(id string) bool {
		_, ok := ids[id]
		return ok
	}
}

// snapshotStore exposes a snapshot's raw lists through the store interface
// so retrieval can run straight off the caller's snapshot.
type snapshotStore struct {
	snap *memory.Snapshot
}

func (s snapshotStore) CanonicalFacts() []memory.CanonicalFact {
	return s.snap.CanonicalFacts
}

func (s snapshotStore) WorldState() []memory.WorldStateEntry {
	return s.snap.WorldState
}

func (s snapshotStore) EpisodicMemories() []memory.EpisodicMemory {
	return s.snap.EpisodicMemories
}

func (s snapshotStore) Beliefs() []memory.Belief {
	return s.snap.Beliefs
}

func (s snapshotStore) IsCanonical(id string) bool {
	for _, f := range s.snap.CanonicalFacts {
		if f.ID == id {
			return true
		}
	}
	return false
}
