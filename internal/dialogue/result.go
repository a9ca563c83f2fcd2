// Package dialogue drives the full inference loop for one NPC interaction:
// retrieve context, assemble working memory and prompt, call the generation
// client, parse and validate the output, and retry with escalated
// constraints until the attempt or time budget runs out.
package dialogue

import (
	"time"

	"npcmind/internal/perception"
	"npcmind/internal/verification"
)

// Outcome codes classify how a single attempt ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeInvalidFormat    Outcome = "invalid_format"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeCriticalFailure Outcome = "critical_failure"

	// OutcomeTransportError marks attempts where the generation call
	// itself failed; pipeline errors before generation surface as input
	// errors from Run instead.
	OutcomeTransportError Outcome = "transport_error"
)

// Attempt records the outcome of one generation attempt.
type Attempt struct {
	Number     int
	Success    bool
	Response   string
	Outcome    Outcome
	Violations []verification.Failure
	Elapsed    time.Duration
	Err        string
	Usage      perception.TokenUsage
}

// InferenceResult is the outcome of the final attempt.
type InferenceResult struct {
	Success  bool
	Dialogue string
	Outcome  Outcome

	ApprovedMutations []perception.Mutation
	ApprovedIntents   []perception.WorldIntent
}

// InferenceResultWithRetries aggregates every attempt of one interaction.
// Failed and transport-errored attempts stay in the history so callers can
// see what was tried; cancelled attempts are discarded, not recorded.
type InferenceResultWithRetries struct {
	InferenceResult

	Attempts []Attempt
	Elapsed  time.Duration
	Usage    perception.TokenUsage
}

// LastAttempt returns the most recent attempt, or nil when none ran.
func (r *InferenceResultWithRetries) LastAttempt() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

func (r *InferenceResultWithRetries) record(a Attempt) {
	r.Attempts = append(r.Attempts, a)
	r.Usage.Add(a.Usage)
}
