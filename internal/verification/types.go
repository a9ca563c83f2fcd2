// Package verification runs parsed output through the ordered validation
// gates: constraint compliance, canonical-fact contradiction, knowledge
// boundary, mutation legality, and user-defined rules. Gates collect every
// failure instead of short-circuiting, so retry feedback can name all of
// them at once.
package verification

import (
	"npcmind/internal/memory"
	"npcmind/internal/perception"
)

// FailureKind tags the reason a validation failed.
type FailureKind string

const (
	FailureProhibitionViolated    FailureKind = "prohibition_violated"
	FailureRequirementUnmet       FailureKind = "requirement_unmet"
	FailureCanonicalContradiction FailureKind = "canonical_contradiction"
	FailureKnowledgeBoundary      FailureKind = "knowledge_boundary"
	FailureIllegalMutation        FailureKind = "illegal_mutation"
	FailureMalformedOutput        FailureKind = "malformed_output"
	FailureCustomRule             FailureKind = "custom_rule"
)

// Severity separates failures worth retrying from those that are not.
type Severity int

const (
	// SeverityOrdinary failures are retryable with escalated constraints.
	SeverityOrdinary Severity = iota

	// SeverityCritical failures mean re-prompting the same way is unlikely
	// to fix the problem; the caller should fall back immediately.
	SeverityCritical
)

// String returns the string representation of Severity.
func (s Severity) String() string {
	switch s {
	case SeverityOrdinary:
		return "ordinary"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Failure is one validation failure.
type Failure struct {
	Kind        FailureKind
	Description string

	// ViolatingText is the output span that triggered the failure, when
	// one can be identified.
	ViolatingText string

	// RuleID names the constraint or custom rule involved, if any.
	RuleID string

	Severity Severity
}

// GateResult is the outcome of validating one parsed output.
type GateResult struct {
	Passed   bool
	Failures []Failure

	ApprovedMutations []perception.Mutation
	RejectedMutations []perception.Mutation
	ApprovedIntents   []perception.WorldIntent
	RejectedIntents   []perception.WorldIntent
}

// HasCriticalFailure reports whether any failure is critical.
func (r *GateResult) HasCriticalFailure() bool {
	for _, f := range r.Failures {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether the caller may re-attempt: failed, at least
// one failure, none of them critical.
func (r *GateResult) ShouldRetry() bool {
	return !r.Passed && len(r.Failures) > 0 && !r.HasCriticalFailure()
}

// Rule is a user-defined validation rule. Pattern rules match a regex (or
// substring fallback) against the dialogue; when Pattern is empty the
// Predicate escape hatch runs instead.
type Rule struct {
	ID          string
	Description string
	Severity    Severity

	// Pattern fails the rule when it matches the dialogue.
	Pattern string

	// Predicate returns ok=false to fail the rule; detail may carry the
	// violating text. Only consulted when Pattern is empty.
	Predicate func(dialogue string) (ok bool, detail string)
}

// Context carries everything the gates check against.
type Context struct {
	Facts              []memory.CanonicalFact
	ForbiddenKnowledge []string
	Constraints        memory.ConstraintSet
	Rules              []Rule

	// IsCanonical reports whether a mutation target id names canon.
	IsCanonical func(id string) bool
}
