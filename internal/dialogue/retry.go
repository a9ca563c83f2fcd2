package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"npcmind/internal/memory"
	"npcmind/internal/verification"
)

// ====== RETRY POLICY ======

// EscalationMode selects how constraints tighten between attempts.
type EscalationMode string

const (
	// EscalateNone re-attempts with the original constraint set.
	EscalateNone EscalationMode = "none"

	// EscalateAddProhibition adds a prohibition quoting the violating text.
	EscalateAddProhibition EscalationMode = "add_prohibition"

	// EscalateHardenRequirements re-states unmet requirements as MUST.
	EscalateHardenRequirements EscalationMode = "harden_requirements"

	// EscalateBoth applies both strategies.
	EscalateBoth EscalationMode = "both"
)

// RetryConfig bounds and shapes the retry loop.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first; total
	// attempts = MaxRetries + 1.
	MaxRetries int

	// TimeBudget caps total wall-clock time across all attempts.
	// Zero means unbounded.
	TimeBudget time.Duration

	Escalation EscalationMode

	// IncludeRejectedResponse embeds the previous rejected response in
	// the feedback text, truncated to RejectedResponseChars.
	IncludeRejectedResponse bool
	RejectedResponseChars   int
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:              2,
		TimeBudget:              30 * time.Second,
		Escalation:              EscalateAddProhibition,
		IncludeRejectedResponse: true,
		RejectedResponseChars:   200,
	}
}

// RetryPolicy escalates constraints and builds feedback text between
// attempts.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy creates a retry policy.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg}
}

// Escalate returns a constraint set tightened according to the failures of
// the given attempt. The input set is not modified. Generated constraint
// ids carry the attempt number as a suffix so constraints from different
// attempts never collide.
func (p *RetryPolicy) Escalate(base memory.ConstraintSet, failures []verification.Failure, attempt int) memory.ConstraintSet {
	next := base.Clone()
	if p.cfg.Escalation == EscalateNone {
		return next
	}

	addProhibitions := p.cfg.Escalation == EscalateAddProhibition || p.cfg.Escalation == EscalateBoth
	harden := p.cfg.Escalation == EscalateHardenRequirements || p.cfg.Escalation == EscalateBoth

	if addProhibitions {
		for _, f := range failures {
			if f.Kind != verification.FailureProhibitionViolated &&
				f.Kind != verification.FailureKnowledgeBoundary {
				continue
			}
			desc := "Do not repeat the previous violation."
			var patterns []string
			if f.ViolatingText != "" {
				desc = fmt.Sprintf("Do not say %q.", f.ViolatingText)
				patterns = []string{f.ViolatingText}
			}
			next.Constraints = append(next.Constraints, memory.Constraint{
				ID:          escalatedID(attempt),
				Kind:        memory.ConstraintProhibition,
				Description: desc,
				Patterns:    patterns,
			})
		}
	}

	if harden {
		for _, f := range failures {
			if f.Kind != verification.FailureRequirementUnmet {
				continue
			}
			for i, c := range next.Constraints {
				if c.ID == f.RuleID && c.Kind == memory.ConstraintRequirement {
					if !strings.HasPrefix(c.Description, "MUST") {
						next.Constraints[i].Description = "MUST " + c.Description
					}
					break
				}
			}
		}
	}
	return next
}

// Feedback renders the violations of an attempt into feedback text for the
// next prompt. Returns "" when there is nothing to say.
func (p *RetryPolicy) Feedback(failures []verification.Failure, attempt int, rejected string) string {
	if len(failures) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous reply (attempt %d) was rejected:\n", attempt+1)
	for _, f := range failures {
		fmt.Fprintf(&b, "- %s\n", f.Description)
	}
	if p.cfg.IncludeRejectedResponse && rejected != "" {
		r := rejected
		if p.cfg.RejectedResponseChars > 0 && len(r) > p.cfg.RejectedResponseChars {
			r = r[:p.cfg.RejectedResponseChars] + "..."
		}
		fmt.Fprintf(&b, "Rejected reply: %q\n", r)
	}
	b.WriteString("Write a new reply that satisfies all of the rules above.")
	return b.String()
}

func escalatedID(attempt int) string {
	return fmt.Sprintf("escalated-%s-%d", uuid.NewString()[:8], attempt)
}
