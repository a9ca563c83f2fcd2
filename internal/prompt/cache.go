package prompt

import (
	"fmt"

	"npcmind/internal/logging"
)

// BoundaryPolicy selects the section edge at which the prompt splits into a
// static (cacheable) prefix and a dynamic suffix.
type BoundaryPolicy string

const (
	BoundaryAfterSystemPrompt   BoundaryPolicy = "after_system_prompt"
	BoundaryAfterCanonicalFacts BoundaryPolicy = "after_canonical_facts"
	BoundaryAfterWorldState     BoundaryPolicy = "after_world_state"
	BoundaryAfterConstraints    BoundaryPolicy = "after_constraints"
)

// DefaultBoundaryPolicy is the boundary used when none is configured.
const DefaultBoundaryPolicy = BoundaryAfterCanonicalFacts

// Valid reports whether p names a known boundary policy.
func (p BoundaryPolicy) Valid() bool {
	switch p {
	case BoundaryAfterSystemPrompt, BoundaryAfterCanonicalFacts,
		BoundaryAfterWorldState, BoundaryAfterConstraints:
		return true
	}
	return false
}

// CachedPrompt is a prompt split for generation-cache reuse.
//
// Invariant: Static + Dynamic == the full assembled prompt, and across
// calls sharing the same boundary policy and unchanged upstream content
// the Static part is byte-identical. A violation of that invariant is a
// correctness bug, not a performance regression.
type CachedPrompt struct {
	Static  string
	Dynamic string

	StaticChars  int
	DynamicChars int

	StaticTokens  int
	DynamicTokens int

	Boundary BoundaryPolicy

	// Source is the assembled prompt this split was derived from.
	Source *AssembledPrompt
}

// SplitForCache splits an assembled prompt at the configured boundary.
func SplitForCache(ap *AssembledPrompt, policy BoundaryPolicy) (*CachedPrompt, error) {
	if ap == nil {
		return nil, fmt.Errorf("split: assembled prompt is nil")
	}
	if policy == "" {
		policy = DefaultBoundaryPolicy
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("split: unknown boundary policy %q", policy)
	}

	offset, ok := ap.boundaryOffsets[policy]
	if !ok {
		return nil, fmt.Errorf("split: prompt has no boundary offset for %q", policy)
	}
	if offset < 0 || offset > len(ap.Text) {
		return nil, fmt.Errorf("split: boundary offset %d out of range [0,%d]", offset, len(ap.Text))
	}

	cp := &CachedPrompt{
		Static:        ap.Text[:offset],
		Dynamic:       ap.Text[offset:],
		StaticChars:   offset,
		DynamicChars:  len(ap.Text) - offset,
		StaticTokens:  EstimateTokens(ap.Text[:offset]),
		DynamicTokens: EstimateTokens(ap.Text[offset:]),
		Boundary:      policy,
		Source:        ap,
	}

	logging.PromptDebug("cache split at %s: static=%d dynamic=%d chars",
		policy, cp.StaticChars, cp.DynamicChars)

	return cp, nil
}
