// Package prompt renders a working memory into final prompt text, tracks a
// per-section size breakdown, and can split the result into a byte-stable
// static prefix plus a dynamic suffix for generation-cache reuse.
package prompt

import (
	"fmt"
	"strings"

	"npcmind/internal/logging"
	"npcmind/internal/wmem"
)

// Section identifies a tracked prompt section.
type Section string

const (
	SectionSystemPrompt  Section = "system_prompt"
	SectionContext       Section = "context"
	SectionConstraints   Section = "constraints"
	SectionRetryFeedback Section = "retry_feedback"
	SectionDialogue      Section = "dialogue"
	SectionPlayerInput   Section = "player_input"
	SectionFormatting    Section = "formatting"
)

// SectionSizes is the per-section character breakdown of an assembled
// prompt. Formatting holds headers, separators, and the response cue.
type SectionSizes struct {
	SystemPrompt  int
	Context       int
	Constraints   int
	RetryFeedback int
	Dialogue      int
	PlayerInput   int
	Formatting    int
}

// Total sums all sections.
func (s SectionSizes) Total() int {
	return s.SystemPrompt + s.Context + s.Constraints + s.RetryFeedback +
		s.Dialogue + s.PlayerInput + s.Formatting
}

// AssembledPrompt is the rendered prompt for one attempt.
type AssembledPrompt struct {
	Text       string
	CharCount  int
	TokenCount int

	// Truncated is set when the render exceeds the configured budget.
	// Actual truncation happens in working-memory assembly; this is a
	// final safety check, not a second truncation pass.
	Truncated bool

	Sections SectionSizes

	// Memory is the working memory this prompt was built from.
	Memory *wmem.WorkingMemory

	// Byte offsets of section edges in Text, used by the cache split.
	boundaryOffsets map[BoundaryPolicy]int
}

// Config holds assembler settings.
type Config struct {
	// CharBudget flags the result truncated when the render exceeds it.
	// 0 disables the check.
	CharBudget int `yaml:"char_budget"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{CharBudget: 12000}
}

// Assembler renders working memories into prompt text.
// Sections are concatenated in a fixed order so that every cache boundary
// is preceded only by content that is stable under that boundary's policy:
// system prompt, canonical facts, world state, then constraints; episodic
// memories and beliefs follow the constraint block.
type Assembler struct {
	cfg Config
}

// NewAssembler creates an assembler.
func NewAssembler(cfg Config) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble renders the working memory plus optional retry feedback into an
// AssembledPrompt. The render is deterministic: identical working memory
// and feedback always produce byte-identical text.
func (a *Assembler) Assemble(wm *wmem.WorkingMemory, retryFeedback string) (*AssembledPrompt, error) {
	if wm == nil {
		return nil, fmt.Errorf("assemble: working memory is nil")
	}
	if wm.Released() {
		return nil, fmt.Errorf("assemble: working memory already released")
	}

	timer := logging.StartTimer(logging.CategoryPrompt, "Assembler.Assemble")
	defer timer.Stop()

	b := newSectionBuilder()

	// System prompt.
	b.write(SectionSystemPrompt, wm.SystemPrompt)
	b.write(SectionFormatting, "\n\n")
	b.mark(BoundaryAfterSystemPrompt)

	// Context: canonical facts and world state first - they are the
	// cache-stable part of the context.
	if len(wm.Facts) > 0 {
		b.write(SectionFormatting, "## What you know to be true\n")
		for _, f := range wm.Facts {
			b.write(SectionContext, "- "+f)
			b.write(SectionFormatting, "\n")
		}
		b.write(SectionFormatting, "\n")
	}
	b.mark(BoundaryAfterCanonicalFacts)

	if len(wm.WorldState) > 0 {
		b.write(SectionFormatting, "## The world right now\n")
		for _, w := range wm.WorldState {
			b.write(SectionContext, "- "+w)
			b.write(SectionFormatting, "\n")
		}
		b.write(SectionFormatting, "\n")
	}
	b.mark(BoundaryAfterWorldState)

	// Constraint injection.
	a.writeConstraints(b, wm)
	b.mark(BoundaryAfterConstraints)

	// Dynamic context: episodic memories and beliefs.
	if len(wm.EpisodicMemories) > 0 {
		b.write(SectionFormatting, "## What you remember\n")
		for _, m := range wm.EpisodicMemories {
			b.write(SectionContext, "- "+m)
			b.write(SectionFormatting, "\n")
		}
		b.write(SectionFormatting, "\n")
	}
	if len(wm.Beliefs) > 0 {
		b.write(SectionFormatting, "## What you believe\n")
		for _, bl := range wm.Beliefs {
			b.write(SectionContext, "- "+bl)
			b.write(SectionFormatting, "\n")
		}
		b.write(SectionFormatting, "\n")
	}

	// Retry feedback from the previous failed attempt.
	if retryFeedback != "" {
		b.write(SectionRetryFeedback, retryFeedback)
		b.write(SectionFormatting, "\n\n")
	}

	// Dialogue history.
	if len(wm.Dialogue) > 0 {
		b.write(SectionFormatting, "## Conversation so far\n")
		for _, d := range wm.Dialogue {
			b.write(SectionDialogue, "Player: "+d.PlayerLine)
			b.write(SectionFormatting, "\n")
			b.write(SectionDialogue, wm.NPCName+": "+d.NPCLine)
			b.write(SectionFormatting, "\n")
		}
		b.write(SectionFormatting, "\n")
	}

	// Player input and response cue.
	b.write(SectionPlayerInput, "Player: "+wm.PlayerInput)
	b.write(SectionFormatting, "\n"+wm.NPCName+":")

	text := b.String()
	ap := &AssembledPrompt{
		Text:            text,
		CharCount:       len(text),
		TokenCount:      EstimateTokens(text),
		Sections:        b.sizes,
		Memory:          wm,
		boundaryOffsets: b.marks,
	}

	if a.cfg.CharBudget > 0 && ap.CharCount > a.cfg.CharBudget {
		ap.Truncated = true
		logging.PromptWarn("assembled prompt exceeds budget: %d > %d chars",
			ap.CharCount, a.cfg.CharBudget)
	}

	logging.PromptDebug("assembled prompt: %d chars, ~%d tokens", ap.CharCount, ap.TokenCount)

	return ap, nil
}

// writeConstraints renders the prohibition/requirement block.
func (a *Assembler) writeConstraints(b *sectionBuilder, wm *wmem.WorkingMemory) {
	prohibitions := wm.Constraints.Prohibitions()
	requirements := wm.Constraints.Requirements()
	if len(prohibitions) == 0 && len(requirements) == 0 {
		return
	}

	b.write(SectionFormatting, "## Rules for your reply\n")
	for _, c := range prohibitions {
		b.write(SectionConstraints, "- You must not: "+c.Description)
		b.write(SectionFormatting, "\n")
	}
	for _, c := range requirements {
		b.write(SectionConstraints, "- You must: "+c.Description)
		b.write(SectionFormatting, "\n")
	}
	b.write(SectionFormatting, "\n")
}

// sectionBuilder accumulates prompt text while tracking per-section sizes
// and boundary offsets.
type sectionBuilder struct {
	sb    strings.Builder
	sizes SectionSizes
	marks map[BoundaryPolicy]int
}

func newSectionBuilder() *sectionBuilder {
	return &sectionBuilder{marks: make(map[BoundaryPolicy]int)}
}

func (b *sectionBuilder) write(section Section, s string) {
	b.sb.WriteString(s)
	switch section {
	case SectionSystemPrompt:
		b.sizes.SystemPrompt += len(s)
	case SectionContext:
		b.sizes.Context += len(s)
	case SectionConstraints:
		b.sizes.Constraints += len(s)
	case SectionRetryFeedback:
		b.sizes.RetryFeedback += len(s)
	case SectionDialogue:
		b.sizes.Dialogue += len(s)
	case SectionPlayerInput:
		b.sizes.PlayerInput += len(s)
	default:
		b.sizes.Formatting += len(s)
	}
}

func (b *sectionBuilder) mark(policy BoundaryPolicy) {
	b.marks[policy] = b.sb.Len()
}

func (b *sectionBuilder) String() string {
	return b.sb.String()
}
