package verification

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"npcmind/internal/logging"
	"npcmind/internal/perception"
)

// ====== VALIDATION GATE ======

// Gate validates parsed outputs against a Context. Safe for concurrent use;
// compiled patterns are cached across calls.
type Gate struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewGate creates a validation gate.
func NewGate() *Gate {
	return &Gate{patterns: make(map[string]*regexp.Regexp)}
}

// Validate runs every gate in order and collects all failures. A failed
// parse short-circuits to a single malformed-output failure; nothing else
// is checked because there is no dialogue to check.
func (g *Gate) Validate(parsed *perception.ParsedOutput, vctx *Context) *GateResult {
	result := &GateResult{}
	if parsed == nil || !parsed.Success {
		reason := "output could not be parsed"
		if parsed != nil && parsed.FailureReason != "" {
			reason = parsed.FailureReason
		}
		result.Failures = append(result.Failures, Failure{
			Kind:        FailureMalformedOutput,
			Description: reason,
			Severity:    SeverityOrdinary,
		})
		return result
	}
	if vctx == nil {
		vctx = &Context{}
	}

	dialogue := parsed.Dialogue
	lower := strings.ToLower(dialogue)

	g.checkConstraints(dialogue, lower, vctx, result)
	g.checkCanon(lower, vctx, result)
	g.checkKnowledgeBoundary(lower, vctx, result)
	g.checkMutations(parsed, vctx, result)
	g.checkRules(dialogue, vctx, result)

	result.Passed = len(result.Failures) == 0
	if result.Passed {
		result.ApprovedIntents = append(result.ApprovedIntents, parsed.Intents...)
	} else {
		result.RejectedIntents = append(result.RejectedIntents, parsed.Intents...)
		logging.VerificationDebug("gate failed: %d failure(s), first: %s",
			len(result.Failures), result.Failures[0].Description)
	}
	return result
}

// ====== CONSTRAINT GATE ======

func (g *Gate) checkConstraints(dialogue, lower string, vctx *Context, result *GateResult) {
	for _, c := range vctx.Constraints.Prohibitions() {
		patterns := c.Patterns
		if len(patterns) == 0 {
			patterns = extractPatterns(c.Description)
		}
		for _, pat := range patterns {
			if span := g.match(pat, dialogue, lower); span != "" {
				result.Failures = append(result.Failures, Failure{
					Kind:          FailureProhibitionViolated,
					Description:   fmt.Sprintf("prohibition violated: %s", c.Description),
					ViolatingText: span,
					RuleID:        c.ID,
					Severity:      SeverityOrdinary,
				})
				break
			}
		}
	}

	for _, c := range vctx.Constraints.Requirements() {
		// A requirement without patterns cannot be checked mechanically.
		if len(c.Patterns) == 0 {
			continue
		}
		met := false
		for _, pat := range c.Patterns {
			if g.match(pat, dialogue, lower) != "" {
				met = true
				break
			}
		}
		if !met {
			result.Failures = append(result.Failures, Failure{
				Kind:        FailureRequirementUnmet,
				Description: fmt.Sprintf("requirement unmet: %s", c.Description),
				RuleID:      c.ID,
				Severity:    SeverityOrdinary,
			})
		}
	}
}

// ====== CANONICAL FACT GATE ======

func (g *Gate) checkCanon(lower string, vctx *Context, result *GateResult) {
	for _, fact := range vctx.Facts {
		span := findContradiction(lower, fact.Content)
		if span == "" {
			for _, kw := range fact.ContradictionKeywords {
				if kw == "" {
					continue
				}
				if span = foldSpan(lower, kw); span != "" {
					break
				}
			}
		}
		if span != "" {
			result.Failures = append(result.Failures, Failure{
				Kind:          FailureCanonicalContradiction,
				Description:   fmt.Sprintf("contradicts established fact %q", fact.Content),
				ViolatingText: span,
				RuleID:        fact.ID,
				Severity:      SeverityCritical,
			})
		}
	}
}

// findContradiction looks for explicit negations of a fact in the output:
// direct negation prefixes ("not X", "never X") and inline negated rewrites
// of copular facts ("X is Y" contradicted by "X is not Y" / "X isn't Y").
func findContradiction(lower, fact string) string {
	f := strings.ToLower(strings.TrimRight(strings.TrimSpace(fact), ".!?"))
	if f == "" {
		return ""
	}

	candidates := []string{
		"not " + f,
		"never " + f,
		"isn't " + f,
		"is not " + f,
	}
	candidates = append(candidates, negatedRewrites(f)...)

	for _, cand := range candidates {
		if strings.Contains(lower, cand) {
			return cand
		}
	}
	return ""
}

var copulas = []string{" is ", " are ", " was ", " were ", " has ", " have "}

// negatedRewrites produces the negated forms of a copular sentence.
func negatedRewrites(fact string) []string {
	for _, cop := range copulas {
		idx := strings.Index(fact, cop)
		if idx < 0 {
			continue
		}
		subject := fact[:idx]
		rest := fact[idx+len(cop):]
		verb := strings.TrimSpace(cop)
		out := []string{
			subject + " " + verb + " not " + rest,
			subject + " " + verb + " never " + rest,
		}
		switch verb {
		case "is":
			out = append(out, subject+" isn't "+rest)
		case "are":
			out = append(out, subject+" aren't "+rest)
		case "was":
			out = append(out, subject+" wasn't "+rest)
		case "were":
			out = append(out, subject+" weren't "+rest)
		case "has":
			out = append(out, subject+" hasn't "+rest, subject+" has no "+rest)
		case "have":
			out = append(out, subject+" haven't "+rest, subject+" have no "+rest)
		}
		return out
	}
	return nil
}

// ====== KNOWLEDGE BOUNDARY GATE ======

func (g *Gate) checkKnowledgeBoundary(lower string, vctx *Context, result *GateResult) {
	terms := vctx.ForbiddenKnowledge
	if len(terms) == 0 {
		terms = vctx.Constraints.ForbiddenKnowledge
	}
	for _, term := range terms {
		if term == "" {
			continue
		}
		if span := foldSpan(lower, term); span != "" {
			result.Failures = append(result.Failures, Failure{
				Kind:          FailureKnowledgeBoundary,
				Description:   fmt.Sprintf("output reveals knowledge the speaker does not have: %q", term),
				ViolatingText: span,
				Severity:      SeverityOrdinary,
			})
		}
	}
}

// ====== MUTATION GATE ======

func (g *Gate) checkMutations(parsed *perception.ParsedOutput, vctx *Context, result *GateResult) {
	for _, m := range parsed.Mutations {
		if vctx.IsCanonical != nil && m.TargetID != "" && vctx.IsCanonical(m.TargetID) {
			result.RejectedMutations = append(result.RejectedMutations, m)
			result.Failures = append(result.Failures, Failure{
				Kind:          FailureIllegalMutation,
				Description:   fmt.Sprintf("mutation targets established fact %q", m.TargetID),
				ViolatingText: m.SourceSpan,
				RuleID:        m.TargetID,
				Severity:      SeverityCritical,
			})
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			result.RejectedMutations = append(result.RejectedMutations, m)
			result.Failures = append(result.Failures, Failure{
				Kind:        FailureIllegalMutation,
				Description: fmt.Sprintf("mutation %s has empty content", m.Kind),
				Severity:    SeverityOrdinary,
			})
			continue
		}
		result.ApprovedMutations = append(result.ApprovedMutations, m)
	}
}

// ====== CUSTOM RULES ======

func (g *Gate) checkRules(dialogue string, vctx *Context, result *GateResult) {
	lower := strings.ToLower(dialogue)
	for _, rule := range vctx.Rules {
		if rule.Pattern != "" {
			if span := g.match(rule.Pattern, dialogue, lower); span != "" {
				result.Failures = append(result.Failures, Failure{
					Kind:          FailureCustomRule,
					Description:   rule.Description,
					ViolatingText: span,
					RuleID:        rule.ID,
					Severity:      rule.Severity,
				})
			}
			continue
		}
		if rule.Predicate == nil {
			continue
		}
		if ok, detail := rule.Predicate(dialogue); !ok {
			result.Failures = append(result.Failures, Failure{
				Kind:          FailureCustomRule,
				Description:   rule.Description,
				ViolatingText: detail,
				RuleID:        rule.ID,
				Severity:      rule.Severity,
			})
		}
	}
}

// ====== PATTERN MATCHING ======

// match returns the violating span when the pattern matches the dialogue,
// or "" when it does not. Patterns compile as case-insensitive regexes;
// ones that fail to compile fall back to substring matching.
func (g *Gate) match(pattern, dialogue, lower string) string {
	if pattern == "" {
		return ""
	}
	re := g.compile(pattern)
	if re != nil {
		return re.FindString(dialogue)
	}
	return foldSpan(lower, pattern)
}

// foldSpan returns the span of lower matching term case-insensitively, or
// "". Both the index and the slice run over the lowered string: lowering
// can change a rune's byte length, so an index found in lower must never
// slice the original dialogue.
func foldSpan(lower, term string) string {
	t := strings.ToLower(term)
	if t == "" {
		return ""
	}
	if idx := strings.Index(lower, t); idx >= 0 {
		return lower[idx : idx+len(t)]
	}
	return ""
}

func (g *Gate) compile(pattern string) *regexp.Regexp {
	g.mu.Lock()
	defer g.mu.Unlock()
	re, ok := g.patterns[pattern]
	if ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		logging.VerificationDebug("pattern %q does not compile, using substring match: %v", pattern, err)
		re = nil
	}
	g.patterns[pattern] = re
	return re
}

var extractionVerbs = []string{
	"mentioning", "mention", "discussing", "discuss",
	"revealing", "reveal", "saying", "say about", "about",
}

// extractPatterns derives matchable patterns from a constraint description
// that carries none of its own: quoted segments first, then the object of a
// speech verb ("never mention the rebellion" yields "the rebellion").
func extractPatterns(description string) []string {
	var patterns []string

	for _, quote := range []byte{'"', '\''} {
		rest := description
		for {
			start := strings.IndexByte(rest, quote)
			if start < 0 {
				break
			}
			end := strings.IndexByte(rest[start+1:], quote)
			if end < 0 {
				break
			}
			if q := strings.TrimSpace(rest[start+1 : start+1+end]); q != "" {
				patterns = append(patterns, regexp.QuoteMeta(q))
			}
			rest = rest[start+1+end+1:]
		}
	}
	if len(patterns) > 0 {
		return patterns
	}

	lower := strings.ToLower(description)
	for _, verb := range extractionVerbs {
		idx := strings.Index(lower, verb+" ")
		if idx < 0 {
			continue
		}
		obj := lower[idx+len(verb)+1:]
		if cut := strings.IndexAny(obj, ".,;:!?"); cut >= 0 {
			obj = obj[:cut]
		}
		obj = strings.TrimSpace(obj)
		if obj != "" {
			patterns = append(patterns, regexp.QuoteMeta(obj))
		}
		break
	}
	return patterns
}
