package perception

import (
	"regexp"
	"strings"

	"npcmind/internal/logging"
)

// Config controls the heuristic parsing pipeline.
type Config struct {
	// EnforceSingleLine keeps only the first non-empty line of output.
	EnforceSingleLine bool `yaml:"enforce_single_line"`

	// ExtractMarkers pulls [MEMORY:]/[BELIEF:]/[INTENT:]/[ACTION:] tags and
	// fenced JSON blocks out of the text before cleanup.
	ExtractMarkers bool `yaml:"extract_markers"`

	// TrimToCompleteSentence cuts trailing sentence fragments.
	TrimToCompleteSentence bool `yaml:"trim_to_complete_sentence"`

	// MetaTextPhrases are lowercase phrases whose presence rejects the
	// output outright. Empty uses the defaults.
	MetaTextPhrases []string `yaml:"meta_text_phrases"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnforceSingleLine:      true,
		ExtractMarkers:         true,
		TrimToCompleteSentence: true,
	}
}

// defaultMetaTextPhrases reject output that talks about the answer instead
// of being the answer. Detection runs before any cleanup, since cleanup
// could hide them.
var defaultMetaTextPhrases = []string{
	"example answer:",
	"example response:",
	"sample answer:",
	"here is a response",
	"here's a response",
	"note:",
	"as an ai",
	"i am an ai",
	"i'm an ai",
	"as a language model",
}

// danglingWords are function words that cannot legally end a sentence; a
// generation cut off on one is truncated output, a hard failure rather
// than something to silently trim.
var danglingWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "of": true, "to": true, "in": true, "on": true,
	"at": true, "with": true, "for": true, "is": true, "was": true,
	"are": true, "were": true, "by": true, "from": true, "as": true,
	"that": true, "which": true, "because": true, "so": true, "if": true,
	"when": true, "while": true, "than": true, "then": true,
}

// fragmentStarters mark output that begins mid-sentence.
var fragmentStarters = []string{
	"depending on",
	"based on",
	"according to",
	"such as",
	"as well as",
	"in addition to",
	"rather than",
}

var (
	stageDirectionRe  = regexp.MustCompile(`\*[^*]*\*`)
	scriptDirectionRe = regexp.MustCompile(`\[[^\]]*\]`)
	speakerLabelRe    = regexp.MustCompile(`^[A-Z][A-Za-z0-9 .'\-]{0,30}:\s+`)

	memoryMarkerRe = regexp.MustCompile(`\[MEMORY:\s*([^\]]+)\]`)
	beliefMarkerRe = regexp.MustCompile(`\[BELIEF:\s*([^\]]+)\]`)
	intentMarkerRe = regexp.MustCompile(`\[INTENT:\s*([^\]]+)\]`)
	actionMarkerRe = regexp.MustCompile(`\[ACTION:\s*([^\]]+)\]`)

	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// Parser converts raw generated text into a ParsedOutput.
type Parser struct {
	cfg         Config
	metaPhrases []string
}

// NewParser creates a parser with the given config.
func NewParser(cfg Config) *Parser {
	phrases := cfg.MetaTextPhrases
	if len(phrases) == 0 {
		phrases = defaultMetaTextPhrases
	}
	return &Parser{cfg: cfg, metaPhrases: phrases}
}

// Parse runs the heuristic pipeline on raw generator output. wasTruncated
// is the engine's stopped-on-length flag; it tightens the dangling-word
// check.
func (p *Parser) Parse(raw string, wasTruncated bool) *ParsedOutput {
	timer := logging.StartTimer(logging.CategoryPerception, "Parser.Parse")
	defer timer.Stop()

	// Step 1: reject empty input.
	if strings.TrimSpace(raw) == "" {
		return failed(raw, "empty output")
	}

	// Step 2: meta-text detection, before any cleanup.
	if phrase := p.findMetaText(raw); phrase != "" {
		logging.PerceptionDebug("rejected meta-text output (phrase %q)", phrase)
		return failed(raw, "meta-text detected: "+phrase)
	}

	out := &ParsedOutput{
		Success:  true,
		RawText:  raw,
		Metadata: map[string]string{},
	}

	text := raw

	// Step 3: structured marker extraction.
	if p.cfg.ExtractMarkers {
		text = p.extractMarkers(text, out)
	}

	// Step 4: whitespace normalization.
	text = NormalizeWhitespace(text)
	if strings.TrimSpace(text) == "" {
		return failed(raw, "output empty after marker extraction")
	}

	// Step 5: dialogue extraction.
	text = p.extractDialogue(text)
	if text == "" {
		return failed(raw, "output empty after dialogue cleanup")
	}

	// Step 6: sentence completion.
	if p.cfg.TrimToCompleteSentence {
		trimmed, ok := trimToCompleteSentence(text, wasTruncated)
		if !ok {
			return failed(raw, "output truncated mid-sentence")
		}
		if trimmed == "" {
			return failed(raw, "no complete sentence in output")
		}
		text = trimmed
	}

	// Step 7: fragment rejection.
	if isFragment(text) {
		return failed(raw, "output is a sentence fragment")
	}

	// Step 8: terminal punctuation.
	text = ensureTerminalPunctuation(text)

	out.Dialogue = text
	return out
}

// findMetaText returns the first matching meta phrase, or "".
func (p *Parser) findMetaText(raw string) string {
	lower := strings.ToLower(raw)
	for _, phrase := range p.metaPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return ""
}

// extractMarkers pulls structured content out of the text and strips it.
func (p *Parser) extractMarkers(text string, out *ParsedOutput) string {
	// Fenced JSON blocks first, so their brackets don't confuse the inline
	// marker regexes.
	text = fencedBlockRe.ReplaceAllStringFunc(text, func(block string) string {
		inner := fencedBlockRe.FindStringSubmatch(block)[1]
		for _, candidate := range findJSONCandidates(inner) {
			if payload, err := decodeStructuredPayload(candidate); err == nil {
				mergePayload(out, payload, candidate)
			}
		}
		return ""
	})

	text = memoryMarkerRe.ReplaceAllStringFunc(text, func(m string) string {
		content := strings.TrimSpace(memoryMarkerRe.FindStringSubmatch(m)[1])
		out.Mutations = append(out.Mutations, Mutation{
			Kind:       MutationAppendEpisodic,
			Content:    content,
			Confidence: 0.8,
			SourceSpan: m,
		})
		return ""
	})

	text = beliefMarkerRe.ReplaceAllStringFunc(text, func(m string) string {
		body := strings.TrimSpace(beliefMarkerRe.FindStringSubmatch(m)[1])
		mut := Mutation{
			Kind:       MutationTransformBelief,
			Content:    body,
			Confidence: 0.6,
			SourceSpan: m,
		}
		// "target|content" form carries an explicit belief id.
		if idx := strings.Index(body, "|"); idx > 0 {
			mut.TargetID = strings.TrimSpace(body[:idx])
			mut.Content = strings.TrimSpace(body[idx+1:])
		}
		out.Mutations = append(out.Mutations, mut)
		return ""
	})

	text = intentMarkerRe.ReplaceAllStringFunc(text, func(m string) string {
		body := strings.TrimSpace(intentMarkerRe.FindStringSubmatch(m)[1])
		intent := WorldIntent{Type: body}
		if fields := strings.Fields(body); len(fields) > 1 {
			intent.Type = fields[0]
			intent.Target = strings.Join(fields[1:], " ")
		}
		out.Intents = append(out.Intents, intent)
		return ""
	})

	text = actionMarkerRe.ReplaceAllStringFunc(text, func(m string) string {
		body := strings.TrimSpace(actionMarkerRe.FindStringSubmatch(m)[1])
		call := FunctionCall{Name: body}
		if open := strings.Index(body, "("); open > 0 && strings.HasSuffix(body, ")") {
			call.Name = strings.TrimSpace(body[:open])
			args := strings.TrimSpace(body[open+1 : len(body)-1])
			if args != "" {
				call.Arguments = map[string]string{"raw": args}
			}
		}
		out.FunctionCalls = append(out.FunctionCalls, call)
		return ""
	})

	return text
}

// extractDialogue reduces normalized text to the in-character line.
func (p *Parser) extractDialogue(text string) string {
	if p.cfg.EnforceSingleLine {
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) != "" {
				text = line
				break
			}
		}
	}

	text = stageDirectionRe.ReplaceAllString(text, "")
	text = scriptDirectionRe.ReplaceAllString(text, "")
	text = speakerLabelRe.ReplaceAllString(strings.TrimSpace(text), "")

	// Collapse internal whitespace.
	return strings.Join(strings.Fields(text), " ")
}

// NormalizeWhitespace strips a BOM, normalizes line endings, trims
// trailing whitespace per line, and collapses runs of 3+ blank lines down
// to 2. Leading blank lines and a pre-existing trailing newline survive.
// Idempotent: NormalizeWhitespace(NormalizeWhitespace(x)) == NormalizeWhitespace(x).
func NormalizeWhitespace(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")

	// 2 blank lines = 3 consecutive newlines; collapse anything longer.
	for strings.Contains(s, "\n\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n\n", "\n\n\n")
	}

	return s
}

// trimToCompleteSentence cuts a trailing fragment after the last terminal
// punctuation. Output that dangles on a function word is reported as
// truncation (ok=false) instead of being trimmed silently.
func trimToCompleteSentence(text string, wasTruncated bool) (trimmed string, ok bool) {
	if endsWithTerminal(text) {
		return text, true
	}

	words := strings.Fields(text)
	if len(words) > 0 {
		last := strings.ToLower(strings.Trim(words[len(words)-1], ",;:'\""))
		if danglingWords[last] {
			return "", false
		}
	}

	lastTerminal := -1
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			lastTerminal = i
		}
	}
	if lastTerminal < 0 {
		// No sentence boundary at all. A truncated generation with no
		// terminal punctuation cannot be trusted; otherwise step 8 will
		// close the sentence.
		if wasTruncated {
			return "", false
		}
		return text, true
	}

	return strings.TrimSpace(text[:lastTerminal+1]), true
}

func endsWithTerminal(text string) bool {
	t := strings.TrimRight(text, `"'`)
	return strings.HasSuffix(t, ".") || strings.HasSuffix(t, "!") ||
		strings.HasSuffix(t, "?") || strings.HasSuffix(t, "…")
}

// isFragment reports whether the text starts mid-sentence.
func isFragment(text string) bool {
	first, _ := firstRune(text)
	if first < 'a' || first > 'z' {
		return false
	}
	lower := strings.ToLower(text)
	for _, starter := range fragmentStarters {
		if strings.HasPrefix(lower, starter) {
			return true
		}
	}
	return false
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// ensureTerminalPunctuation appends a period when the line doesn't already
// end a sentence.
func ensureTerminalPunctuation(text string) string {
	if endsWithTerminal(text) {
		return text
	}
	return text + "."
}
