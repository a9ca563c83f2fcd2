package perception

import (
	"encoding/json"
	"fmt"
	"strings"

	"npcmind/internal/logging"
)

// structuredPayload is the schema for native structured generation.
type structuredPayload struct {
	Dialogue  string            `json:"dialogue"`
	Mutations []payloadMutation `json:"mutations,omitempty"`
	Intents   []payloadIntent   `json:"intents,omitempty"`
	Calls     []payloadCall     `json:"function_calls,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type payloadMutation struct {
	Kind       string  `json:"kind"`
	TargetID   string  `json:"target_id,omitempty"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence,omitempty"`
}

type payloadIntent struct {
	Type       string            `json:"type"`
	Target     string            `json:"target,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Priority   int               `json:"priority,omitempty"`
}

type payloadCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// ParseStructured parses schema-conformant JSON output. Malformed JSON
// falls back to the heuristic pipeline so a misbehaving engine degrades
// instead of failing outright.
func (p *Parser) ParseStructured(raw string, wasTruncated bool) *ParsedOutput {
	payload, candidate, err := extractPayload(raw)
	if err != nil {
		logging.PerceptionDebug("structured parse failed (%v), falling back to heuristic", err)
		return p.Parse(raw, wasTruncated)
	}

	out := &ParsedOutput{
		Success:  true,
		RawText:  raw,
		Metadata: map[string]string{},
	}
	mergePayload(out, payload, candidate)

	// The dialogue line still goes through cleanup: structured mode only
	// changes how the envelope arrives, not what a valid line looks like.
	dialogue := p.extractDialogue(NormalizeWhitespace(payload.Dialogue))
	if dialogue == "" {
		return failed(raw, "structured output has empty dialogue")
	}
	if p.cfg.TrimToCompleteSentence {
		trimmed, ok := trimToCompleteSentence(dialogue, wasTruncated)
		if !ok {
			return failed(raw, "structured dialogue truncated mid-sentence")
		}
		dialogue = trimmed
	}
	out.Dialogue = ensureTerminalPunctuation(dialogue)
	return out
}

// extractPayload finds and decodes the first valid payload object in raw.
func extractPayload(raw string) (*structuredPayload, string, error) {
	trimmed := strings.TrimSpace(raw)
	if p, err := decodeStructuredPayload(trimmed); err == nil {
		return p, trimmed, nil
	}

	for _, candidate := range findJSONCandidates(raw) {
		if p, err := decodeStructuredPayload(candidate); err == nil {
			return p, candidate, nil
		}
	}

	return nil, "", fmt.Errorf("no valid payload object in output")
}

func decodeStructuredPayload(s string) (*structuredPayload, error) {
	var p structuredPayload
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p.Dialogue == "" && len(p.Mutations) == 0 && len(p.Intents) == 0 && len(p.Calls) == 0 {
		return nil, fmt.Errorf("payload carries no recognized fields")
	}
	return &p, nil
}

// mergePayload folds a decoded payload's mutations/intents/calls into out.
func mergePayload(out *ParsedOutput, payload *structuredPayload, source string) {
	for _, m := range payload.Mutations {
		confidence := m.Confidence
		if confidence == 0 {
			confidence = 0.8
		}
		out.Mutations = append(out.Mutations, Mutation{
			Kind:       MutationKind(m.Kind),
			TargetID:   m.TargetID,
			Content:    m.Content,
			Confidence: confidence,
			SourceSpan: source,
		})
	}
	for _, i := range payload.Intents {
		out.Intents = append(out.Intents, WorldIntent{
			Type:       i.Type,
			Target:     i.Target,
			Parameters: i.Parameters,
			Priority:   i.Priority,
		})
	}
	for _, c := range payload.Calls {
		out.FunctionCalls = append(out.FunctionCalls, FunctionCall{
			Name:      c.Name,
			Arguments: c.Arguments,
		})
	}
	for k, v := range payload.Metadata {
		out.Metadata[k] = v
	}
}

// findJSONCandidates scans the input for top-level JSON object candidates,
// handling nested braces and string escaping. Byte iteration is safe for
// the ASCII delimiters since UTF-8 never embeds them in multi-byte runes.
func findJSONCandidates(s string) []string {
	var candidates []string
	var depth int
	start := -1
	var inString, escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}

		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}

	return candidates
}
