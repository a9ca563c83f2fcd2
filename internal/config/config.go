// Package config loads pipeline configuration from YAML and watches it for
// changes so long-running hosts can pick up tuning without a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"npcmind/internal/dialogue"
	"npcmind/internal/logging"
	"npcmind/internal/perception"
	"npcmind/internal/prompt"
	"npcmind/internal/retrieval"
	"npcmind/internal/wmem"
)

// Config is the YAML shape of a pipeline configuration. Zero values fall
// back to the package defaults, so a partial file only overrides what it
// names.
type Config struct {
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Memory    MemoryConfig    `yaml:"memory"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Parser    ParserConfig    `yaml:"parser"`
	Retry     RetryConfig     `yaml:"retry"`

	// Boundary selects the cache-split boundary policy.
	Boundary string `yaml:"boundary"`

	StructuredOutput bool `yaml:"structured_output"`
}

type RetrievalConfig struct {
	MaxFacts            int     `yaml:"max_facts"`
	MaxWorldState       int     `yaml:"max_world_state"`
	MaxEpisodic         int     `yaml:"max_episodic"`
	MaxBeliefs          int     `yaml:"max_beliefs"`
	MinStrength         float64 `yaml:"min_strength"`
	MinConfidence       float64 `yaml:"min_confidence"`
	IncludeContradicted bool    `yaml:"include_contradicted"`
	HalfLife            int64   `yaml:"half_life"`
	RecencyWeight       float64 `yaml:"recency_weight"`
	RelevanceWeight     float64 `yaml:"relevance_weight"`
	SignificanceWeight  float64 `yaml:"significance_weight"`
	TopicBonus          float64 `yaml:"topic_bonus"`
}

type MemoryConfig struct {
	MaxDialogueExchanges int   `yaml:"max_dialogue_exchanges"`
	MaxEpisodic          int   `yaml:"max_episodic"`
	MaxBeliefs           int   `yaml:"max_beliefs"`
	CharBudget           int   `yaml:"char_budget"`
	ItemOverhead         int   `yaml:"item_overhead"`
	FactsAlwaysIncluded  *bool `yaml:"facts_always_included"`
}

type PromptConfig struct {
	CharBudget int `yaml:"char_budget"`
}

type ParserConfig struct {
	EnforceSingleLine      *bool    `yaml:"enforce_single_line"`
	ExtractMarkers         *bool    `yaml:"extract_markers"`
	TrimToCompleteSentence *bool    `yaml:"trim_to_complete_sentence"`
	MetaTextPhrases        []string `yaml:"meta_text_phrases"`
}

type RetryConfig struct {
	MaxRetries              int    `yaml:"max_retries"`
	TimeBudgetMS            int    `yaml:"time_budget_ms"`
	Escalation              string `yaml:"escalation"`
	IncludeRejectedResponse *bool  `yaml:"include_rejected_response"`
	RejectedResponseChars   int    `yaml:"rejected_response_chars"`
}

// Load reads a YAML config file and folds it over the engine defaults.
func Load(path string) (dialogue.EngineConfig, error) {
	cfg := dialogue.DefaultEngineConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	apply(&cfg, &file)
	logging.Boot("loaded config from %s", path)
	return cfg, nil
}

func apply(cfg *dialogue.EngineConfig, file *Config) {
	applyRetrieval(&cfg.Retrieval, &file.Retrieval)
	applyMemory(&cfg.Memory, &file.Memory)
	if file.Prompt.CharBudget > 0 {
		cfg.Prompt.CharBudget = file.Prompt.CharBudget
	}
	applyParser(&cfg.Parser, &file.Parser)
	applyRetry(&cfg.Retry, &file.Retry)

	if file.Boundary != "" {
		policy := prompt.BoundaryPolicy(file.Boundary)
		if policy.Valid() {
			cfg.Boundary = policy
		} else {
			logging.ConfigWarn("unknown boundary policy %q, keeping %q", file.Boundary, cfg.Boundary)
		}
	}
	cfg.StructuredOutput = file.StructuredOutput
}

func applyRetrieval(dst *retrieval.Config, src *RetrievalConfig) {
	if src.MaxFacts > 0 {
		dst.MaxFacts = src.MaxFacts
	}
	if src.MaxWorldState > 0 {
		dst.MaxWorldState = src.MaxWorldState
	}
	if src.MaxEpisodic > 0 {
		dst.MaxEpisodic = src.MaxEpisodic
	}
	if src.MaxBeliefs > 0 {
		dst.MaxBeliefs = src.MaxBeliefs
	}
	if src.MinStrength > 0 {
		dst.MinStrength = src.MinStrength
	}
	if src.MinConfidence > 0 {
		dst.MinConfidence = src.MinConfidence
	}
	if src.IncludeContradicted {
		dst.IncludeContradicted = true
	}
	if src.HalfLife > 0 {
		dst.HalfLife = src.HalfLife
	}
	if src.RecencyWeight > 0 {
		dst.RecencyWeight = src.RecencyWeight
	}
	if src.RelevanceWeight > 0 {
		dst.RelevanceWeight = src.RelevanceWeight
	}
	if src.SignificanceWeight > 0 {
		dst.SignificanceWeight = src.SignificanceWeight
	}
	if src.TopicBonus > 0 {
		dst.TopicBonus = src.TopicBonus
	}
}

func applyMemory(dst *wmem.Config, src *MemoryConfig) {
	if src.MaxDialogueExchanges > 0 {
		dst.MaxDialogueExchanges = src.MaxDialogueExchanges
	}
	if src.MaxEpisodic > 0 {
		dst.MaxEpisodic = src.MaxEpisodic
	}
	if src.MaxBeliefs > 0 {
		dst.MaxBeliefs = src.MaxBeliefs
	}
	if src.CharBudget > 0 {
		dst.CharBudget = src.CharBudget
	}
	if src.ItemOverhead > 0 {
		dst.ItemOverhead = src.ItemOverhead
	}
	if src.FactsAlwaysIncluded != nil {
		dst.FactsAlwaysIncluded = *src.FactsAlwaysIncluded
	}
}

func applyParser(dst *perception.Config, src *ParserConfig) {
	if src.EnforceSingleLine != nil {
		dst.EnforceSingleLine = *src.EnforceSingleLine
	}
	if src.ExtractMarkers != nil {
		dst.ExtractMarkers = *src.ExtractMarkers
	}
	if src.TrimToCompleteSentence != nil {
		dst.TrimToCompleteSentence = *src.TrimToCompleteSentence
	}
	if len(src.MetaTextPhrases) > 0 {
		dst.MetaTextPhrases = append([]string(nil), src.MetaTextPhrases...)
	}
}

func applyRetry(dst *dialogue.RetryConfig, src *RetryConfig) {
	if src.MaxRetries > 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if src.TimeBudgetMS > 0 {
		dst.TimeBudget = time.Duration(src.TimeBudgetMS) * time.Millisecond
	}
	if src.Escalation != "" {
		switch mode := dialogue.EscalationMode(src.Escalation); mode {
		case dialogue.EscalateNone, dialogue.EscalateAddProhibition,
			dialogue.EscalateHardenRequirements, dialogue.EscalateBoth:
			dst.Escalation = mode
		default:
			logging.ConfigWarn("unknown escalation mode %q, keeping %q", src.Escalation, dst.Escalation)
		}
	}
	if src.IncludeRejectedResponse != nil {
		dst.IncludeRejectedResponse = *src.IncludeRejectedResponse
	}
	if src.RejectedResponseChars > 0 {
		dst.RejectedResponseChars = src.RejectedResponseChars
	}
}
