// Package retrieval selects and ranks memory items for a dialogue turn.
// Relevance is a deliberately simple lexical heuristic (word overlap plus
// topic substring match), not semantic search. The selection is fully
// deterministic for a fixed store and logical snapshot time: every sort is
// a strict total order and no wall-clock time is consulted.
package retrieval

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"npcmind/internal/logging"
	"npcmind/internal/memory"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config holds retrieval caps, thresholds, and scoring weights.
type Config struct {
	// Per-category caps. 0 means unlimited.
	MaxFacts      int `yaml:"max_facts"`
	MaxWorldState int `yaml:"max_world_state"`
	MaxEpisodic   int `yaml:"max_episodic"`
	MaxBeliefs    int `yaml:"max_beliefs"`

	// MinStrength filters episodic memories that have decayed below it.
	MinStrength float64 `yaml:"min_strength"`

	// MinConfidence filters beliefs below it.
	MinConfidence float64 `yaml:"min_confidence"`

	// IncludeContradicted keeps contradicted beliefs in play, down-weighted.
	IncludeContradicted bool `yaml:"include_contradicted"`

	// HalfLife is the logical-time span over which recency halves.
	HalfLife int64 `yaml:"half_life"`

	// Episodic scoring weights.
	RecencyWeight      float64 `yaml:"recency_weight"`
	RelevanceWeight    float64 `yaml:"relevance_weight"`
	SignificanceWeight float64 `yaml:"significance_weight"`

	// TopicBonus is the flat relevance bonus when a topic string appears in
	// the candidate content.
	TopicBonus float64 `yaml:"topic_bonus"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFacts:            0, // unlimited - canon is always in play
		MaxWorldState:       0,
		MaxEpisodic:         5,
		MaxBeliefs:          3,
		MinStrength:         0.1,
		MinConfidence:       0.3,
		IncludeContradicted: false,
		HalfLife:            3600,
		RecencyWeight:       0.35,
		RelevanceWeight:     0.45,
		SignificanceWeight:  0.20,
		TopicBonus:          0.3,
	}
}

// =============================================================================
// RETRIEVED CONTEXT
// =============================================================================

// RetrievedContext holds the ranked, capped per-category output of one
// retrieval call. Immutable once produced.
type RetrievedContext struct {
	Facts            []string
	WorldState       []string
	EpisodicMemories []string
	Beliefs          []string
}

// Retriever pulls candidate memory items from a store and produces a
// deterministic ranked subset per category.
type Retriever struct {
	cfg Config
}

// NewRetriever creates a retriever with the given config.
func NewRetriever(cfg Config) *Retriever {
	return &Retriever{cfg: cfg}
}

// Retrieve scores and ranks store content against the player input.
// snapshotTime is a logical clock value; recency is never computed from
// wall-clock time.
func (r *Retriever) Retrieve(store memory.Store, playerInput string, topics []string, snapshotTime int64) (*RetrievedContext, error) {
	if store == nil {
		return nil, fmt.Errorf("retrieve: store is nil")
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, "Retriever.Retrieve")
	defer timer.Stop()

	inputWords := significantWords(playerInput)

	ctx := &RetrievedContext{
		Facts:            r.selectFacts(store.CanonicalFacts(), topics),
		WorldState:       r.selectWorldState(store.WorldState(), topics),
		EpisodicMemories: r.selectEpisodic(store.EpisodicMemories(), inputWords, topics, snapshotTime),
		Beliefs:          r.selectBeliefs(store.Beliefs(), inputWords, topics),
	}

	logging.RetrievalDebug("retrieved facts=%d world=%d episodic=%d beliefs=%d",
		len(ctx.Facts), len(ctx.WorldState), len(ctx.EpisodicMemories), len(ctx.Beliefs))

	return ctx, nil
}

// =============================================================================
// FACTS AND WORLD STATE
// =============================================================================

// selectFacts filters canonical facts by topic, sorts by id, and caps.
func (r *Retriever) selectFacts(facts []memory.CanonicalFact, topics []string) []string {
	var kept []memory.CanonicalFact
	for _, f := range facts {
		if len(topics) > 0 && !topicMatch(f.Content, f.Domain, topics) {
			continue
		}
		kept = append(kept, f)
	}

	// Stable identifier order, byte-wise.
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].ID < kept[j].ID
	})

	kept = capSlice(kept, r.cfg.MaxFacts)

	out := make([]string, 0, len(kept))
	for _, f := range kept {
		out = append(out, f.Content)
	}
	return out
}

// selectWorldState filters world state by topic, sorts by key, and caps.
func (r *Retriever) selectWorldState(entries []memory.WorldStateEntry, topics []string) []string {
	var kept []memory.WorldStateEntry
	for _, e := range entries {
		if len(topics) > 0 && !topicMatch(e.Content, e.Key, topics) {
			continue
		}
		kept = append(kept, e)
	}

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Key < kept[j].Key
	})

	kept = capSlice(kept, r.cfg.MaxWorldState)

	out := make([]string, 0, len(kept))
	for _, e := range kept {
		out = append(out, fmt.Sprintf("%s: %s", e.Key, e.Content))
	}
	return out
}

// topicMatch reports whether any topic is a substring of content or an
// exact (case-insensitive) match of the domain/key.
func topicMatch(content, domainOrKey string, topics []string) bool {
	contentLower := strings.ToLower(content)
	keyLower := strings.ToLower(domainOrKey)
	for _, t := range topics {
		tl := strings.ToLower(t)
		if tl == "" {
			continue
		}
		if strings.Contains(contentLower, tl) || keyLower == tl {
			return true
		}
	}
	return false
}

// =============================================================================
// EPISODIC MEMORIES
// =============================================================================

type scoredEpisodic struct {
	mem   memory.EpisodicMemory
	score float64
}

// selectEpisodic filters by strength, scores, sorts by the strict total
// order (score desc, creation time desc, id asc, sequence asc), and caps.
func (r *Retriever) selectEpisodic(mems []memory.EpisodicMemory, inputWords []string, topics []string, snapshotTime int64) []string {
	var scored []scoredEpisodic
	for _, m := range mems {
		if m.Strength < r.cfg.MinStrength {
			continue
		}
		scored = append(scored, scoredEpisodic{
			mem:   m,
			score: r.scoreEpisodic(m, inputWords, topics, snapshotTime),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.mem.CreatedAt != b.mem.CreatedAt {
			return a.mem.CreatedAt > b.mem.CreatedAt
		}
		if a.mem.ID != b.mem.ID {
			return a.mem.ID < b.mem.ID
		}
		return a.mem.Sequence < b.mem.Sequence
	})

	scored = capSlice(scored, r.cfg.MaxEpisodic)

	out := make([]string, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.mem.Content)
	}
	return out
}

// scoreEpisodic combines recency, lexical relevance, and significance.
func (r *Retriever) scoreEpisodic(m memory.EpisodicMemory, inputWords []string, topics []string, snapshotTime int64) float64 {
	recency := RecencyScore(snapshotTime-m.CreatedAt, r.cfg.HalfLife, m.Significance)
	relevance := RelevanceScore(m.Content, inputWords, topics, r.cfg.TopicBonus)
	return recency*r.cfg.RecencyWeight + relevance*r.cfg.RelevanceWeight + m.Significance*r.cfg.SignificanceWeight
}

// RecencyScore computes 0.5^(elapsed/halfLife), boosted by significance and
// capped at 1.0. Elapsed <= 0 or halfLife <= 0 clamps to 1.0: memories from
// the future (clock skew in replays) and disabled decay both score maximal.
func RecencyScore(elapsed, halfLife int64, significance float64) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return 1.0
	}
	recency := math.Pow(0.5, float64(elapsed)/float64(halfLife))
	recency *= 1.0 + significance*0.5
	if recency > 1.0 {
		recency = 1.0
	}
	return recency
}

// RelevanceScore is the fraction of significant input words present in the
// content, plus a flat bonus when any topic appears in the content. Purely
// lexical; capped at 1.0.
func RelevanceScore(content string, inputWords []string, topics []string, topicBonus float64) float64 {
	contentLower := strings.ToLower(content)

	var score float64
	if len(inputWords) > 0 {
		matched := 0
		for _, w := range inputWords {
			if strings.Contains(contentLower, w) {
				matched++
			}
		}
		score = float64(matched) / float64(len(inputWords))
	}

	for _, t := range topics {
		if t != "" && strings.Contains(contentLower, strings.ToLower(t)) {
			score += topicBonus
			break
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// significantWords lowercases the input and keeps words longer than 3 runes.
func significantWords(input string) []string {
	fields := strings.Fields(strings.ToLower(input))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]")
		if len([]rune(f)) > 3 {
			out = append(out, f)
		}
	}
	return out
}

// =============================================================================
// BELIEFS
// =============================================================================

type scoredBelief struct {
	belief memory.Belief
	score  float64
}

// selectBeliefs filters by confidence, scores, sorts by the strict total
// order (score desc, confidence desc, id asc, sequence asc), caps, and
// formats contradicted beliefs with an "[Uncertain]" marker.
func (r *Retriever) selectBeliefs(beliefs []memory.Belief, inputWords []string, topics []string) []string {
	var scored []scoredBelief
	for _, b := range beliefs {
		if b.Contradicted && !r.cfg.IncludeContradicted {
			continue
		}
		if b.Confidence < r.cfg.MinConfidence {
			continue
		}
		scored = append(scored, scoredBelief{
			belief: b,
			score:  r.scoreBelief(b, inputWords, topics),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.belief.Confidence != b.belief.Confidence {
			return a.belief.Confidence > b.belief.Confidence
		}
		if a.belief.ID != b.belief.ID {
			return a.belief.ID < b.belief.ID
		}
		return a.belief.Sequence < b.belief.Sequence
	})

	scored = capSlice(scored, r.cfg.MaxBeliefs)

	out := make([]string, 0, len(scored))
	for _, s := range scored {
		if s.belief.Contradicted {
			out = append(out, "[Uncertain] "+s.belief.Content)
		} else {
			out = append(out, s.belief.Content)
		}
	}
	return out
}

// scoreBelief combines lexical relevance and confidence. Contradicted
// beliefs have their confidence halved before combining.
func (r *Retriever) scoreBelief(b memory.Belief, inputWords []string, topics []string) float64 {
	confidence := b.Confidence
	if b.Contradicted {
		confidence /= 2
	}
	relevance := RelevanceScore(b.Content, inputWords, topics, r.cfg.TopicBonus)
	return relevance*0.6 + confidence*0.4
}

// capSlice truncates s to max items. max <= 0 means unlimited.
func capSlice[T any](s []T, max int) []T {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
