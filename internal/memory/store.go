package memory

import "sync"

// Store is the read-only view of an NPC's memory the pipeline consumes.
// Accessors return items in stable insertion order; callers must not mutate
// the returned slices.
type Store interface {
	CanonicalFacts() []CanonicalFact
	WorldState() []WorldStateEntry
	EpisodicMemories() []EpisodicMemory
	Beliefs() []Belief

	// IsCanonical reports whether id names a canonical fact. Used by the
	// mutation gate to enforce canon immutability.
	IsCanonical(id string) bool
}

// MemStore is a mutex-guarded in-memory Store. It backs tests and the CLI's
// scripted scenarios; production embeds the game's own store behind the
// Store interface.
type MemStore struct {
	mu        sync.RWMutex
	facts     []CanonicalFact
	world     []WorldStateEntry
	episodic  []EpisodicMemory
	beliefs   []Belief
	canonical map[string]bool
	nextSeq   int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{canonical: make(map[string]bool)}
}

// AddFact registers a canonical fact.
func (s *MemStore) AddFact(f CanonicalFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, f)
	s.canonical[f.ID] = true
}

// SetWorldState appends or replaces a world state entry by key.
func (s *MemStore) SetWorldState(e WorldStateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.world {
		if existing.Key == e.Key {
			s.world[i] = e
			return
		}
	}
	s.world = append(s.world, e)
}

// AddEpisodic appends an episodic memory, assigning the next sequence
// number when the caller left it zero.
func (s *MemStore) AddEpisodic(m EpisodicMemory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Sequence == 0 {
		s.nextSeq++
		m.Sequence = s.nextSeq
	}
	s.episodic = append(s.episodic, m)
}

// AddBelief appends a belief, assigning the next sequence number when the
// caller left it zero.
func (s *MemStore) AddBelief(b Belief) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Sequence == 0 {
		s.nextSeq++
		b.Sequence = s.nextSeq
	}
	s.beliefs = append(s.beliefs, b)
}

// CanonicalFacts returns a copy of the canonical facts.
func (s *MemStore) CanonicalFacts() []CanonicalFact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CanonicalFact(nil), s.facts...)
}

// WorldState returns a copy of the world state entries.
func (s *MemStore) WorldState() []WorldStateEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]WorldStateEntry(nil), s.world...)
}

// EpisodicMemories returns a copy of the episodic memories.
func (s *MemStore) EpisodicMemories() []EpisodicMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EpisodicMemory(nil), s.episodic...)
}

// Beliefs returns a copy of the beliefs.
func (s *MemStore) Beliefs() []Belief {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Belief(nil), s.beliefs...)
}

// IsCanonical reports whether id names a canonical fact.
func (s *MemStore) IsCanonical(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canonical[id]
}
