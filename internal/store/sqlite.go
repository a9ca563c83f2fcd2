// Package store persists NPC memory in SQLite. It backs the in-memory
// snapshot pipeline with durable canonical facts, world state, episodic
// memories, beliefs, and dialogue history per NPC.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"npcmind/internal/logging"
	"npcmind/internal/memory"
	"npcmind/internal/perception"
)

// SQLiteStore holds the memory of every NPC in one database file. Each
// NPC's rows are keyed by name; View(npc) projects one NPC's memory as a
// memory.Store for the pipeline.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// file and schema when missing.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	factsTable := `
	CREATE TABLE IF NOT EXISTS canonical_facts (
		npc TEXT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		domain TEXT DEFAULT '',
		contradiction_keywords TEXT DEFAULT '[]',
		PRIMARY KEY (npc, id)
	);
	CREATE INDEX IF NOT EXISTS idx_facts_npc ON canonical_facts(npc);
	`

	worldTable := `
	CREATE TABLE IF NOT EXISTS world_state (
		npc TEXT NOT NULL,
		key TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (npc, key)
	);
	`

	episodicTable := `
	CREATE TABLE IF NOT EXISTS episodic_memories (
		npc TEXT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		significance REAL DEFAULT 0,
		seq INTEGER NOT NULL,
		strength REAL DEFAULT 1.0,
		PRIMARY KEY (npc, id)
	);
	CREATE INDEX IF NOT EXISTS idx_episodic_npc ON episodic_memories(npc);
	`

	beliefsTable := `
	CREATE TABLE IF NOT EXISTS beliefs (
		npc TEXT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL DEFAULT 0.5,
		contradicted INTEGER DEFAULT 0,
		seq INTEGER NOT NULL,
		PRIMARY KEY (npc, id)
	);
	CREATE INDEX IF NOT EXISTS idx_beliefs_npc ON beliefs(npc);
	`

	dialogueTable := `
	CREATE TABLE IF NOT EXISTS dialogue_history (
		npc TEXT NOT NULL,
		seq INTEGER NOT NULL,
		player_line TEXT NOT NULL,
		npc_line TEXT NOT NULL,
		PRIMARY KEY (npc, seq)
	);
	`

	for _, stmt := range []string{factsTable, worldTable, episodicTable, beliefsTable, dialogueTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ====== WRITES ======

// PutFact inserts or replaces a canonical fact for an NPC.
func (s *SQLiteStore) PutFact(npc string, f memory.CanonicalFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keywords, err := json.Marshal(f.ContradictionKeywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO canonical_facts (npc, id, content, domain, contradiction_keywords)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(npc, id) DO UPDATE SET
			content = excluded.content,
			domain = excluded.domain,
			contradiction_keywords = excluded.contradiction_keywords`,
		npc, f.ID, f.Content, f.Domain, string(keywords))
	if err != nil {
		return fmt.Errorf("failed to store fact %s: %w", f.ID, err)
	}
	return nil
}

// PutWorldState inserts or replaces a world state entry for an NPC.
func (s *SQLiteStore) PutWorldState(npc string, e memory.WorldStateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO world_state (npc, key, content) VALUES (?, ?, ?)
		ON CONFLICT(npc, key) DO UPDATE SET content = excluded.content`,
		npc, e.Key, e.Content)
	if err != nil {
		return fmt.Errorf("failed to store world state %s: %w", e.Key, err)
	}
	return nil
}

// PutEpisodic inserts or replaces an episodic memory for an NPC. A zero
// sequence number is assigned the next free one.
func (s *SQLiteStore) PutEpisodic(npc string, m memory.EpisodicMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Sequence == 0 {
		seq, err := s.nextSeq("episodic_memories", npc)
		if err != nil {
			return err
		}
		m.Sequence = seq
	}
	_, err := s.db.Exec(`
		INSERT INTO episodic_memories (npc, id, content, created_at, significance, seq, strength)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(npc, id) DO UPDATE SET
			content = excluded.content,
			created_at = excluded.created_at,
			significance = excluded.significance,
			strength = excluded.strength`,
		npc, m.ID, m.Content, m.CreatedAt, m.Significance, m.Sequence, m.Strength)
	if err != nil {
		return fmt.Errorf("failed to store episodic memory %s: %w", m.ID, err)
	}
	return nil
}

// PutBelief inserts or replaces a belief for an NPC. A zero sequence
// number is assigned the next free one.
func (s *SQLiteStore) PutBelief(npc string, b memory.Belief) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Sequence == 0 {
		seq, err := s.nextSeq("beliefs", npc)
		if err != nil {
			return err
		}
		b.Sequence = seq
	}
	contradicted := 0
	if b.Contradicted {
		contradicted = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO beliefs (npc, id, content, confidence, contradicted, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(npc, id) DO UPDATE SET
			content = excluded.content,
			confidence = excluded.confidence,
			contradicted = excluded.contradicted`,
		npc, b.ID, b.Content, b.Confidence, contradicted, b.Sequence)
	if err != nil {
		return fmt.Errorf("failed to store belief %s: %w", b.ID, err)
	}
	return nil
}

// AppendDialogue appends one exchange to an NPC's dialogue history.
func (s *SQLiteStore) AppendDialogue(npc string, ex memory.DialogueExchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeq("dialogue_history", npc)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO dialogue_history (npc, seq, player_line, npc_line)
		VALUES (?, ?, ?, ?)`,
		npc, seq, ex.PlayerLine, ex.NPCLine)
	if err != nil {
		return fmt.Errorf("failed to append dialogue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) nextSeq(table, npc string) (int64, error) {
	var max sql.NullInt64
	row := s.db.QueryRow(fmt.Sprintf("SELECT MAX(seq) FROM %s WHERE npc = ?", table), npc)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return max.Int64 + 1, nil
}

// ====== READS ======

// Facts returns an NPC's canonical facts ordered by id.
func (s *SQLiteStore) Facts(npc string) ([]memory.CanonicalFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, content, domain, contradiction_keywords
		FROM canonical_facts WHERE npc = ? ORDER BY id`, npc)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var out []memory.CanonicalFact
	for rows.Next() {
		var f memory.CanonicalFact
		var keywords string
		if err := rows.Scan(&f.ID, &f.Content, &f.Domain, &keywords); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &f.ContradictionKeywords); err != nil {
			logging.StoreError("bad keywords for fact %s: %v", f.ID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// World returns an NPC's world state ordered by key.
func (s *SQLiteStore) World(npc string) ([]memory.WorldStateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT key, content FROM world_state WHERE npc = ? ORDER BY key`, npc)
	if err != nil {
		return nil, fmt.Errorf("failed to query world state: %w", err)
	}
	defer rows.Close()

	var out []memory.WorldStateEntry
	for rows.Next() {
		var e memory.WorldStateEntry
		if err := rows.Scan(&e.Key, &e.Content); err != nil {
			return nil, fmt.Errorf("failed to scan world state: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Episodic returns an NPC's episodic memories in sequence order.
func (s *SQLiteStore) Episodic(npc string) ([]memory.EpisodicMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, content, created_at, significance, seq, strength
		FROM episodic_memories WHERE npc = ? ORDER BY seq`, npc)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodic memories: %w", err)
	}
	defer rows.Close()

	var out []memory.EpisodicMemory
	for rows.Next() {
		var m memory.EpisodicMemory
		if err := rows.Scan(&m.ID, &m.Content, &m.CreatedAt, &m.Significance, &m.Sequence, &m.Strength); err != nil {
			return nil, fmt.Errorf("failed to scan episodic memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BeliefsOf returns an NPC's beliefs in sequence order.
func (s *SQLiteStore) BeliefsOf(npc string) ([]memory.Belief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, content, confidence, contradicted, seq
		FROM beliefs WHERE npc = ? ORDER BY seq`, npc)
	if err != nil {
		return nil, fmt.Errorf("failed to query beliefs: %w", err)
	}
	defer rows.Close()

	var out []memory.Belief
	for rows.Next() {
		var b memory.Belief
		var contradicted int
		if err := rows.Scan(&b.ID, &b.Content, &b.Confidence, &contradicted, &b.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan belief: %w", err)
		}
		b.Contradicted = contradicted != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

// Dialogue returns an NPC's dialogue history in order.
func (s *SQLiteStore) Dialogue(npc string) ([]memory.DialogueExchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT player_line, npc_line FROM dialogue_history
		WHERE npc = ? ORDER BY seq`, npc)
	if err != nil {
		return nil, fmt.Errorf("failed to query dialogue: %w", err)
	}
	defer rows.Close()

	var out []memory.DialogueExchange
	for rows.Next() {
		var ex memory.DialogueExchange
		if err := rows.Scan(&ex.PlayerLine, &ex.NPCLine); err != nil {
			return nil, fmt.Errorf("failed to scan dialogue: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ====== PIPELINE INTEGRATION ======

// Snapshot builds a point-in-time snapshot of one NPC's memory for an
// inference attempt.
func (s *SQLiteStore) Snapshot(npc, playerInput string, snapshotTime int64, topics []string, constraints memory.ConstraintSet, systemPrompt string) (*memory.Snapshot, error) {
	facts, err := s.Facts(npc)
	if err != nil {
		return nil, err
	}
	world, err := s.World(npc)
	if err != nil {
		return nil, err
	}
	episodic, err := s.Episodic(npc)
	if err != nil {
		return nil, err
	}
	beliefs, err := s.BeliefsOf(npc)
	if err != nil {
		return nil, err
	}
	dialogue, err := s.Dialogue(npc)
	if err != nil {
		return nil, err
	}
	return &memory.Snapshot{
		NPCName:          npc,
		PlayerInput:      playerInput,
		Time:             snapshotTime,
		Topics:           topics,
		CanonicalFacts:   facts,
		WorldState:       world,
		EpisodicMemories: episodic,
		Beliefs:          beliefs,
		DialogueHistory:  dialogue,
		Constraints:      constraints,
		SystemPrompt:     systemPrompt,
	}, nil
}

// ApplyMutations writes approved mutations back to an NPC's memory.
// Mutations against canonical facts never reach this point; the gate
// rejects them upstream.
func (s *SQLiteStore) ApplyMutations(npc string, snapshotTime int64, mutations []perception.Mutation) error {
	for _, m := range mutations {
		switch m.Kind {
		case perception.MutationAppendEpisodic:
			id := m.TargetID
			if id == "" {
				id = fmt.Sprintf("ep-%d", snapshotTime)
			}
			err := s.PutEpisodic(npc, memory.EpisodicMemory{
				ID:           id,
				Content:      m.Content,
				CreatedAt:    snapshotTime,
				Significance: m.Confidence,
				Strength:     1.0,
			})
			if err != nil {
				return err
			}
		case perception.MutationTransformBelief, perception.MutationTransformRelationship:
			if m.TargetID == "" {
				logging.StoreError("belief mutation without target, skipping")
				continue
			}
			err := s.PutBelief(npc, memory.Belief{
				ID:         m.TargetID,
				Content:    m.Content,
				Confidence: m.Confidence,
			})
			if err != nil {
				return err
			}
		case perception.MutationEmitWorldIntent:
			// World intents are delivered to the caller, not persisted.
		default:
			logging.StoreError("unknown mutation kind %q, skipping", m.Kind)
		}
	}
	return nil
}

// View projects one NPC's persisted memory as a read-only memory.Store.
// Read errors surface as empty lists; the pipeline treats absent data as
// empty anyway.
func (s *SQLiteStore) View(npc string) memory.Store {
	return &npcView{store: s, npc: npc}
}

type npcView struct {
	store *SQLiteStore
	npc   string
}

func (v *npcView) CanonicalFacts() []memory.CanonicalFact {
	facts, err := v.store.Facts(v.npc)
	if err != nil {
		logging.StoreError("facts for %s: %v", v.npc, err)
	}
	return facts
}

func (v *npcView) WorldState() []memory.WorldStateEntry {
	world, err := v.store.World(v.npc)
	if err != nil {
		logging.StoreError("world state for %s: %v", v.npc, err)
	}
	return world
}

func (v *npcView) EpisodicMemories() []memory.EpisodicMemory {
	episodic, err := v.store.Episodic(v.npc)
	if err != nil {
		logging.StoreError("episodic memories for %s: %v", v.npc, err)
	}
	return episodic
}

func (v *npcView) Beliefs() []memory.Belief {
	beliefs, err := v.store.BeliefsOf(v.npc)
	if err != nil {
		logging.StoreError("beliefs for %s: %v", v.npc, err)
	}
	return beliefs
}

func (v *npcView) IsCanonical(id string) bool {
	facts, err := v.store.Facts(v.npc)
	if err != nil {
		return false
	}
	for _, f := range facts {
		if f.ID == id {
			return true
		}
	}
	return false
}
