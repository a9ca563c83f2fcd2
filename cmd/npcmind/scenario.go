package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"npcmind/internal/memory"
	"npcmind/internal/store"
)

// Scenario is the YAML shape of an offline NPC scenario: the NPCs with
// their memory, and a list of interactions to play against scripted
// generation responses.
type Scenario struct {
	NPCs         []ScenarioNPC         `yaml:"npcs"`
	Interactions []ScenarioInteraction `yaml:"interactions"`
}

type ScenarioNPC struct {
	Name         string                   `yaml:"name"`
	SystemPrompt string                   `yaml:"system_prompt"`
	Facts        []memory.CanonicalFact   `yaml:"facts"`
	WorldState   []memory.WorldStateEntry `yaml:"world_state"`
	Episodic     []memory.EpisodicMemory  `yaml:"episodic"`
	Beliefs      []memory.Belief          `yaml:"beliefs"`
	Constraints  memory.ConstraintSet     `yaml:"constraints"`
}

type ScenarioInteraction struct {
	NPC    string   `yaml:"npc"`
	Input  string   `yaml:"input"`
	Topics []string `yaml:"topics"`

	// Time is the logical snapshot time for this interaction.
	Time int64 `yaml:"time"`

	// Responses are the scripted generation outputs, one per attempt.
	Responses []string `yaml:"responses"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	names := make(map[string]struct{}, len(sc.NPCs))
	for _, npc := range sc.NPCs {
		if npc.Name == "" {
			return nil, fmt.Errorf("scenario %s: npc with empty name", path)
		}
		names[npc.Name] = struct{}{}
	}
	for i, in := range sc.Interactions {
		if _, ok := names[in.NPC]; !ok {
			return nil, fmt.Errorf("scenario %s: interaction %d references unknown npc %q", path, i, in.NPC)
		}
	}
	return &sc, nil
}

// Seed writes the scenario's NPC memory into the store.
func (sc *Scenario) Seed(db *store.SQLiteStore) error {
	for _, npc := range sc.NPCs {
		for _, f := range npc.Facts {
			if err := db.PutFact(npc.Name, f); err != nil {
				return err
			}
		}
		for _, w := range npc.WorldState {
			if err := db.PutWorldState(npc.Name, w); err != nil {
				return err
			}
		}
		for _, m := range npc.Episodic {
			if err := db.PutEpisodic(npc.Name, m); err != nil {
				return err
			}
		}
		for _, b := range npc.Beliefs {
			if err := db.PutBelief(npc.Name, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// NPC returns the scenario NPC with the given name.
func (sc *Scenario) NPC(name string) (*ScenarioNPC, bool) {
	for i := range sc.NPCs {
		if sc.NPCs[i].Name == name {
			return &sc.NPCs[i], true
		}
	}
	return nil, false
}
