package agentstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// agentFile is the YAML document shape for agent definition files.
type agentFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// LoadFile reads agent definitions from the YAML file at path. The file holds
// an `agents:` list; every entry is validated.
func LoadFile(path string) ([]AgentDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agentstore: open %q: %w", path, err)
	}
	defer f.Close()

	defs, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("agentstore: parse %q: %w", path, err)
	}
	return defs, nil
}

// LoadFromReader decodes an agent definition file from r and validates every
// entry. Useful in tests where definitions are constructed from string
// literals.
func LoadFromReader(r io.Reader) ([]AgentDefinition, error) {
	var file agentFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("agentstore: decode yaml: %w", err)
	}

	seen := make(map[string]int, len(file.Agents))
	for i := range file.Agents {
		def := &file.Agents[i]
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("agentstore: agents[%d] (%q): %w", i, def.Name, err)
		}
		if def.ID == "" {
			return nil, fmt.Errorf("agentstore: agents[%d] (%q): id is required in config files", i, def.Name)
		}
		if prev, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("agentstore: agents[%d].id %q is a duplicate of agents[%d]", i, def.ID, prev)
		}
		seen[def.ID] = i
	}
	return file.Agents, nil
}

// Import upserts all definitions from the YAML file at path into store.
// Returns the number of definitions imported.
func Import(ctx context.Context, store Store, path string) (int, error) {
	defs, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	for i := range defs {
		if err := store.Upsert(ctx, &defs[i]); err != nil {
			return i, fmt.Errorf("agentstore: import %q: %w", defs[i].ID, err)
		}
	}
	if len(defs) > 0 {
		slog.Info("imported agent definitions", "path", path, "count", len(defs))
	}
	return len(defs), nil
}
