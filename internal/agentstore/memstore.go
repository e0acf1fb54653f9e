package agentstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]AgentDefinition
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]AgentDefinition)}
}

// Create inserts a new agent definition. A missing ID is generated.
func (s *MemoryStore) Create(_ context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[def.ID]; exists {
		return fmt.Errorf("agentstore: agent with id %q already exists", def.ID)
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	s.defs[def.ID] = *def
	return nil
}

// Get retrieves an agent definition by ID. Returns (nil, nil) if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

// Update replaces an existing agent definition.
func (s *MemoryStore) Update(_ context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.defs[def.ID]
	if !ok {
		return fmt.Errorf("agentstore: agent with id %q not found", def.ID)
	}
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()
	s.defs[def.ID] = *def
	return nil
}

// Delete removes an agent definition. Deleting a missing agent is a no-op.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
	return nil
}

// List returns all agent definitions ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Upsert creates or replaces an agent definition.
func (s *MemoryStore) Upsert(_ context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.defs[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.defs[def.ID] = *def
	return nil
}
