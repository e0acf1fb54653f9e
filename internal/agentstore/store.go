package agentstore

import "context"

// Store provides CRUD operations for agent definitions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new agent definition. The definition is validated
	// before insertion. Returns an error if an agent with the same ID already
	// exists.
	Create(ctx context.Context, def *AgentDefinition) error

	// Get retrieves an agent definition by ID. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*AgentDefinition, error)

	// Update replaces an existing agent definition. The definition is
	// validated before the update. Returns an error if the agent is not found.
	Update(ctx context.Context, def *AgentDefinition) error

	// Delete removes an agent definition by ID. Deleting a non-existent agent
	// is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all agent definitions, ordered by name.
	List(ctx context.Context) ([]AgentDefinition, error)

	// Upsert creates or replaces an agent definition (useful for YAML import).
	// The definition is validated before persistence.
	Upsert(ctx context.Context, def *AgentDefinition) error
}
