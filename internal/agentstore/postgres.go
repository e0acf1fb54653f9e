package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the agent_definitions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_definitions (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    voice                JSONB NOT NULL DEFAULT '{}',
    greeting             TEXT NOT NULL DEFAULT '',
    system_prompt        TEXT NOT NULL DEFAULT '',
    tone                 TEXT NOT NULL DEFAULT 'professional',
    llm_model            TEXT NOT NULL DEFAULT '',
    custom_knowledge     TEXT NOT NULL DEFAULT '',
    guardrails_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
    current_date_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    caller_info_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
    timezone             TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_definitions_name ON agent_definitions(name);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
// The voice sub-record is serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// agent_definitions table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("agentstore: migrate: %w", err)
	}
	return nil
}

// Create inserts a new agent definition. It validates the definition and
// returns an error if an agent with the same ID already exists. A missing ID
// is generated.
func (s *PostgresStore) Create(ctx context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	voiceJSON, err := json.Marshal(def.Voice)
	if err != nil {
		return fmt.Errorf("agentstore: marshal voice: %w", err)
	}

	const query = `
		INSERT INTO agent_definitions (
			id, name, voice, greeting, system_prompt, tone, llm_model,
			custom_knowledge, guardrails_enabled, current_date_enabled,
			caller_info_enabled, timezone
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		def.ID, def.Name, voiceJSON, def.Greeting, def.SystemPrompt,
		defaultTone(def.Tone), def.LLMModel, def.CustomKnowledge,
		def.GuardrailsEnabled, def.CurrentDateEnabled, def.CallerInfoEnabled,
		def.Timezone,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("agentstore: agent with id %q already exists", def.ID)
		}
		return fmt.Errorf("agentstore: create: %w", err)
	}
	return nil
}

// Get retrieves an agent definition by ID. It returns (nil, nil) if no agent
// with the given ID exists.
func (s *PostgresStore) Get(ctx context.Context, id string) (*AgentDefinition, error) {
	const query = `
		SELECT id, name, voice, greeting, system_prompt, tone, llm_model,
		       custom_knowledge, guardrails_enabled, current_date_enabled,
		       caller_info_enabled, timezone, created_at, updated_at
		FROM agent_definitions
		WHERE id = $1`

	var def AgentDefinition
	var voiceJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&def.ID, &def.Name, &voiceJSON, &def.Greeting, &def.SystemPrompt,
		&def.Tone, &def.LLMModel, &def.CustomKnowledge,
		&def.GuardrailsEnabled, &def.CurrentDateEnabled, &def.CallerInfoEnabled,
		&def.Timezone, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentstore: get %q: %w", id, err)
	}

	if err := json.Unmarshal(voiceJSON, &def.Voice); err != nil {
		return nil, fmt.Errorf("agentstore: unmarshal voice: %w", err)
	}
	return &def, nil
}

// Update replaces an existing agent definition. It validates the new
// definition and returns an error if the agent is not found.
func (s *PostgresStore) Update(ctx context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	voiceJSON, err := json.Marshal(def.Voice)
	if err != nil {
		return fmt.Errorf("agentstore: marshal voice: %w", err)
	}

	const query = `
		UPDATE agent_definitions SET
			name = $2, voice = $3, greeting = $4, system_prompt = $5,
			tone = $6, llm_model = $7, custom_knowledge = $8,
			guardrails_enabled = $9, current_date_enabled = $10,
			caller_info_enabled = $11, timezone = $12, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		def.ID, def.Name, voiceJSON, def.Greeting, def.SystemPrompt,
		defaultTone(def.Tone), def.LLMModel, def.CustomKnowledge,
		def.GuardrailsEnabled, def.CurrentDateEnabled, def.CallerInfoEnabled,
		def.Timezone,
	).Scan(&def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("agentstore: agent with id %q not found", def.ID)
		}
		return fmt.Errorf("agentstore: update: %w", err)
	}
	return nil
}

// Delete removes an agent definition by ID. Deleting a non-existent agent is
// not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM agent_definitions WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("agentstore: delete %q: %w", id, err)
	}
	return nil
}

// List returns all agent definitions ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]AgentDefinition, error) {
	const query = `
		SELECT id, name, voice, greeting, system_prompt, tone, llm_model,
		       custom_knowledge, guardrails_enabled, current_date_enabled,
		       caller_info_enabled, timezone, created_at, updated_at
		FROM agent_definitions
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	defer rows.Close()

	var defs []AgentDefinition
	for rows.Next() {
		var def AgentDefinition
		var voiceJSON []byte

		if err := rows.Scan(
			&def.ID, &def.Name, &voiceJSON, &def.Greeting, &def.SystemPrompt,
			&def.Tone, &def.LLMModel, &def.CustomKnowledge,
			&def.GuardrailsEnabled, &def.CurrentDateEnabled, &def.CallerInfoEnabled,
			&def.Timezone, &def.CreatedAt, &def.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("agentstore: list scan: %w", err)
		}
		if err := json.Unmarshal(voiceJSON, &def.Voice); err != nil {
			return nil, fmt.Errorf("agentstore: unmarshal voice: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	return defs, nil
}

// Upsert creates or replaces an agent definition. This is useful for
// importing definitions from YAML config files. The definition is validated
// before persistence.
func (s *PostgresStore) Upsert(ctx context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	voiceJSON, err := json.Marshal(def.Voice)
	if err != nil {
		return fmt.Errorf("agentstore: marshal voice: %w", err)
	}

	const query = `
		INSERT INTO agent_definitions (
			id, name, voice, greeting, system_prompt, tone, llm_model,
			custom_knowledge, guardrails_enabled, current_date_enabled,
			caller_info_enabled, timezone
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			voice = EXCLUDED.voice,
			greeting = EXCLUDED.greeting,
			system_prompt = EXCLUDED.system_prompt,
			tone = EXCLUDED.tone,
			llm_model = EXCLUDED.llm_model,
			custom_knowledge = EXCLUDED.custom_knowledge,
			guardrails_enabled = EXCLUDED.guardrails_enabled,
			current_date_enabled = EXCLUDED.current_date_enabled,
			caller_info_enabled = EXCLUDED.caller_info_enabled,
			timezone = EXCLUDED.timezone,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		def.ID, def.Name, voiceJSON, def.Greeting, def.SystemPrompt,
		defaultTone(def.Tone), def.LLMModel, def.CustomKnowledge,
		def.GuardrailsEnabled, def.CurrentDateEnabled, def.CallerInfoEnabled,
		def.Timezone,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agentstore: upsert: %w", err)
	}
	return nil
}

// defaultTone returns the tone value, defaulting to "professional" if empty.
func defaultTone(t string) string {
	if t == "" {
		return "professional"
	}
	return t
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
