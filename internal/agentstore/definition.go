// Package agentstore provides persistent storage and management for voice
// agent definitions. An [AgentDefinition] is the full declarative
// configuration for a dialog agent — persona, voice, greeting, knowledge, and
// context-injection flags — and can be loaded from YAML config files, stored
// in a PostgreSQL database, or held in memory.
//
// The primary abstraction is the [Store] interface, which offers CRUD and
// list operations. [MemoryStore] backs single-process deployments and tests;
// [PostgresStore] persists definitions in a single agent_definitions table
// using JSONB for the voice sub-record.
package agentstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voxhaven/voxhaven/pkg/types"
)

// AgentDefinition is the full declarative configuration for a dialog agent.
type AgentDefinition struct {
	// ID is the unique identifier for this agent definition.
	ID string `yaml:"id" json:"id"`

	// Name is the agent's display name (e.g., "Support Desk").
	Name string `yaml:"name" json:"name"`

	// Voice configures the TTS voice used for this agent.
	Voice VoiceConfig `yaml:"voice" json:"voice"`

	// Greeting is the text spoken when a call starts. Empty disables the
	// greeting flow.
	Greeting string `yaml:"greeting" json:"greeting"`

	// SystemPrompt is the base instruction text for the LLM.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// Tone selects a conversational register preset: "professional",
	// "friendly", or "casual". Empty defaults to "professional".
	Tone string `yaml:"tone" json:"tone"`

	// LLMModel overrides the provider's default model for this agent.
	LLMModel string `yaml:"llm_model" json:"llm_model"`

	// CustomKnowledge is free-text domain knowledge injected into the prompt.
	CustomKnowledge string `yaml:"custom_knowledge" json:"custom_knowledge"`

	// GuardrailsEnabled restricts answers to CustomKnowledge content.
	GuardrailsEnabled bool `yaml:"guardrails_enabled" json:"guardrails_enabled"`

	// CurrentDateEnabled injects the current date/time into the prompt.
	CurrentDateEnabled bool `yaml:"current_date_enabled" json:"current_date_enabled"`

	// CallerInfoEnabled injects caller metadata into the prompt when known.
	CallerInfoEnabled bool `yaml:"caller_info_enabled" json:"caller_info_enabled"`

	// Timezone is the IANA zone used when CurrentDateEnabled is set
	// (e.g., "Europe/Berlin"). Empty means UTC.
	Timezone string `yaml:"timezone" json:"timezone"`

	// CreatedAt is the time the definition was first persisted.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is the time the definition was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// VoiceConfig describes the TTS voice configuration for an agent.
type VoiceConfig struct {
	// Provider identifies which TTS provider to use (e.g., "elevenlabs", "coqui").
	Provider string `yaml:"provider" json:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id" json:"voice_id"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = normal speed).
	// A zero value means "use provider default".
	SpeedFactor float64 `yaml:"speed_factor" json:"speed_factor"`
}

// validTones is the set of accepted Tone values.
var validTones = map[string]struct{}{
	"":             {}, // empty defaults to "professional"
	"professional": {},
	"friendly":     {},
	"casual":       {},
}

// toneInstructions maps each tone preset to its prompt clause.
var toneInstructions = map[string]string{
	"professional": "Maintain a professional, courteous tone.",
	"friendly":     "Be warm and friendly, like talking to a good acquaintance.",
	"casual":       "Keep it casual and relaxed; contractions and informal phrasing are fine.",
}

// Validate checks the AgentDefinition for logical consistency. It returns a
// joined error describing every violation found, or nil if the definition is
// valid.
func (d *AgentDefinition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, fmt.Errorf("agentstore: name must not be empty"))
	}

	if _, ok := validTones[d.Tone]; !ok {
		errs = append(errs, fmt.Errorf("agentstore: tone must be \"professional\", \"friendly\", or \"casual\", got %q", d.Tone))
	}

	if d.Voice.SpeedFactor != 0 && (d.Voice.SpeedFactor < 0.5 || d.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("agentstore: voice speed_factor must be in [0.5, 2.0], got %g", d.Voice.SpeedFactor))
	}

	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("agentstore: invalid timezone %q", d.Timezone))
		}
	}

	return errors.Join(errs...)
}

// VoiceProfile converts the voice sub-record into the runtime profile used by
// TTS providers.
func (d *AgentDefinition) VoiceProfile() types.VoiceProfile {
	return types.VoiceProfile{
		ID:          d.Voice.VoiceID,
		Name:        d.Name,
		Provider:    d.Voice.Provider,
		SpeedFactor: d.Voice.SpeedFactor,
	}
}

// PromptContext carries the per-session dynamic values available for prompt
// composition.
type PromptContext struct {
	// Now is the session's wall-clock reference. Zero disables date injection
	// regardless of the agent's flag.
	Now time.Time

	// CallerInfo is free-text caller metadata (number, account, etc.).
	CallerInfo string
}

// ComposeSystemPrompt assembles the full system prompt from the agent's base
// prompt, tone preset, knowledge text, guardrail flag, and the dynamic
// context the agent opted into.
func (d *AgentDefinition) ComposeSystemPrompt(pc PromptContext) string {
	var b strings.Builder

	base := strings.TrimSpace(d.SystemPrompt)
	if base == "" {
		base = fmt.Sprintf("You are %s, a helpful voice assistant.", d.Name)
	}
	b.WriteString(base)

	tone := d.Tone
	if tone == "" {
		tone = "professional"
	}
	if instr, ok := toneInstructions[tone]; ok {
		b.WriteString("\n\n")
		b.WriteString(instr)
	}

	// Spoken output: the LLM's text goes straight to TTS.
	b.WriteString("\n\nYour responses are spoken aloud. Keep them concise and natural to say. Do not use markdown, lists, or other visual formatting.")

	if k := strings.TrimSpace(d.CustomKnowledge); k != "" {
		b.WriteString("\n\nReference knowledge:\n")
		b.WriteString(k)
		if d.GuardrailsEnabled {
			b.WriteString("\n\nOnly answer questions covered by the reference knowledge above. If a question falls outside it, say you cannot help with that.")
		}
	}

	if d.CurrentDateEnabled && !pc.Now.IsZero() {
		loc := time.UTC
		if d.Timezone != "" {
			if l, err := time.LoadLocation(d.Timezone); err == nil {
				loc = l
			}
		}
		b.WriteString("\n\nCurrent date and time: ")
		b.WriteString(pc.Now.In(loc).Format("Monday, 2 January 2006, 15:04 MST"))
	}

	if d.CallerInfoEnabled && pc.CallerInfo != "" {
		b.WriteString("\n\nCaller information: ")
		b.WriteString(pc.CallerInfo)
	}

	return b.String()
}
