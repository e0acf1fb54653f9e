// Package types defines the shared types used across all Voxhaven packages.
//
// These types form the lingua franca between the provider adapters, the dialog
// core, and the server. They are intentionally minimal — each package defines
// its own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// AudioFrame represents a single frame of caller audio flowing through the
// ingest pipeline. Frames are the atomic unit of audio transport — sliced from
// the inbound byte stream, classified by VAD, and forwarded to STT.
type AudioFrame struct {
	// PCM audio data, little-endian signed 16-bit mono.
	Data []byte

	// SampleRate in Hz. The telephony ingest leg is 8000.
	SampleRate int

	// Timestamp marks when this frame was received, relative to session start.
	Timestamp time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5-2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}
