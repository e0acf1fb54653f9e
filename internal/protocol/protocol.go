// Package protocol defines the JSON control-frame vocabulary spoken over the
// client WebSocket.
//
// Binary WebSocket frames carry raw PCM audio and never reach this package;
// text frames are JSON objects with a "type" discriminator. Inbound frames are
// parsed into ClientFrame, outbound messages are built as ServerMessage values
// and marshalled by the egress writer.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/voxhaven/voxhaven/pkg/types"
)

// ── Inbound discriminators ────────────────────────────────────────────────────

const (
	// TypeAudioConfig is the handshake frame carrying the input audio format.
	// Required before any binary audio frame.
	TypeAudioConfig = "audio_config"

	// TypeAgentConfig selects the agent record for this session.
	TypeAgentConfig = "agent_config"

	// TypeMessage is a text-only user turn that bypasses STT.
	TypeMessage = "message"

	// TypeInterrupt is an explicit client-requested barge-in.
	TypeInterrupt = "interrupt"

	// TypeCallStarted is informational.
	TypeCallStarted = "call_started"

	// TypePlaybackComplete reports that the client finished playing the last
	// delivered audio chunk.
	TypePlaybackComplete = "audio_playback_complete"
)

// ── Outbound discriminators ───────────────────────────────────────────────────

const (
	TypeUserTranscript    = "user_transcript"
	TypeInterimTranscript = "interim_transcript"
	TypeSpeechStart       = "speech_start"
	TypeSpeechEnd         = "speech_end"
	TypeStreamStart       = "stream_start"
	TypeTextChunk         = "text_chunk"
	TypeAudioChunk        = "audio_chunk"
	TypeStreamComplete    = "stream_complete"
	TypeAgentGreeting     = "agent_greeting"
	TypeGreetingAudio     = "greeting_audio"
	TypeStopAudio         = "stop_audio_immediately"
	TypeError             = "error"
)

// RequiredEncoding is the only input audio encoding the server accepts.
const RequiredEncoding = "LINEAR16"

// RequiredSampleRate is the only input sample rate the server accepts.
const RequiredSampleRate = 8000

// RequiredChannels is the only input channel count the server accepts.
const RequiredChannels = 1

// knownClientTypes is the set of inbound discriminators the server dispatches.
// Anything else is ignored with a warning.
var knownClientTypes = map[string]bool{
	TypeAudioConfig:      true,
	TypeAgentConfig:      true,
	TypeMessage:          true,
	TypeInterrupt:        true,
	TypeCallStarted:      true,
	TypePlaybackComplete: true,
}

// ── ClientFrame ───────────────────────────────────────────────────────────────

// ClientFrame is a parsed inbound control frame. Only the fields relevant to
// the frame's Type are populated; the rest keep their zero values.
type ClientFrame struct {
	Type string `json:"type"`

	// audio_config
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// agent_config
	AgentID string `json:"agent_id,omitempty"`

	// message
	Content      string          `json:"content,omitempty"`
	Conversation []types.Message `json:"conversation,omitempty"`
}

// ParseClientFrame decodes a text frame into a ClientFrame. A missing or empty
// "type" field is a protocol error; an unrecognized type is NOT — callers
// check Known() and log-and-ignore unknown frames.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: malformed control frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("protocol: control frame missing type field")
	}
	return &f, nil
}

// Known reports whether the frame's type is one the server dispatches.
func (f *ClientFrame) Known() bool {
	return knownClientTypes[f.Type]
}

// ValidateAudioConfig checks the handshake parameters against the only format
// the ingest pipeline supports: 8 kHz LINEAR16 mono.
func (f *ClientFrame) ValidateAudioConfig() error {
	if f.Type != TypeAudioConfig {
		return fmt.Errorf("protocol: expected %s frame, got %q", TypeAudioConfig, f.Type)
	}
	if f.SampleRate != RequiredSampleRate {
		return fmt.Errorf("protocol: unsupported sample_rate %d (want %d)", f.SampleRate, RequiredSampleRate)
	}
	if f.Encoding != RequiredEncoding {
		return fmt.Errorf("protocol: unsupported encoding %q (want %s)", f.Encoding, RequiredEncoding)
	}
	if f.Channels != RequiredChannels {
		return fmt.Errorf("protocol: unsupported channels %d (want %d)", f.Channels, RequiredChannels)
	}
	return nil
}

// ── ServerMessage ─────────────────────────────────────────────────────────────

// ServerMessage is an outbound control message. One struct covers the whole
// vocabulary; fields irrelevant to a given Type are omitted from the JSON.
//
// Generation tags the message with the turn generation it belongs to. It is
// used by the egress writer to drop superseded messages and is not part of
// the wire format.
type ServerMessage struct {
	Type string `json:"type"`

	// text_chunk / interim_transcript / user_transcript / agent_greeting /
	// audio_chunk (the text span the audio covers)
	Text string `json:"text,omitempty"`

	// audio_chunk / greeting_audio: opaque path under the artifact endpoint.
	AudioURL string `json:"audio_url,omitempty"`

	// stream_complete
	FullText    string `json:"full_text,omitempty"`
	Interrupted *bool  `json:"interrupted,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// Monotonic session time in seconds.
	Timestamp float64 `json:"timestamp,omitempty"`

	Generation uint64 `json:"-"`
}

// Encode marshals the message for the wire.
func (m *ServerMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", m.Type, err)
	}
	return data, nil
}

// UserTranscript builds the marker carrying the final user utterance text.
func UserTranscript(gen uint64, text string, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeUserTranscript, Text: text, Timestamp: ts, Generation: gen}
}

// InterimTranscript builds a partial-hypothesis marker.
func InterimTranscript(gen uint64, text string, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeInterimTranscript, Text: text, Timestamp: ts, Generation: gen}
}

// SpeechStart builds the voice-activity onset marker.
func SpeechStart(gen uint64, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeSpeechStart, Timestamp: ts, Generation: gen}
}

// SpeechEnd builds the voice-activity offset marker.
func SpeechEnd(gen uint64, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeSpeechEnd, Timestamp: ts, Generation: gen}
}

// StreamStart marks the beginning of an assistant response stream.
func StreamStart(gen uint64, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeStreamStart, Timestamp: ts, Generation: gen}
}

// TextChunk builds an assistant text fragment message.
func TextChunk(gen uint64, text string, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeTextChunk, Text: text, Timestamp: ts, Generation: gen}
}

// AudioChunk builds an audio artifact reference. text is the span of assistant
// text the audio covers.
func AudioChunk(gen uint64, audioURL, text string, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeAudioChunk, AudioURL: audioURL, Text: text, Timestamp: ts, Generation: gen}
}

// StreamComplete closes an assistant response stream. interrupted reports
// whether the stream was cut short by a barge-in.
func StreamComplete(gen uint64, fullText string, interrupted bool, ts float64) *ServerMessage {
	return &ServerMessage{
		Type:        TypeStreamComplete,
		FullText:    fullText,
		Interrupted: &interrupted,
		Timestamp:   ts,
		Generation:  gen,
	}
}

// AgentGreeting builds the greeting text message sent on call start.
func AgentGreeting(gen uint64, text string, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeAgentGreeting, Text: text, Timestamp: ts, Generation: gen}
}

// GreetingAudio builds the synthesised-greeting artifact reference.
func GreetingAudio(gen uint64, audioURL string, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeGreetingAudio, AudioURL: audioURL, Timestamp: ts, Generation: gen}
}

// StopAudio hints the client to abort playback of already-delivered audio.
// gen is the generation that supersedes the stopped content.
func StopAudio(gen uint64, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeStopAudio, Timestamp: ts, Generation: gen}
}

// ErrorMessage surfaces a session error to the client.
func ErrorMessage(gen uint64, kind, msg string, ts float64) *ServerMessage {
	return &ServerMessage{Type: TypeError, Kind: kind, Message: msg, Timestamp: ts, Generation: gen}
}
