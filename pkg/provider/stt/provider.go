// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// a batch Whisper endpoint) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio frames and emits two streams of Transcript values — low-latency
// interims for responsiveness and authoritative finals for the dialog turn.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The telephony ingest leg
	// delivers 8000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if
	// supported.
	Language string

	// InterimResults requests low-latency interim hypotheses on the Partials
	// channel in addition to finals. Providers without interim support
	// silently emit finals only.
	InterimResults bool
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These
	// drive caption display but must not enter the conversation history.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values passed to the LLM and stored in the conversation
	// history. The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Err returns the terminal error of the session, if any. It is only
	// meaningful after both output channels are closed; a non-nil result
	// means the session ended abnormally (connection drop, provider error)
	// rather than through Close.
	Err() error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per caller utterance in the busiest case).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
