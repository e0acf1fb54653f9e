// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local Piper instance) and presents a uniform request/response interface.
// Synthesis operates on response units — sentence-sized text chunks produced
// upstream — so each call yields one complete, playable audio artifact. Unit
// granularity keeps first-audio latency low while letting several units
// synthesise concurrently.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/voxhaven/voxhaven/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (several response units of one reply at once).
type Provider interface {
	// Synthesize renders req.Text as speech using req.Voice and returns the
	// complete encoded audio. The call blocks until synthesis finishes or
	// ctx is cancelled; callers enforce per-unit deadlines through ctx.
	//
	// Returns an error if the voice is unknown, the service rejects the
	// request, or ctx expires first.
	Synthesize(ctx context.Context, req Request) (*Result, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
