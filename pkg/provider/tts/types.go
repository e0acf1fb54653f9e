package tts

import "github.com/voxhaven/voxhaven/pkg/types"

// Request describes a single synthesis unit.
type Request struct {
	// Text is the unit text to render as speech. Must be non-empty.
	Text string

	// Voice selects the voice and speaking rate. Voice.ID must be set;
	// Voice.SpeedFactor of zero means the provider default rate.
	Voice types.VoiceProfile
}

// Result is the synthesised audio for one unit.
type Result struct {
	// Audio is the complete encoded audio payload.
	Audio []byte

	// ContentType is the MIME type of Audio (e.g., "audio/mpeg").
	ContentType string
}
