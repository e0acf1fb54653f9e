// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech classifier and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (noise floor estimate, smoothing history) so that multiple concurrent audio
// streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// per-frame classification. Utterance-level decisions (speech start after a
// run of speech frames, speech end after a run of silence) belong to the
// caller, which applies its own debouncing on top of the raw classifications.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. The
	// classifier operates on fixed frame sizes; ProcessFrame returns an error
	// if the supplied frame does not match this size.
	FrameSizeMs int

	// Aggressiveness tunes how readily frames are classified as non-speech,
	// from 0 (least aggressive, most frames pass as speech) to 3 (most
	// aggressive). Default: 2.
	Aggressiveness int
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own state; Reset clears
// this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame as speech or non-speech.
	// The frame must be raw little-endian 16-bit PCM at the SampleRate and
	// FrameSizeMs configured when the session was created. Returns an error
	// if the frame size is wrong or if the engine encounters an internal
	// failure.
	//
	// This method is called synchronously in the ingest loop; it must not
	// block.
	ProcessFrame(frame []byte) (Decision, error)

	// Reset clears all accumulated state (noise floor, smoothing history)
	// without closing the session. Use this when the audio stream is
	// interrupted or restarted so stale state from the previous segment does
	// not affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame and Reset must return errors or be no-ops. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (unsupported sample
	// rate, frame size, or aggressiveness out of range) or if the engine
	// cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
