// Package dialog implements the real-time voice dialog pipeline: VAD
// segmentation, turn control, LLM streaming, response chunking, synthesis
// fan-out, and the single-writer egress to the client.
package dialog

import "fmt"

// ErrorKind classifies dialog errors for the client-facing error marker and
// for the controller's fatality decision.
type ErrorKind string

const (
	// KindProtocol is a malformed or unexpected control frame. Fatal to the
	// session.
	KindProtocol ErrorKind = "protocol_error"

	// KindSTTFailed is a transcription stream failure mid-utterance. The turn
	// is abandoned; dialog history is unchanged.
	KindSTTFailed ErrorKind = "stt_failed"

	// KindLLMFailed is a completion failure before any text was produced.
	KindLLMFailed ErrorKind = "llm_failed"

	// KindLLMPartial is a provider error mid-stream after some text was
	// emitted. Treated like a normal completion of the received prefix.
	KindLLMPartial ErrorKind = "llm_partial_failure"

	// KindTTSFailed is a synthesis failure for a single unit. Non-fatal; the
	// unit's text was already delivered and later units continue.
	KindTTSFailed ErrorKind = "tts_failed"

	// KindProviderFatal is an authentication or quota failure.
	// Non-recoverable for the session.
	KindProviderFatal ErrorKind = "provider_fatal"

	// KindTimeoutLLMStart fires when the LLM produces no fragment within the
	// per-turn start timeout.
	KindTimeoutLLMStart ErrorKind = "timeout_llm_start"

	// KindTimeoutTTSUnit fires when a single unit's synthesis exceeds its
	// deadline.
	KindTimeoutTTSUnit ErrorKind = "timeout_tts_unit"

	// KindTimeoutSTTInactive fires when no transcript activity occurs during
	// LISTENING within the inactivity window.
	KindTimeoutSTTInactive ErrorKind = "timeout_stt_inactive"

	// KindTimeoutIdle fires when the session sees no audio or control frames
	// for the idle window. Fatal: the session closes.
	KindTimeoutIdle ErrorKind = "timeout_idle_session"
)

// Fatal reports whether an error of this kind ends the session. Everything
// else surfaces an error marker and returns the session to IDLE with dialog
// history unchanged for the failed turn.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindProtocol, KindProviderFatal, KindTimeoutIdle:
		return true
	}
	return false
}

// Error pairs an ErrorKind with its cause for propagation from worker tasks
// up to the turn controller.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err under kind.
func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
