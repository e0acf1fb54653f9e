package vad

// Decision is the classification result for a single audio frame.
type Decision struct {
	// Speech is true when the frame is classified as containing speech.
	Speech bool

	// Energy is the normalised frame energy (0.0-1.0) that informed the
	// decision. Useful for diagnostics and tuning.
	Energy float64
}
