package dialog

import (
	"fmt"

	"github.com/voxhaven/voxhaven/pkg/provider/vad"
)

// Segmenter defaults, tuned for the 8 kHz telephony leg.
const (
	DefaultFrameMs        = 30
	DefaultStartFrames    = 3
	DefaultEndFrames      = 27
	DefaultPreSpeechMs    = 150
	DefaultAggressiveness = 2
)

// SegmenterConfig parameterises utterance detection on top of the raw
// per-frame VAD decisions.
type SegmenterConfig struct {
	// SampleRate of the inbound PCM in Hz.
	SampleRate int

	// FrameMs is the VAD frame duration in milliseconds.
	FrameMs int

	// StartFrames is the number of consecutive speech frames that opens an
	// utterance.
	StartFrames int

	// EndFrames is the number of consecutive non-speech frames that closes
	// an utterance. Larger than StartFrames so natural mid-sentence pauses
	// do not end the turn.
	EndFrames int

	// PreSpeechMs bounds the rolling buffer of audio retained before speech
	// is confirmed, so the first syllables are not lost to the debounce.
	PreSpeechMs int

	// Aggressiveness selects the VAD sensitivity level, 0 (most permissive)
	// to 3 (most aggressive). Nil selects DefaultAggressiveness; a pointer
	// because level 0 is a valid choice.
	Aggressiveness *int
}

func (c *SegmenterConfig) applyDefaults() {
	if c.FrameMs <= 0 {
		c.FrameMs = DefaultFrameMs
	}
	if c.StartFrames <= 0 {
		c.StartFrames = DefaultStartFrames
	}
	if c.EndFrames <= 0 {
		c.EndFrames = DefaultEndFrames
	}
	if c.PreSpeechMs <= 0 {
		c.PreSpeechMs = DefaultPreSpeechMs
	}
}

// SegmentEventType discriminates segmenter output events.
type SegmentEventType int

const (
	// SegmentSpeechStart opens an utterance. Flushed carries the pre-speech
	// ring, oldest frame first, including the frames that triggered the
	// start.
	SegmentSpeechStart SegmentEventType = iota

	// SegmentAudio is one confirmed-speech frame to forward to STT.
	SegmentAudio

	// SegmentSpeechEnd closes the utterance.
	SegmentSpeechEnd
)

// SegmentEvent is one utterance-level event derived from the VAD stream.
type SegmentEvent struct {
	Type    SegmentEventType
	Frame   []byte
	Flushed [][]byte
}

// Segmenter turns a raw PCM byte stream into utterance events. It slices
// arbitrary inbound chunks into fixed VAD frames, applies start/end
// debouncing over the per-frame decisions, and keeps a short pre-speech ring
// so the beginning of an utterance survives the start debounce.
//
// Not safe for concurrent use; each session owns one Segmenter.
type Segmenter struct {
	cfg        SegmenterConfig
	handle     vad.SessionHandle
	frameBytes int
	ringFrames int

	pending    []byte
	ring       [][]byte
	active     bool
	speechRun  int
	silenceRun int
}

// NewSegmenter opens a VAD session on engine and returns a segmenter ready
// to accept audio.
func NewSegmenter(engine vad.Engine, cfg SegmenterConfig) (*Segmenter, error) {
	cfg.applyDefaults()
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("segmenter: sample rate must be positive")
	}
	aggressiveness := DefaultAggressiveness
	if cfg.Aggressiveness != nil {
		aggressiveness = *cfg.Aggressiveness
	}
	handle, err := engine.NewSession(vad.Config{
		SampleRate:     cfg.SampleRate,
		FrameSizeMs:    cfg.FrameMs,
		Aggressiveness: aggressiveness,
	})
	if err != nil {
		return nil, fmt.Errorf("segmenter: open vad session: %w", err)
	}
	return &Segmenter{
		cfg:        cfg,
		handle:     handle,
		frameBytes: cfg.SampleRate * cfg.FrameMs / 1000 * 2,
		ringFrames: cfg.PreSpeechMs / cfg.FrameMs,
	}, nil
}

// Push feeds an inbound PCM chunk and returns the utterance events it
// produced. Chunks need not align to frame boundaries; a trailing partial
// frame is buffered until the next call.
func (s *Segmenter) Push(chunk []byte) ([]SegmentEvent, error) {
	s.pending = append(s.pending, chunk...)

	var events []SegmentEvent
	for len(s.pending) >= s.frameBytes {
		frame := s.pending[:s.frameBytes]
		s.pending = s.pending[s.frameBytes:]
		evs, err := s.processFrame(frame)
		if err != nil {
			return events, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (s *Segmenter) processFrame(frame []byte) ([]SegmentEvent, error) {
	decision, err := s.handle.ProcessFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("segmenter: vad: %w", err)
	}

	if !s.active {
		s.push(frame)
		if decision.Speech {
			s.speechRun++
		} else {
			s.speechRun = 0
		}
		if s.speechRun < s.cfg.StartFrames {
			return nil, nil
		}
		s.active = true
		s.speechRun = 0
		s.silenceRun = 0
		flushed := s.ring
		s.ring = nil
		return []SegmentEvent{{Type: SegmentSpeechStart, Flushed: flushed}}, nil
	}

	events := []SegmentEvent{{Type: SegmentAudio, Frame: frame}}
	if decision.Speech {
		s.silenceRun = 0
		return events, nil
	}
	s.silenceRun++
	if s.silenceRun >= s.cfg.EndFrames {
		s.active = false
		s.silenceRun = 0
		events = append(events, SegmentEvent{Type: SegmentSpeechEnd})
	}
	return events, nil
}

// push appends a copy of frame to the pre-speech ring, evicting the oldest
// frame once the ring is full.
func (s *Segmenter) push(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	if len(s.ring) == s.ringFrames {
		s.ring = append(s.ring[1:], cp)
		return
	}
	s.ring = append(s.ring, cp)
}

// Active reports whether an utterance is currently open.
func (s *Segmenter) Active() bool { return s.active }

// Close releases the underlying VAD session.
func (s *Segmenter) Close() error { return s.handle.Close() }
