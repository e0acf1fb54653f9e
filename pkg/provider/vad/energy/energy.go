// Package energy implements a dependency-free VAD engine based on short-term
// frame energy with an adaptive noise floor.
//
// Each frame's RMS energy is compared against a threshold derived from a
// running noise-floor estimate. The floor adapts slowly upward during silence
// and is clamped so sustained speech cannot drag it up. This is deliberately
// simple: for 8 kHz telephony audio with close-talking callers, energy gating
// is robust enough to drive utterance segmentation, and it keeps the ingest
// path free of cgo and model files.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/voxhaven/voxhaven/pkg/provider/vad"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// thresholds pairs a multiplier over the noise floor with an absolute energy
// minimum.
type thresholds struct {
	floorFactor float64
	absoluteMin float64
}

// Aggressiveness levels map to thresholds. Higher levels require louder
// speech relative to the ambient noise before a frame passes as speech.
var levels = [4]thresholds{
	{floorFactor: 1.5, absoluteMin: 0.005},
	{floorFactor: 2.0, absoluteMin: 0.010},
	{floorFactor: 2.5, absoluteMin: 0.015},
	{floorFactor: 3.5, absoluteMin: 0.025},
}

// floorAlpha controls how quickly the noise floor tracks quiet frames.
const floorAlpha = 0.05

// initialFloor seeds the noise-floor estimate before any audio is seen.
const initialFloor = 0.02

// Engine creates energy-based VAD sessions.
type Engine struct{}

// New returns a ready Engine.
func New() *Engine {
	return &Engine{}
}

// NewSession validates cfg and returns a session with a fresh noise floor.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3 {
		return nil, fmt.Errorf("energy: aggressiveness %d out of range [0,3]", cfg.Aggressiveness)
	}
	// 16-bit mono: 2 bytes per sample.
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		frameBytes: frameBytes,
		level:      levels[cfg.Aggressiveness],
		floor:      initialFloor,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu         sync.Mutex
	frameBytes int
	level      thresholds
	floor      float64
	closed     bool
}

// ProcessFrame computes the frame's RMS energy, updates the adaptive noise
// floor on quiet frames, and classifies the frame against the combined
// floor-relative and absolute thresholds.
func (s *session) ProcessFrame(frame []byte) (vad.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Decision{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Decision{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := frameRMS(frame)
	threshold := s.floor * s.level.floorFactor
	if threshold < s.level.absoluteMin {
		threshold = s.level.absoluteMin
	}
	speech := rms > threshold

	if !speech {
		s.floor = (1-floorAlpha)*s.floor + floorAlpha*rms
	}

	return vad.Decision{Speech: speech, Energy: rms}, nil
}

// Reset restores the initial noise floor.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = initialFloor
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// frameRMS returns the root-mean-square amplitude of little-endian 16-bit
// PCM, normalised to [0,1].
func frameRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		v := float64(sample) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
