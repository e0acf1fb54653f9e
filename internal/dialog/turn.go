package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxhaven/voxhaven/internal/artifact"
	"github.com/voxhaven/voxhaven/internal/observe"
	"github.com/voxhaven/voxhaven/internal/protocol"
	"github.com/voxhaven/voxhaven/pkg/provider/llm"
	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	"github.com/voxhaven/voxhaven/pkg/types"
)

// Turn pipeline defaults.
const (
	DefaultLLMStartTimeout = 30 * time.Second
	DefaultTTSUnitTimeout  = 20 * time.Second
	DefaultTTSConcurrency  = 3
)

// TurnConfig parameterises one assistant turn's generation pipeline.
type TurnConfig struct {
	// LLMStartTimeout bounds the wait for the first LLM fragment.
	LLMStartTimeout time.Duration

	// TTSUnitTimeout bounds the synthesis of a single unit.
	TTSUnitTimeout time.Duration

	// TTSConcurrency caps how many units synthesise in parallel.
	TTSConcurrency int

	// UnitRuneCap is the soft cap on synthesis unit length.
	UnitRuneCap int

	// ArtifactPrefix is the URL path prefix under which cached audio is
	// served, e.g. "/audio/".
	ArtifactPrefix string
}

func (c *TurnConfig) applyDefaults() {
	if c.LLMStartTimeout <= 0 {
		c.LLMStartTimeout = DefaultLLMStartTimeout
	}
	if c.TTSUnitTimeout <= 0 {
		c.TTSUnitTimeout = DefaultTTSUnitTimeout
	}
	if c.TTSConcurrency <= 0 {
		c.TTSConcurrency = DefaultTTSConcurrency
	}
	if c.ArtifactPrefix == "" {
		c.ArtifactPrefix = "/audio/"
	}
}

// turnRunner executes one assistant turn: it streams the LLM reply, relays
// text fragments, chunks them into synthesis units, fans the units out to
// TTS under a concurrency cap, and emits audio markers in unit order.
type turnRunner struct {
	cfg       TurnConfig
	gen       uint64
	sessionID string
	voice     types.VoiceProfile

	llm     llm.Provider
	tts     tts.Provider
	store   *artifact.Store
	egress  *Egress
	clock   func() float64
	metrics *observe.Metrics
	text    *turnText
}

// turnText accumulates the reply fragments already relayed toward the
// client. The controller reads it when a barge-in lands, so an interrupted
// turn settles its history without waiting for the runner to unwind. A
// fragment is recorded before it is enqueued on the egress.
type turnText struct {
	mu sync.Mutex
	b  strings.Builder
}

func (t *turnText) append(s string) {
	t.mu.Lock()
	t.b.WriteString(s)
	t.mu.Unlock()
}

func (t *turnText) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}

// turnResult is what the controller needs to finish the turn: the full reply
// text for history and stream_complete, and how the turn ended.
type turnResult struct {
	fullText    string
	interrupted bool
	partial     bool
	err         *Error
}

// synthOut is one unit's synthesis outcome, delivered to the collector.
type synthOut struct {
	unit     Unit
	audioURL string
	err      error
}

// run drives the turn to completion or cancellation. It emits stream_start,
// text_chunk, and audio_chunk markers through the egress; the caller emits
// user_transcript before and stream_complete after.
func (r *turnRunner) run(ctx context.Context, req llm.CompletionRequest) turnResult {
	r.cfg.applyDefaults()
	if r.text == nil {
		r.text = &turnText{}
	}
	llmStart := time.Now()

	stream, err := r.llm.StreamCompletion(ctx, req)
	if err != nil {
		return turnResult{err: newError(KindLLMFailed, err)}
	}

	r.egress.Send(protocol.StreamStart(r.gen, r.clock()))

	// Dispatcher/collector: units enter synthesis as soon as they complete,
	// several at a time, but audio markers leave in unit order.
	sem := semaphore.NewWeighted(int64(r.cfg.TTSConcurrency))
	order := make(chan chan synthOut, 64)
	collectorDone := make(chan struct{})
	go r.collect(order, collectorDone)

	chunker := NewChunker(r.cfg.UnitRuneCap)
	result := turnResult{}

	// First unit whose text never reached the client, or -1. Audio is
	// suppressed from that unit onward: the ordering contract delivers the
	// words of a unit before its voice.
	textLost := -1

	submit := func(u Unit) {
		if textLost >= 0 && u.Index >= textLost {
			return
		}
		ch := make(chan synthOut, 1)
		order <- ch
		go r.synthesize(ctx, sem, u, ch)
	}

	startTimer := time.NewTimer(r.cfg.LLMStartTimeout)
	defer startTimer.Stop()
	started := false

stream:
	for {
		var timeout <-chan time.Time
		if !started {
			timeout = startTimer.C
		}
		select {
		case <-ctx.Done():
			result.interrupted = true
			break stream
		case <-timeout:
			result.err = newError(KindTimeoutLLMStart, fmt.Errorf("no fragment within %s", r.cfg.LLMStartTimeout))
			break stream
		case chunk, ok := <-stream:
			if !ok {
				if tail := chunker.Flush(); tail != nil {
					submit(*tail)
				}
				break stream
			}
			if chunk.FinishReason == "error" {
				// Mid-stream provider failure: the received prefix stands as
				// the reply. Text on a failure chunk is diagnostic, never
				// reply content, so it is neither relayed nor stored.
				slog.Warn("llm stream failed mid-turn",
					"session", r.sessionID, "generation", r.gen, "error", chunk.Err)
				result.partial = true
				if tail := chunker.Flush(); tail != nil {
					submit(*tail)
				}
				break stream
			}
			if chunk.Text != "" {
				if !started {
					started = true
					r.metrics.LLMFirstToken.Record(ctx, time.Since(llmStart).Seconds())
				}
				r.text.append(chunk.Text)
				if !r.egress.Send(protocol.TextChunk(r.gen, chunk.Text, r.clock())) && textLost < 0 {
					textLost = chunker.NextIndex()
					slog.Warn("text chunk dropped, suppressing audio from unit",
						"session", r.sessionID, "generation", r.gen, "unit", textLost)
				}
				for _, u := range chunker.Write(chunk.Text) {
					submit(u)
				}
			}
		}
	}

	close(order)
	<-collectorDone

	result.fullText = r.text.String()
	if result.interrupted || result.err != nil {
		// No tail flush happened on these paths; synthesis of queued units
		// was cancelled with ctx. Emitted text still counts.
		return result
	}
	return result
}

// synthesize renders one unit and stores the audio artifact. The slot
// semaphore caps concurrency; the per-unit deadline starts once the slot is
// held.
func (r *turnRunner) synthesize(ctx context.Context, sem *semaphore.Weighted, u Unit, out chan<- synthOut) {
	if err := sem.Acquire(ctx, 1); err != nil {
		out <- synthOut{unit: u, err: err}
		return
	}
	defer sem.Release(1)

	if strings.TrimSpace(u.Text) == "" {
		out <- synthOut{unit: u}
		return
	}

	unitCtx, cancel := context.WithTimeout(ctx, r.cfg.TTSUnitTimeout)
	defer cancel()

	synthStart := time.Now()
	res, err := r.tts.Synthesize(unitCtx, tts.Request{Text: u.Text, Voice: r.voice})
	r.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
	if err != nil {
		out <- synthOut{unit: u, err: err}
		return
	}
	id, err := r.store.Put(r.sessionID, res.Audio, res.ContentType)
	if err != nil {
		out <- synthOut{unit: u, err: fmt.Errorf("cache artifact: %w", err)}
		return
	}
	out <- synthOut{unit: u, audioURL: r.cfg.ArtifactPrefix + id}
}

// collect emits audio markers in unit order. A failed unit produces a
// non-fatal warning instead of an audio_chunk; its text was already
// delivered, so the client keeps the words and only loses the voice.
func (r *turnRunner) collect(order <-chan chan synthOut, done chan<- struct{}) {
	defer close(done)
	for ch := range order {
		out := <-ch
		switch {
		case out.err != nil:
			if errors.Is(out.err, context.Canceled) {
				continue
			}
			kind := KindTTSFailed
			if errors.Is(out.err, context.DeadlineExceeded) {
				kind = KindTimeoutTTSUnit
			}
			slog.Warn("unit synthesis failed",
				"session", r.sessionID, "generation", r.gen, "unit", out.unit.Index, "error", out.err)
			r.egress.Send(protocol.ErrorMessage(r.gen, string(kind), "audio unavailable for part of the reply", r.clock()))
		case out.audioURL != "":
			r.egress.Send(protocol.AudioChunk(r.gen, out.audioURL, out.unit.Text, r.clock()))
		}
	}
}
