package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxhaven/voxhaven/internal/agentstore"
	"github.com/voxhaven/voxhaven/internal/artifact"
	"github.com/voxhaven/voxhaven/internal/observe"
	"github.com/voxhaven/voxhaven/internal/protocol"
	"github.com/voxhaven/voxhaven/pkg/provider/llm"
	"github.com/voxhaven/voxhaven/pkg/provider/stt"
	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	"github.com/voxhaven/voxhaven/pkg/provider/vad"
	"github.com/voxhaven/voxhaven/pkg/types"
)

// Session lifecycle defaults.
const (
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSTTInactivity = 60 * time.Second
)

// State is the session's dialog state.
type State int

const (
	// StateIdle: no utterance open, no turn running.
	StateIdle State = iota

	// StateListening: an utterance is open and streaming to STT.
	StateListening

	// StateGenerating: an assistant turn is producing output.
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateGenerating:
		return "generating"
	}
	return "unknown"
}

// Providers bundles the external services one session speaks to.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// SessionConfig parameterises a Session.
type SessionConfig struct {
	// ID identifies the session; it prefixes all artifact ids.
	ID string

	// Language is the BCP-47 recognition language hint. Empty lets the STT
	// provider auto-detect.
	Language string

	// IdleTimeout closes the session after this long without any inbound
	// audio or control frame.
	IdleTimeout time.Duration

	// STTInactivity abandons an open utterance after this long without any
	// transcript activity.
	STTInactivity time.Duration

	// EgressQueue bounds the outbound message queue.
	EgressQueue int

	// Metrics receives turn and barge-in counters. Nil uses the package
	// default instruments.
	Metrics *observe.Metrics

	Segmenter SegmenterConfig
	Turn      TurnConfig
}

func (c *SessionConfig) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.STTInactivity <= 0 {
		c.STTInactivity = DefaultSTTInactivity
	}
	if c.Segmenter.SampleRate <= 0 {
		c.Segmenter.SampleRate = protocol.RequiredSampleRate
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	c.Turn.applyDefaults()
}

// event is one item on the session's serialised event loop. Exactly one of
// the payload fields is meaningful per kind. STT events carry the utterance
// they belong to; turn events carry the generation.
type event struct {
	kind eventKind

	chunk      []byte
	frame      *protocol.ClientFrame
	transcript stt.Transcript
	utt        *utterance
	gen        uint64
	sttErr     error
	turn       turnResult
}

type eventKind int

const (
	evAudio eventKind = iota
	evControl
	evTranscript
	evSTTClosed
	evTurnDone
)

// utterance tracks one open STT exchange from speech start to final.
type utterance struct {
	handle  stt.SessionHandle
	ended   bool   // speech_end seen, awaiting final
	endedAt time.Time
	final   string // final transcript, if it arrived before speech_end
	got     bool
}

// turnState tracks the running assistant turn.
type turnState struct {
	gen       uint64
	cancel    context.CancelFunc
	histLen   int // history length before the user message was appended
	startedAt time.Time
	text      *turnText // fragments already relayed, shared with the runner
}

// Session is the per-connection dialog controller. All state transitions run
// on a single event loop; the WebSocket read loop feeds it through
// HandleAudio and HandleControl, provider callbacks arrive on the same
// channel.
type Session struct {
	cfg       SessionConfig
	agent     *agentstore.AgentDefinition
	agents    agentstore.Store
	providers Providers
	store     *artifact.Store

	gen    Generation
	egress *Egress
	seg    *Segmenter

	start time.Time
	state State
	utt   *utterance
	prev  *utterance // ended before its final arrived, displaced by new speech
	turn  *turnState

	histMu  sync.Mutex
	history []types.Message

	configured bool
	runCtx     context.Context

	events chan event
	closed chan struct{}
}

// NewSession wires a session to the client's write side and its providers.
func NewSession(w TransportWriter, providers Providers, agents agentstore.Store, store *artifact.Store, cfg SessionConfig) (*Session, error) {
	cfg.applyDefaults()
	if cfg.ID == "" {
		return nil, fmt.Errorf("dialog: session id is required")
	}
	s := &Session{
		cfg:       cfg,
		agents:    agents,
		providers: providers,
		store:     store,
		start:     time.Now(),
		events:    make(chan event, 64),
		closed:    make(chan struct{}),
	}
	s.egress = NewEgress(w, &s.gen, cfg.EgressQueue)

	seg, err := NewSegmenter(providers.VAD, cfg.Segmenter)
	if err != nil {
		return nil, err
	}
	s.seg = seg
	return s, nil
}

// now returns monotonic session time in seconds.
func (s *Session) now() float64 { return time.Since(s.start).Seconds() }

// HandleAudio enqueues a binary PCM chunk from the read loop. It blocks only
// while the event loop is saturated; a closed session discards input.
func (s *Session) HandleAudio(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case s.events <- event{kind: evAudio, chunk: cp}:
	case <-s.closed:
	}
}

// HandleControl enqueues a parsed text frame from the read loop.
func (s *Session) HandleControl(frame *protocol.ClientFrame) {
	select {
	case s.events <- event{kind: evControl, frame: frame}:
	case <-s.closed:
	}
}

// Run drives the session until the context is cancelled, the idle timeout
// fires, or a fatal error occurs. It owns the egress writer; when Run
// returns, all queued messages have been delivered or abandoned.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The egress drains independently of loop cancellation so that a final
	// error marker still reaches the client.
	egressCtx := context.WithoutCancel(ctx)
	g.Go(func() error { return s.egress.Run(egressCtx) })
	g.Go(func() error {
		defer s.egress.Close()
		return s.loop(gctx)
	})

	err := g.Wait()
	s.cleanup()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cleanup releases everything the session holds. Called once after the loop
// exits.
func (s *Session) cleanup() {
	close(s.closed)
	if s.turn != nil {
		s.turn.cancel()
	}
	if s.utt != nil && s.utt.handle != nil {
		s.utt.handle.Close()
	}
	s.seg.Close()
	s.store.DropSession(s.cfg.ID)
	slog.Info("session closed", "session", s.cfg.ID, "turns", s.gen.Current())
}

// loop is the single-threaded state machine.
func (s *Session) loop(ctx context.Context) error {
	s.runCtx = ctx

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	sttIdle := time.NewTimer(s.cfg.STTInactivity)
	sttIdle.Stop()
	defer sttIdle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			s.sendError(newError(KindTimeoutIdle, fmt.Errorf("no activity for %s", s.cfg.IdleTimeout)))
			return newError(KindTimeoutIdle, nil)

		case <-sttIdle.C:
			if s.utt != nil {
				s.abandonUtterance(newError(KindTimeoutSTTInactive,
					fmt.Errorf("no transcript activity for %s", s.cfg.STTInactivity)))
			}

		case ev := <-s.events:
			switch ev.kind {
			case evAudio, evControl:
				resetTimer(idle, s.cfg.IdleTimeout)
			}

			var err *Error
			switch ev.kind {
			case evAudio:
				err = s.onAudio(ev.chunk, sttIdle)
			case evControl:
				err = s.onControl(ev.frame)
			case evTranscript:
				s.onTranscript(ev.transcript, ev.utt, sttIdle)
			case evSTTClosed:
				s.onSTTClosed(ev.utt, ev.sttErr)
			case evTurnDone:
				s.onTurnDone(ev.gen, ev.turn)
			}
			if err != nil {
				s.sendError(err)
				if err.Kind.Fatal() {
					return err
				}
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// sendError surfaces an error marker. Session-scoped, so it is never dropped
// as stale.
func (s *Session) sendError(err *Error) {
	slog.Warn("session error", "session", s.cfg.ID, "kind", err.Kind, "error", err.Err)
	s.egress.Send(protocol.ErrorMessage(0, string(err.Kind), err.Error(), s.now()))
}

// ── Inbound handling ─────────────────────────────────────────────────────────

func (s *Session) onAudio(chunk []byte, sttIdle *time.Timer) *Error {
	if !s.configured {
		return newError(KindProtocol, fmt.Errorf("binary audio before audio_config"))
	}
	events, err := s.seg.Push(chunk)
	if err != nil {
		slog.Warn("vad frame dropped", "session", s.cfg.ID, "error", err)
	}
	for _, ev := range events {
		switch ev.Type {
		case SegmentSpeechStart:
			s.onSpeechStart(ev.Flushed, sttIdle)
		case SegmentAudio:
			if s.utt != nil && s.utt.handle != nil && !s.utt.ended {
				if err := s.utt.handle.SendAudio(ev.Frame); err != nil {
					slog.Warn("stt send failed", "session", s.cfg.ID, "error", err)
				}
			}
		case SegmentSpeechEnd:
			s.onSpeechEnd(sttIdle)
		}
	}
	return nil
}

func (s *Session) onControl(frame *protocol.ClientFrame) *Error {
	if !frame.Known() {
		slog.Warn("ignoring unknown control frame", "session", s.cfg.ID, "type", frame.Type)
		return nil
	}
	switch frame.Type {
	case protocol.TypeAudioConfig:
		if err := frame.ValidateAudioConfig(); err != nil {
			return newError(KindProtocol, err)
		}
		s.configured = true
		slog.Info("audio configured", "session", s.cfg.ID,
			"sample_rate", frame.SampleRate, "encoding", frame.Encoding)

	case protocol.TypeAgentConfig:
		return s.onAgentConfig(frame.AgentID)

	case protocol.TypeMessage:
		s.onTextMessage(frame)

	case protocol.TypeInterrupt:
		if s.state == StateGenerating {
			slog.Info("client interrupt", "session", s.cfg.ID, "generation", s.gen.Current())
			s.cfg.Metrics.RecordBargeIn(s.runCtx, "client")
			s.interruptTurn()
			s.state = StateIdle
		}

	case protocol.TypeCallStarted:
		slog.Info("call started", "session", s.cfg.ID)

	case protocol.TypePlaybackComplete:
		slog.Debug("playback complete", "session", s.cfg.ID, "at", s.now())
	}
	return nil
}

// onAgentConfig resolves the agent record and kicks off the greeting.
func (s *Session) onAgentConfig(agentID string) *Error {
	if s.agents == nil {
		return newError(KindProtocol, fmt.Errorf("no agent store configured"))
	}
	def, err := s.agents.Get(s.runCtx, agentID)
	if err != nil {
		return newError(KindProviderFatal, fmt.Errorf("load agent %q: %w", agentID, err))
	}
	if def == nil {
		return newError(KindProtocol, fmt.Errorf("unknown agent %q", agentID))
	}
	s.agent = def
	slog.Info("agent selected", "session", s.cfg.ID, "agent", def.ID, "name", def.Name)

	if def.Greeting == "" {
		return nil
	}
	s.egress.Send(protocol.AgentGreeting(0, def.Greeting, s.now()))
	go s.synthesizeGreeting(def)
	return nil
}

// synthesizeGreeting renders the greeting off the event loop; greeting audio
// is best-effort.
func (s *Session) synthesizeGreeting(def *agentstore.AgentDefinition) {
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.Turn.TTSUnitTimeout)
	defer cancel()

	res, err := s.providers.TTS.Synthesize(ctx, tts.Request{Text: def.Greeting, Voice: def.VoiceProfile()})
	if err != nil {
		slog.Warn("greeting synthesis failed", "session", s.cfg.ID, "agent", def.ID, "error", err)
		return
	}
	id, err := s.store.Put(s.cfg.ID, res.Audio, res.ContentType)
	if err != nil {
		slog.Warn("greeting artifact failed", "session", s.cfg.ID, "error", err)
		return
	}
	s.egress.Send(protocol.GreetingAudio(0, s.cfg.Turn.ArtifactPrefix+id, s.now()))
}

// onTextMessage handles a text-only user turn that bypasses STT. A supplied
// conversation replaces the server-side history first.
func (s *Session) onTextMessage(frame *protocol.ClientFrame) {
	if s.state == StateGenerating {
		s.interruptTurn()
	}
	if frame.Conversation != nil {
		s.histMu.Lock()
		s.history = append(s.history[:0], frame.Conversation...)
		s.histMu.Unlock()
	}
	text := strings.TrimSpace(frame.Content)
	if text == "" {
		s.state = StateIdle
		return
	}
	s.startTurn(text)
}

// ── Utterance lifecycle ──────────────────────────────────────────────────────

func (s *Session) onSpeechStart(flushed [][]byte, sttIdle *time.Timer) {
	if s.state == StateGenerating {
		slog.Info("barge-in", "session", s.cfg.ID, "generation", s.gen.Current())
		s.cfg.Metrics.RecordBargeIn(s.runCtx, "speech")
		s.interruptTurn()
	}
	if s.utt != nil && s.utt.ended && !s.utt.got {
		// Speech resumed before the previous utterance's final transcript
		// arrived. Carry it over so a late final still commits ahead of the
		// new utterance instead of vanishing.
		if s.prev != nil {
			slog.Debug("dropping unresolved utterance", "session", s.cfg.ID)
		}
		s.prev = s.utt
		s.utt = nil
	}
	s.egress.Send(protocol.SpeechStart(0, s.now()))

	handle, err := s.providers.STT.StartStream(s.runCtx, stt.StreamConfig{
		SampleRate:     s.cfg.Segmenter.SampleRate,
		Channels:       protocol.RequiredChannels,
		Language:       s.cfg.Language,
		InterimResults: true,
	})
	if err != nil {
		s.sendError(newError(KindSTTFailed, err))
		s.state = StateIdle
		return
	}

	s.utt = &utterance{handle: handle}
	s.state = StateListening
	resetTimer(sttIdle, s.cfg.STTInactivity)

	for _, frame := range flushed {
		if err := handle.SendAudio(frame); err != nil {
			slog.Warn("stt ring flush failed", "session", s.cfg.ID, "error", err)
			break
		}
	}
	go s.pumpTranscripts(s.utt)
}

// pumpTranscripts forwards the STT session's output onto the event loop and
// reports stream closure.
func (s *Session) pumpTranscripts(u *utterance) {
	partials, finals := u.handle.Partials(), u.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.postTranscript(t, u)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.postTranscript(t, u)
		}
	}
	select {
	case s.events <- event{kind: evSTTClosed, utt: u, sttErr: u.handle.Err()}:
	case <-s.closed:
	}
}

func (s *Session) postTranscript(t stt.Transcript, u *utterance) {
	select {
	case s.events <- event{kind: evTranscript, transcript: t, utt: u}:
	case <-s.closed:
	}
}

func (s *Session) onSpeechEnd(sttIdle *time.Timer) {
	s.egress.Send(protocol.SpeechEnd(0, s.now()))
	if s.utt == nil {
		return
	}
	s.utt.ended = true
	s.utt.endedAt = time.Now()
	// Closing flushes buffered audio; the provider delivers the final
	// transcript before the channels close.
	s.utt.handle.Close()
	if s.utt.got {
		final := s.utt.final
		s.cfg.Metrics.STTDuration.Record(s.runCtx, time.Since(s.utt.endedAt).Seconds())
		s.finishUtterance(sttIdle)
		s.commitUserTurn(final)
	}
}

func (s *Session) onTranscript(t stt.Transcript, u *utterance, sttIdle *time.Timer) {
	if u == s.prev && u != nil {
		s.onPrevFinal(t)
		return
	}
	if s.utt == nil || u != s.utt {
		slog.Debug("discarding late transcript", "session", s.cfg.ID, "final", t.IsFinal)
		return
	}
	resetTimer(sttIdle, s.cfg.STTInactivity)

	if !t.IsFinal {
		if t.Text != "" {
			s.egress.Send(protocol.InterimTranscript(0, t.Text, s.now()))
		}
		return
	}

	if !s.utt.ended {
		// Final arrived ahead of the segmenter's end-of-speech; hold it
		// until the utterance closes.
		s.utt.final = t.Text
		s.utt.got = true
		return
	}
	final := t.Text
	s.cfg.Metrics.STTDuration.Record(s.runCtx, time.Since(s.utt.endedAt).Seconds())
	s.finishUtterance(sttIdle)
	s.commitUserTurn(final)
}

// onPrevFinal handles a transcript from the utterance that closed just
// before the current speech began. A late final still precedes the open
// utterance, so it commits as its own user turn; partials are of no use by
// now.
func (s *Session) onPrevFinal(t stt.Transcript) {
	if !t.IsFinal {
		return
	}
	s.cfg.Metrics.STTDuration.Record(s.runCtx, time.Since(s.prev.endedAt).Seconds())
	s.prev = nil
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	s.egress.Send(protocol.UserTranscript(0, text, s.now()))
	s.startTurn(text)
}

func (s *Session) onSTTClosed(u *utterance, sttErr error) {
	if u == s.prev && u != nil {
		// The carried-over utterance closed without ever producing a final.
		s.prev = nil
		if sttErr != nil {
			s.sendError(newError(KindSTTFailed, sttErr))
		}
		return
	}
	if s.utt == nil || u != s.utt {
		return
	}
	if sttErr != nil {
		s.abandonUtterance(newError(KindSTTFailed, sttErr))
		return
	}
	if s.utt.ended {
		// Closed cleanly with no final: the utterance was silence.
		s.utt = nil
		if s.state == StateListening {
			s.state = StateIdle
		}
	}
}

// finishUtterance clears the utterance bookkeeping after a final transcript.
func (s *Session) finishUtterance(sttIdle *time.Timer) {
	sttIdle.Stop()
	s.utt = nil
}

// abandonUtterance drops the open utterance after a failure or timeout.
// History is untouched; the session returns to idle.
func (s *Session) abandonUtterance(err *Error) {
	if s.utt != nil && s.utt.handle != nil {
		s.utt.handle.Close()
	}
	s.utt = nil
	s.sendError(err)
	if s.state == StateListening {
		s.state = StateIdle
	}
}

// commitUserTurn appends the final user utterance and starts the assistant
// turn. An empty transcript produces no turn.
func (s *Session) commitUserTurn(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		if s.state == StateListening {
			s.state = StateIdle
		}
		return
	}
	s.egress.Send(protocol.UserTranscript(0, text, s.now()))
	s.startTurn(text)
}

// ── Assistant turn ───────────────────────────────────────────────────────────

// startTurn appends the user message and launches the generation pipeline
// under a fresh generation. New user input supersedes a turn still
// generating, so any running turn is settled first.
func (s *Session) startTurn(userText string) {
	if s.turn != nil {
		s.interruptTurn()
	}
	s.histMu.Lock()
	histLen := len(s.history)
	s.history = append(s.history, types.Message{Role: types.RoleUser, Content: userText})
	messages := append([]types.Message(nil), s.history...)
	s.histMu.Unlock()

	gen := s.gen.Bump()
	turnCtx, cancel := context.WithCancel(s.runCtx)
	text := &turnText{}
	s.turn = &turnState{gen: gen, cancel: cancel, histLen: histLen, startedAt: time.Now(), text: text}
	s.state = StateGenerating

	req := llm.CompletionRequest{
		Messages: messages,
	}
	var voice types.VoiceProfile
	if s.agent != nil {
		req.Model = s.agent.LLMModel
		req.SystemPrompt = s.agent.ComposeSystemPrompt(agentstore.PromptContext{Now: time.Now()})
		voice = s.agent.VoiceProfile()
	}

	runner := &turnRunner{
		cfg:       s.cfg.Turn,
		gen:       gen,
		sessionID: s.cfg.ID,
		voice:     voice,
		llm:       s.providers.LLM,
		tts:       s.providers.TTS,
		store:     s.store,
		egress:    s.egress,
		clock:     s.now,
		metrics:   s.cfg.Metrics,
		text:      text,
	}
	slog.Info("turn started", "session", s.cfg.ID, "generation", gen)

	go func() {
		res := runner.run(turnCtx, req)
		cancel()
		select {
		case s.events <- event{kind: evTurnDone, gen: gen, turn: res}:
		case <-s.closed:
		}
	}()
}

// interruptTurn settles the running turn at a barge-in. The generation bump
// invalidates all queued output, the pipeline is cancelled, and the turn is
// finalised immediately: the prefix already relayed to the client becomes
// the assistant history entry and the closing stream_complete goes out
// without waiting for the runner to unwind. The runner's late result is
// dropped by onTurnDone.
func (s *Session) interruptTurn() {
	if s.turn == nil {
		return
	}
	t := s.turn
	s.turn = nil
	newGen := s.gen.Bump()
	t.cancel()
	s.egress.Send(protocol.StopAudio(newGen, s.now()))

	prefix := t.text.String()
	if prefix != "" {
		s.histMu.Lock()
		s.history = append(s.history, types.Message{Role: types.RoleAssistant, Content: prefix})
		s.histMu.Unlock()
	}
	s.cfg.Metrics.TurnDuration.Record(s.runCtx, time.Since(t.startedAt).Seconds())
	s.cfg.Metrics.RecordTurn(s.runCtx, "interrupted")
	// Tagged with the new generation so it survives the stale-drop.
	s.egress.Send(protocol.StreamComplete(newGen, prefix, true, s.now()))
	slog.Info("turn interrupted", "session", s.cfg.ID, "generation", t.gen, "chars", len(prefix))
}

// onTurnDone finishes a turn that ran to completion or failure: history
// bookkeeping and the closing stream_complete marker. Results of interrupted
// turns arrive after interruptTurn already settled them and fall to the
// generation guard.
func (s *Session) onTurnDone(gen uint64, res turnResult) {
	if s.turn == nil || s.turn.gen != gen {
		return
	}
	histLen := s.turn.histLen
	s.cfg.Metrics.TurnDuration.Record(s.runCtx, time.Since(s.turn.startedAt).Seconds())
	s.cfg.Metrics.RecordTurn(s.runCtx, turnOutcome(res))
	s.turn = nil
	if s.state == StateGenerating {
		s.state = StateIdle
	}

	if res.err != nil {
		// Failed turn: the user message comes back out of the history.
		s.histMu.Lock()
		s.history = s.history[:histLen]
		s.histMu.Unlock()
		s.sendError(res.err)
		return
	}
	if res.partial {
		s.sendError(newError(KindLLMPartial, fmt.Errorf("reply truncated by provider")))
	}

	if res.fullText != "" {
		s.histMu.Lock()
		s.history = append(s.history, types.Message{Role: types.RoleAssistant, Content: res.fullText})
		s.histMu.Unlock()
	}
	s.egress.Send(protocol.StreamComplete(s.gen.Current(), res.fullText, false, s.now()))
	slog.Info("turn complete", "session", s.cfg.ID, "generation", gen, "chars", len(res.fullText))
}

func turnOutcome(res turnResult) string {
	switch {
	case res.err != nil:
		return "failed"
	case res.interrupted:
		return "interrupted"
	default:
		return "complete"
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []types.Message {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]types.Message(nil), s.history...)
}
