package dialog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxhaven/voxhaven/internal/agentstore"
	"github.com/voxhaven/voxhaven/internal/artifact"
	"github.com/voxhaven/voxhaven/internal/protocol"
	"github.com/voxhaven/voxhaven/pkg/provider/llm"
	llmmock "github.com/voxhaven/voxhaven/pkg/provider/llm/mock"
	"github.com/voxhaven/voxhaven/pkg/provider/stt"
	sttmock "github.com/voxhaven/voxhaven/pkg/provider/stt/mock"
	ttsmock "github.com/voxhaven/voxhaven/pkg/provider/tts/mock"
	"github.com/voxhaven/voxhaven/pkg/provider/vad"
	vadmock "github.com/voxhaven/voxhaven/pkg/provider/vad/mock"
	"github.com/voxhaven/voxhaven/pkg/types"
)

// sessionFixture wires a full Session to mock providers.
type sessionFixture struct {
	session *Session
	writer  *recordingWriter
	vad     *vadmock.Session
	stt     *sttmock.Provider
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	agents  *agentstore.MemoryStore

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()
	store, err := artifact.NewStore()
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &sessionFixture{
		writer: &recordingWriter{},
		vad:    &vadmock.Session{},
		stt:    &sttmock.Provider{},
		llm:    &llmmock.Provider{},
		tts:    &ttsmock.Provider{},
		agents: agentstore.NewMemoryStore(),
		done:   make(chan struct{}),
	}
	if cfg.ID == "" {
		cfg.ID = "sess-1"
	}
	providers := Providers{
		STT: f.stt,
		LLM: f.llm,
		TTS: f.tts,
		VAD: &vadmock.Engine{Session: f.vad},
	}
	s, err := NewSession(f.writer, providers, f.agents, store, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f.session = s

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.runErr = s.Run(ctx)
		close(f.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return f
}

// waitExit blocks until Run returns and yields its error.
func (f *sessionFixture) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case <-f.done:
		return f.runErr
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

// running reports whether the session is still alive.
func (f *sessionFixture) running() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// configure sends the audio_config handshake.
func (f *sessionFixture) configure() {
	f.session.HandleControl(&protocol.ClientFrame{
		Type:       protocol.TypeAudioConfig,
		SampleRate: 8000,
		Encoding:   "LINEAR16",
		Channels:   1,
	})
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sawType reports whether the writer recorded a message of the given type.
func (f *sessionFixture) sawType(typ string) func() bool {
	return func() bool {
		for _, ty := range f.writer.types() {
			if ty == typ {
				return true
			}
		}
		return false
	}
}

// message returns the first recorded message of the given type, or nil.
func (f *sessionFixture) message(typ string) map[string]any {
	f.writer.mu.Lock()
	defer f.writer.mu.Unlock()
	for _, m := range f.writer.messages {
		if m["type"] == typ {
			return m
		}
	}
	return nil
}

// newSTTSession returns a mock STT session with test-owned channels.
func newSTTSession() *sttmock.Session {
	return &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

func TestSession_VoiceTurnEndToEnd(t *testing.T) {
	sess := newSTTSession()
	f := newSessionFixture(t, SessionConfig{})
	f.stt.Session = sess
	f.llm.StreamChunks = textChunks("It is sunny today.")
	f.vad.Decisions = decisions("sss")
	f.vad.DecisionResult = vad.Decision{Speech: false}

	f.configure()
	for _, frame := range frames(3) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "speech_start", f.sawType("speech_start"))

	sess.PartialsCh <- stt.Transcript{Text: "what is"}
	sess.FinalsCh <- stt.Transcript{Text: "What is the weather?", IsFinal: true}
	close(sess.PartialsCh)
	close(sess.FinalsCh)
	waitFor(t, "interim_transcript", f.sawType("interim_transcript"))

	// 27 non-speech frames close the utterance and commit the turn.
	for _, frame := range frames(DefaultEndFrames) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "stream_complete", f.sawType("stream_complete"))

	for _, typ := range []string{"speech_end", "user_transcript", "stream_start", "text_chunk", "audio_chunk"} {
		if !f.sawType(typ)() {
			t.Errorf("missing %s marker", typ)
		}
	}
	if m := f.message("user_transcript"); m["text"] != "What is the weather?" {
		t.Errorf("user_transcript = %v", m)
	}
	sc := f.message("stream_complete")
	if sc["full_text"] != "It is sunny today." || sc["interrupted"] != false {
		t.Errorf("stream_complete = %v", sc)
	}

	history := f.session.History()
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Role != types.RoleUser || history[1].Content != "It is sunny today." {
		t.Errorf("history = %+v", history)
	}
	if sess.SendAudioCallCount() == 0 {
		t.Error("no audio reached STT")
	}
}

func TestSession_AudioBeforeConfigIsFatal(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.session.HandleAudio(frames(1)[0])

	err := f.waitExit(t)
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindProtocol {
		t.Fatalf("Run error = %v", err)
	}
	if m := f.message("error"); m == nil || m["kind"] != string(KindProtocol) {
		t.Errorf("error marker = %v", m)
	}
}

func TestSession_BadAudioConfigIsFatal(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.session.HandleControl(&protocol.ClientFrame{
		Type: protocol.TypeAudioConfig, SampleRate: 44100, Encoding: "LINEAR16", Channels: 1,
	})
	if err := f.waitExit(t); err == nil {
		t.Fatal("expected fatal error")
	}
}

func TestSession_UnknownFrameIgnored(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.session.HandleControl(&protocol.ClientFrame{Type: "telemetry"})
	f.configure()
	time.Sleep(20 * time.Millisecond)

	if !f.running() {
		t.Fatalf("session terminated: %v", f.runErr)
	}
	if got := f.writer.types(); len(got) != 0 {
		t.Errorf("unexpected messages: %v", got)
	}
}

func TestSession_TextMessageTurn(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.llm.StreamChunks = textChunks("Paris.")

	f.session.HandleControl(&protocol.ClientFrame{
		Type:    protocol.TypeMessage,
		Content: "What is the capital of France?",
		Conversation: []types.Message{
			{Role: types.RoleUser, Content: "earlier question"},
			{Role: types.RoleAssistant, Content: "earlier answer"},
		},
	})
	waitFor(t, "stream_complete", f.sawType("stream_complete"))

	if f.sawType("user_transcript")() {
		t.Error("text turns should not echo a user_transcript")
	}
	history := f.session.History()
	if len(history) != 4 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Content != "earlier question" || history[2].Content != "What is the capital of France?" {
		t.Errorf("history = %+v", history)
	}
	if len(f.llm.StreamCalls) != 1 || len(f.llm.StreamCalls[0].Req.Messages) != 3 {
		t.Errorf("llm request = %+v", f.llm.StreamCalls)
	}
}

func TestSession_BargeInInterruptsTurn(t *testing.T) {
	second := newSTTSession()
	f := newSessionFixture(t, SessionConfig{})
	f.stt.Sessions = []stt.SessionHandle{newSTTSession(), second}
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Let me explain this at great length. "},
		{Text: "never delivered"},
	}
	f.llm.StreamDelay = 40 * time.Millisecond
	f.vad.DecisionResult = vad.Decision{Speech: true}

	f.configure()
	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeMessage, Content: "explain quicksort"})
	waitFor(t, "text_chunk", f.sawType("text_chunk"))

	// New speech while generating: three speech frames trigger the barge-in.
	for _, frame := range frames(3) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "stop_audio_immediately", f.sawType("stop_audio_immediately"))
	waitFor(t, "stream_complete", f.sawType("stream_complete"))

	sc := f.message("stream_complete")
	if sc["interrupted"] != true {
		t.Errorf("stream_complete = %v", sc)
	}
	// The truncated prefix still enters the history.
	waitFor(t, "history append", func() bool { return len(f.session.History()) == 2 })
	history := f.session.History()
	if history[1].Role != types.RoleAssistant || history[1].Content != "Let me explain this at great length. " {
		t.Errorf("history = %+v", history)
	}
	if !f.sawType("speech_start")() {
		t.Error("barge-in should open a new utterance")
	}
}

func TestSession_MessageBargeInKeepsTruncatedReply(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "First thought. "},
		{Text: "Second thought."},
		{FinishReason: "stop"},
	}
	f.llm.StreamDelay = 40 * time.Millisecond

	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeMessage, Content: "first question"})
	waitFor(t, "text_chunk", f.sawType("text_chunk"))

	// A second message lands while the first reply is mid-stream. The prefix
	// already delivered must survive as the assistant entry between the two
	// user turns.
	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeMessage, Content: "second question"})
	waitFor(t, "second turn complete", func() bool { return len(f.session.History()) == 4 })

	if sc := f.message("stream_complete"); sc["interrupted"] != true || sc["full_text"] != "First thought. " {
		t.Errorf("first stream_complete = %v", sc)
	}
	history := f.session.History()
	want := []types.Message{
		{Role: types.RoleUser, Content: "first question"},
		{Role: types.RoleAssistant, Content: "First thought. "},
		{Role: types.RoleUser, Content: "second question"},
		{Role: types.RoleAssistant, Content: "First thought. Second thought."},
	}
	for i := range want {
		if history[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, history[i], want[i])
		}
	}
}

func TestSession_ClientInterruptFrame(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.llm.StreamChunks = []llm.Chunk{{Text: "Long answer "}, {Text: "continues"}}
	f.llm.StreamDelay = 40 * time.Millisecond

	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeMessage, Content: "go on"})
	waitFor(t, "text_chunk", f.sawType("text_chunk"))

	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeInterrupt})
	waitFor(t, "stop_audio_immediately", f.sawType("stop_audio_immediately"))
	waitFor(t, "stream_complete", f.sawType("stream_complete"))

	if sc := f.message("stream_complete"); sc["interrupted"] != true {
		t.Errorf("stream_complete = %v", sc)
	}
}

func TestSession_InterruptWithoutTurnIgnored(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeInterrupt})
	time.Sleep(20 * time.Millisecond)
	if f.sawType("stop_audio_immediately")() {
		t.Error("idle interrupt should be a no-op")
	}
}

func TestSession_EmptyFinalTranscriptNoTurn(t *testing.T) {
	sess := newSTTSession()
	f := newSessionFixture(t, SessionConfig{})
	f.stt.Session = sess
	f.vad.Decisions = decisions("sss")

	f.configure()
	for _, frame := range frames(3) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "speech_start", f.sawType("speech_start"))

	sess.FinalsCh <- stt.Transcript{Text: "   ", IsFinal: true}
	close(sess.PartialsCh)
	close(sess.FinalsCh)
	for _, frame := range frames(DefaultEndFrames) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "speech_end", f.sawType("speech_end"))
	time.Sleep(30 * time.Millisecond)

	if f.sawType("stream_start")() {
		t.Error("blank transcript must not start a turn")
	}
	if len(f.session.History()) != 0 {
		t.Errorf("history = %+v", f.session.History())
	}
}

func TestSession_STTStartFailure(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.stt.StartStreamErr = errors.New("deepgram unreachable")
	f.vad.Decisions = decisions("sss")

	f.configure()
	for _, frame := range frames(3) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "error marker", f.sawType("error"))

	if m := f.message("error"); m["kind"] != string(KindSTTFailed) {
		t.Errorf("error marker = %v", m)
	}
	if !f.running() {
		t.Fatalf("stt failure must not end the session: %v", f.runErr)
	}
}

func TestSession_STTStreamDropMidUtterance(t *testing.T) {
	sess := newSTTSession()
	sess.TerminalErr = errors.New("connection reset")
	f := newSessionFixture(t, SessionConfig{})
	f.stt.Session = sess
	f.vad.Decisions = decisions("sss")

	f.configure()
	for _, frame := range frames(3) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "speech_start", f.sawType("speech_start"))

	// Provider drops the stream without a final.
	close(sess.PartialsCh)
	close(sess.FinalsCh)
	waitFor(t, "error marker", f.sawType("error"))

	if m := f.message("error"); m["kind"] != string(KindSTTFailed) {
		t.Errorf("error marker = %v", m)
	}
	if len(f.session.History()) != 0 {
		t.Error("failed utterance must not touch history")
	}
}

func TestSession_LateFinalAfterNextSpeechStartCommits(t *testing.T) {
	first := newSTTSession()
	second := newSTTSession()
	f := newSessionFixture(t, SessionConfig{})
	f.stt.Sessions = []stt.SessionHandle{first, second}
	f.llm.StreamChunks = textChunks("Done, lights are on.")

	script := "sss"
	for i := 0; i < DefaultEndFrames; i++ {
		script += "-"
	}
	script += "sss"
	f.vad.Decisions = decisions(script)

	f.configure()
	// First utterance opens and closes; its final has not arrived yet when
	// the user starts speaking again.
	for _, frame := range frames(3 + DefaultEndFrames) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "speech_end", f.sawType("speech_end"))
	for _, frame := range frames(3) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "second utterance", func() bool {
		n := 0
		for _, ty := range f.writer.types() {
			if ty == "speech_start" {
				n++
			}
		}
		return n == 2
	})

	// The recognizer flushes the first utterance's final only now. It must
	// still commit as a user turn rather than vanish.
	first.FinalsCh <- stt.Transcript{Text: "Turn on the lights", IsFinal: true}
	close(first.PartialsCh)
	close(first.FinalsCh)
	waitFor(t, "stream_complete", f.sawType("stream_complete"))

	if m := f.message("user_transcript"); m["text"] != "Turn on the lights" {
		t.Errorf("user_transcript = %v", m)
	}
	history := f.session.History()
	if len(history) != 2 || history[0].Content != "Turn on the lights" || history[1].Content != "Done, lights are on." {
		t.Errorf("history = %+v", history)
	}
}

func TestSession_AgentGreeting(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.agents.Create(context.Background(), &agentstore.AgentDefinition{
		ID:       "support",
		Name:     "Support Desk",
		Greeting: "Hello! How can I help?",
		Voice:    agentstore.VoiceConfig{Provider: "mock", VoiceID: "v1"},
	})

	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeAgentConfig, AgentID: "support"})
	waitFor(t, "agent_greeting", f.sawType("agent_greeting"))
	waitFor(t, "greeting_audio", f.sawType("greeting_audio"))

	if m := f.message("agent_greeting"); m["text"] != "Hello! How can I help?" {
		t.Errorf("agent_greeting = %v", m)
	}
	if m := f.message("greeting_audio"); m["audio_url"] == "" {
		t.Errorf("greeting_audio = %v", m)
	}
	if len(f.tts.SynthesizeCalls) != 1 || f.tts.SynthesizeCalls[0].Req.Voice.ID != "v1" {
		t.Errorf("greeting synthesis calls = %+v", f.tts.SynthesizeCalls)
	}
}

func TestSession_UnknownAgentIsFatal(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeAgentConfig, AgentID: "ghost"})

	err := f.waitExit(t)
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindProtocol {
		t.Fatalf("Run error = %v", err)
	}
}

func TestSession_AgentShapesLLMRequest(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.agents.Create(context.Background(), &agentstore.AgentDefinition{
		ID:           "support",
		Name:         "Support Desk",
		LLMModel:     "gpt-4o-mini",
		SystemPrompt: "You answer support questions.",
	})
	f.llm.StreamChunks = textChunks("Sure.")

	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeAgentConfig, AgentID: "support"})
	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeMessage, Content: "help me"})
	waitFor(t, "stream_complete", f.sawType("stream_complete"))

	req := f.llm.StreamCalls[0].Req
	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	if req.SystemPrompt == "" {
		t.Error("system prompt not composed from the agent record")
	}
}

func TestSession_FailedTurnRestoresHistory(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.llm.StreamErr = errors.New("model overloaded")

	f.session.HandleControl(&protocol.ClientFrame{Type: protocol.TypeMessage, Content: "hello"})
	waitFor(t, "error marker", f.sawType("error"))

	if m := f.message("error"); m["kind"] != string(KindLLMFailed) {
		t.Errorf("error marker = %v", m)
	}
	waitFor(t, "history rollback", func() bool { return len(f.session.History()) == 0 })
}

func TestSession_IdleTimeoutClosesSession(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{IdleTimeout: 30 * time.Millisecond})

	err := f.waitExit(t)
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindTimeoutIdle {
		t.Fatalf("Run error = %v", err)
	}
	if m := f.message("error"); m == nil || m["kind"] != string(KindTimeoutIdle) {
		t.Errorf("error marker = %v", m)
	}
}

func TestSession_STTInactivityAbandonsUtterance(t *testing.T) {
	sess := newSTTSession()
	f := newSessionFixture(t, SessionConfig{STTInactivity: 40 * time.Millisecond})
	f.stt.Session = sess
	f.vad.Decisions = decisions("sss")

	f.configure()
	for _, frame := range frames(3) {
		f.session.HandleAudio(frame)
	}
	waitFor(t, "speech_start", f.sawType("speech_start"))

	// No transcripts arrive; the inactivity window expires.
	waitFor(t, "error marker", f.sawType("error"))
	if m := f.message("error"); m["kind"] != string(KindTimeoutSTTInactive) {
		t.Errorf("error marker = %v", m)
	}
	waitFor(t, "stt session closed", func() bool { return sess.CloseCallCount > 0 })
}
