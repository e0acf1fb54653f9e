package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxhaven/voxhaven/internal/protocol"
)

// recordingWriter captures decoded outbound messages.
type recordingWriter struct {
	mu       sync.Mutex
	messages []map[string]any
	writeErr error
}

func (w *recordingWriter) WriteText(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	w.messages = append(w.messages, m)
	return nil
}

func (w *recordingWriter) types() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.messages))
	for i, m := range w.messages {
		out[i] = m["type"].(string)
	}
	return out
}

// runEgress starts the writer loop and returns a wait func yielding its
// error after Close.
func runEgress(e *Egress) func() error {
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()
	return func() error { return <-errCh }
}

func TestEgress_DeliversInOrder(t *testing.T) {
	w := &recordingWriter{}
	var gen Generation
	e := NewEgress(w, &gen, 0)
	wait := runEgress(e)

	g := gen.Bump()
	e.Send(protocol.StreamStart(g, 1.0))
	e.Send(protocol.TextChunk(g, "Hello.", 1.1))
	e.Send(protocol.StreamComplete(g, "Hello.", false, 1.2))
	e.Close()
	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := w.types()
	want := []string{"stream_start", "text_chunk", "stream_complete"}
	if len(got) != len(want) {
		t.Fatalf("types = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEgress_DropsStaleGenerations(t *testing.T) {
	w := &recordingWriter{}
	var gen Generation
	e := NewEgress(w, &gen, 0)

	g1 := gen.Bump()
	e.Send(protocol.TextChunk(g1, "old text", 1.0))
	e.Send(protocol.AudioChunk(g1, "/audio/x", "old text", 1.1))

	// Barge-in: the generation advances before the writer ever runs, so the
	// queued turn-1 output must be dropped and the stop marker delivered.
	g2 := gen.Bump()
	e.Send(protocol.StopAudio(g2, 1.2))
	e.Close()

	wait := runEgress(e)
	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := w.types()
	if len(got) != 1 || got[0] != "stop_audio_immediately" {
		t.Errorf("delivered = %v, want only stop_audio_immediately", got)
	}
}

func TestEgress_UntaggedMessagesSurviveBump(t *testing.T) {
	w := &recordingWriter{}
	var gen Generation
	e := NewEgress(w, &gen, 0)

	// Session-scoped messages carry generation zero and are never stale.
	e.Send(protocol.ErrorMessage(0, "stt_failed", "stream dropped", 1.0))
	gen.Bump()
	gen.Bump()
	e.Close()

	wait := runEgress(e)
	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := w.types(); len(got) != 1 || got[0] != "error" {
		t.Errorf("delivered = %v", got)
	}
}

func TestEgress_SendNeverBlocksWhenFull(t *testing.T) {
	w := &recordingWriter{}
	var gen Generation
	e := NewEgress(w, &gen, 2)

	// No writer running; the queue fills at two.
	if !e.Send(protocol.SpeechStart(0, 1.0)) || !e.Send(protocol.SpeechEnd(0, 2.0)) {
		t.Fatal("sends under capacity should succeed")
	}

	done := make(chan bool, 1)
	go func() { done <- e.Send(protocol.SpeechStart(0, 3.0)) }()
	select {
	case accepted := <-done:
		if accepted {
			t.Error("send on full queue should report a drop")
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestEgress_WriteErrorStopsRun(t *testing.T) {
	w := &recordingWriter{writeErr: errors.New("connection reset")}
	var gen Generation
	e := NewEgress(w, &gen, 0)
	wait := runEgress(e)

	e.Send(protocol.StreamStart(1, 1.0))
	err := wait()
	if err == nil || !errors.Is(err, w.writeErr) {
		t.Fatalf("Run error = %v", err)
	}
}

func TestEgress_ContextCancelStopsRun(t *testing.T) {
	w := &recordingWriter{}
	var gen Generation
	e := NewEgress(w, &gen, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestEgress_CloseIsIdempotent(t *testing.T) {
	e := NewEgress(&recordingWriter{}, &Generation{}, 0)
	e.Close()
	e.Close()
}

func TestGeneration_Bump(t *testing.T) {
	var g Generation
	if g.Current() != 0 {
		t.Fatalf("initial = %d", g.Current())
	}
	if g.Bump() != 1 || g.Bump() != 2 || g.Current() != 2 {
		t.Error("bump sequence broken")
	}
}
