package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voxhaven/voxhaven/internal/protocol"
)

// DefaultEgressQueue is the default bound on the outbound message queue.
const DefaultEgressQueue = 128

// Generation is the session's monotonic turn counter. Every outbound message
// that belongs to an assistant turn is tagged with the generation it was
// produced under; bumping the counter invalidates all in-flight output of
// the previous turn at once.
type Generation struct {
	v atomic.Uint64
}

// Current returns the active generation.
func (g *Generation) Current() uint64 { return g.v.Load() }

// Bump advances to the next generation and returns it.
func (g *Generation) Bump() uint64 { return g.v.Add(1) }

// TransportWriter is the write side of the client connection. The egress is
// its only caller, so implementations need not be safe for concurrent use.
type TransportWriter interface {
	WriteText(ctx context.Context, data []byte) error
}

// Egress serialises all outbound messages through a single writer goroutine.
// Producers enqueue from any goroutine via Send; the writer drops messages
// whose generation went stale while they sat in the queue, so a barge-in
// stops delivery without a queue sweep.
type Egress struct {
	w     TransportWriter
	gen   *Generation
	queue chan *protocol.ServerMessage

	closeOnce sync.Once
}

// NewEgress returns an egress writing to w. queueSize of zero or less
// selects DefaultEgressQueue.
func NewEgress(w TransportWriter, gen *Generation, queueSize int) *Egress {
	if queueSize <= 0 {
		queueSize = DefaultEgressQueue
	}
	return &Egress{
		w:     w,
		gen:   gen,
		queue: make(chan *protocol.ServerMessage, queueSize),
	}
}

// Send enqueues m for delivery. It never blocks: when the queue is full the
// message is dropped and Send returns false. A full queue means the client
// is not draining; audio markers are reproducible from the next turn, so
// dropping here is preferable to stalling the pipeline.
func (e *Egress) Send(m *protocol.ServerMessage) bool {
	select {
	case e.queue <- m:
		return true
	default:
		slog.Warn("egress queue full, dropping message", "type", m.Type, "generation", m.Generation)
		return false
	}
}

// Close stops accepting messages and lets Run drain what is already queued.
// Safe to call more than once.
func (e *Egress) Close() {
	e.closeOnce.Do(func() { close(e.queue) })
}

// Run is the single writer loop. It delivers queued messages in order until
// the queue is closed and drained, ctx is cancelled, or a write fails.
// Messages tagged with a generation older than the current one are dropped
// at the head of the queue without being written.
func (e *Egress) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-e.queue:
			if !ok {
				return nil
			}
			if m.Generation != 0 && m.Generation < e.gen.Current() {
				slog.Debug("dropping stale message", "type", m.Type, "generation", m.Generation, "current", e.gen.Current())
				continue
			}
			data, err := m.Encode()
			if err != nil {
				return fmt.Errorf("egress: encode %s: %w", m.Type, err)
			}
			if err := e.w.WriteText(ctx, data); err != nil {
				return fmt.Errorf("egress: write %s: %w", m.Type, err)
			}
		}
	}
}
