// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio artifacts and to verify which text
// units and voices were passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResult: &tts.Result{Audio: []byte("audio"), ContentType: "audio/mpeg"},
//	    Voices:           []types.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	res, _ := p.Synthesize(ctx, tts.Request{Text: "Hello.", Voice: voice})
package mock

import (
	"context"
	"sync"

	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	"github.com/voxhaven/voxhaven/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeResult is returned by Synthesize when SynthesizeResults is
	// empty and SynthesizeErr is nil. If nil, Synthesize returns a small
	// placeholder artifact.
	SynthesizeResult *tts.Result

	// SynthesizeResults, if non-empty, is consumed one per Synthesize call
	// in FIFO order. A nil entry yields SynthesizeErr (or a placeholder).
	SynthesizeResults []*tts.Result

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeDelay, if non-nil, is waited on before each Synthesize call
	// returns. Useful for cancellation and ordering tests: send or close to
	// release a blocked call.
	SynthesizeDelay chan struct{}

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall
}

// Synthesize records the call and returns the configured result or error.
// If SynthesizeDelay is set, it blocks until the channel is signalled or ctx
// is cancelled.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	delay := p.SynthesizeDelay
	err := p.SynthesizeErr
	var res *tts.Result
	if len(p.SynthesizeResults) > 0 {
		res = p.SynthesizeResults[0]
		p.SynthesizeResults = p.SynthesizeResults[1:]
	} else {
		res = p.SynthesizeResult
	}
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &tts.Result{Audio: []byte(req.Text), ContentType: "audio/mpeg"}
	}
	return res, nil
}

// ListVoices records the call and returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.Voices, p.ListVoicesErr
}

// SynthesizeCallCount returns the number of recorded Synthesize calls.
// Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
