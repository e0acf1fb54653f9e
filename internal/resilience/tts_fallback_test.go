package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	ttsmock "github.com/voxhaven/voxhaven/pkg/provider/tts/mock"
	"github.com/voxhaven/voxhaven/pkg/types"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{
		SynthesizeResult: &tts.Result{Audio: []byte("primary-audio"), ContentType: "audio/mpeg"},
	}
	secondary := &ttsmock.Provider{
		SynthesizeResult: &tts.Result{Audio: []byte("fallback-audio"), ContentType: "audio/mpeg"},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Synthesize(context.Background(), tts.Request{
		Text:  "hello",
		Voice: types.VoiceProfile{ID: "v1", Name: "TestVoice"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Audio) != "primary-audio" {
		t.Fatalf("audio = %q, want primary-audio", string(res.Audio))
	}
	if got := primary.SynthesizeCallCount(); got != 1 {
		t.Fatalf("primary called %d times, want 1", got)
	}
	if got := secondary.SynthesizeCallCount(); got != 0 {
		t.Fatalf("secondary called %d times, want 0", got)
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		SynthesizeErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		SynthesizeResult: &tts.Result{Audio: []byte("fallback-audio"), ContentType: "audio/mpeg"},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Audio) != "fallback-audio" {
		t.Fatalf("audio = %q, want fallback-audio", string(res.Audio))
	}
	if got := secondary.SynthesizeCallCount(); got != 1 {
		t.Fatalf("secondary called %d times, want 1", got)
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeErr: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		ListVoicesErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		Voices: []types.VoiceProfile{
			{ID: "v1", Name: "Alice"},
			{ID: "v2", Name: "Bob"},
		},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "Alice" {
		t.Fatalf("voices[0].Name = %q, want Alice", voices[0].Name)
	}
}
