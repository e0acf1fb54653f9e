package resilience

import (
	"context"

	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	"github.com/voxhaven/voxhaven/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders one unit against the first healthy provider. A unit that
// fails on the primary is retried on the fallbacks before being reported, so a
// transient primary outage degrades voice quality rather than dropping audio.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.Result, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
