// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs text-to-speech HTTP API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	"github.com/voxhaven/voxhaven/pkg/types"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_22050_32"
	defaultTimeout   = 30 * time.Second
)

// outputContentTypes maps ElevenLabs output_format prefixes to MIME types.
var outputContentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"pcm":  "audio/L16",
	"ulaw": "audio/basic",
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_22050_32",
// "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API base URL. Useful for tests and proxies.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the ElevenLabs HTTP API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request payload ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// synthesisRequest is the JSON body for POST /v1/text-to-speech/{voice_id}.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// Synthesize renders one response unit through the ElevenLabs HTTP endpoint
// and returns the complete encoded audio.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if req.Text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	if req.Voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	body, err := json.Marshal(buildSynthesisRequest(req, p.model))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.baseURL, url.PathEscape(req.Voice.ID), url.QueryEscape(p.outputFormat))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: empty audio response")
	}

	return &tts.Result{
		Audio:       audio,
		ContentType: contentTypeFor(p.outputFormat),
	}, nil
}

// buildSynthesisRequest maps a tts.Request onto the wire payload. Speed is
// only forwarded when the profile sets a non-default factor; ElevenLabs
// accepts 0.7 to 1.2.
func buildSynthesisRequest(req tts.Request, model string) synthesisRequest {
	vs := &voiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
	if req.Voice.SpeedFactor > 0 && req.Voice.SpeedFactor != 1.0 {
		vs.Speed = clampSpeed(req.Voice.SpeedFactor)
	}
	return synthesisRequest{
		Text:          req.Text,
		ModelID:       model,
		VoiceSettings: vs,
	}
}

// clampSpeed bounds a speed factor to the range ElevenLabs accepts.
func clampSpeed(speed float64) float64 {
	switch {
	case speed < 0.7:
		return 0.7
	case speed > 1.2:
		return 1.2
	default:
		return speed
	}
}

// contentTypeFor maps an output_format value to its MIME type. Unknown
// formats report application/octet-stream.
func contentTypeFor(outputFormat string) string {
	for prefix, ct := range outputContentTypes {
		if len(outputFormat) >= len(prefix) && outputFormat[:len(prefix)] == prefix {
			return ct
		}
	}
	return "application/octet-stream"
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured
// API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	return parseVoicesResponse(data)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
