package elevenlabs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	"github.com/voxhaven/voxhaven/pkg/types"
)

// ---- constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
}

// ---- request payload ----

func TestBuildSynthesisRequest_DefaultSpeed(t *testing.T) {
	req := buildSynthesisRequest(tts.Request{
		Text:  "Hello.",
		Voice: types.VoiceProfile{ID: "v1"},
	}, "eleven_flash_v2_5")

	if req.Text != "Hello." {
		t.Errorf("Text = %q", req.Text)
	}
	if req.ModelID != "eleven_flash_v2_5" {
		t.Errorf("ModelID = %q", req.ModelID)
	}
	if req.VoiceSettings == nil {
		t.Fatal("VoiceSettings missing")
	}
	if req.VoiceSettings.Speed != 0 {
		t.Errorf("Speed = %v for default-rate voice, want omitted (0)", req.VoiceSettings.Speed)
	}
}

func TestBuildSynthesisRequest_CustomSpeed(t *testing.T) {
	req := buildSynthesisRequest(tts.Request{
		Text:  "Hello.",
		Voice: types.VoiceProfile{ID: "v1", SpeedFactor: 1.1},
	}, defaultModel)
	if req.VoiceSettings.Speed != 1.1 {
		t.Errorf("Speed = %v, want 1.1", req.VoiceSettings.Speed)
	}
}

func TestClampSpeed(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0.5, 0.7},
		{0.7, 0.7},
		{1.0, 1.0},
		{1.2, 1.2},
		{2.0, 1.2},
	}
	for _, tc := range cases {
		if got := clampSpeed(tc.in); got != tc.want {
			t.Errorf("clampSpeed(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := []struct {
		format, want string
	}{
		{"mp3_22050_32", "audio/mpeg"},
		{"mp3_44100_128", "audio/mpeg"},
		{"pcm_16000", "audio/L16"},
		{"ulaw_8000", "audio/basic"},
		{"opus_48000", "application/octet-stream"},
	}
	for _, tc := range cases {
		if got := contentTypeFor(tc.format); got != tc.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tc.format, got, tc.want)
		}
	}
}

// ---- Synthesize ----

func TestSynthesize_Success(t *testing.T) {
	wantAudio := []byte("fake-mp3-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != defaultOutputFmt {
			t.Errorf("output_format = %q, want %q", got, defaultOutputFmt)
		}
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("xi-api-key = %q", got)
		}
		var body synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Text != "Hello there." {
			t.Errorf("body.Text = %q", body.Text)
		}
		w.Write(wantAudio)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	res, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "Hello there.",
		Voice: types.VoiceProfile{ID: "voice-1"},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(res.Audio) != string(wantAudio) {
		t.Errorf("Audio = %q, want %q", res.Audio, wantAudio)
	}
	if res.ContentType != "audio/mpeg" {
		t.Errorf("ContentType = %q, want audio/mpeg", res.ContentType)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key")
	_, err := p.Synthesize(context.Background(), tts.Request{
		Voice: types.VoiceProfile{ID: "v1"},
	})
	if err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestSynthesize_MissingVoice(t *testing.T) {
	p, _ := New("key")
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi."})
	if err == nil {
		t.Fatal("expected error for missing voice ID")
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "Hi.",
		Voice: types.VoiceProfile{ID: "v1"},
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry the status code, got: %v", err)
	}
}

func TestSynthesize_EmptyAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "Hi.",
		Voice: types.VoiceProfile{ID: "v1"},
	})
	if err == nil {
		t.Fatal("expected error for empty audio body")
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; otherwise the client disconnect is never observed and
		// r.Context() is never cancelled, deadlocking srv.Close.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := p.Synthesize(ctx, tts.Request{
		Text:  "Hi.",
		Voice: types.VoiceProfile{ID: "v1"},
	})
	if err == nil {
		t.Fatal("expected error after context cancellation")
	}
}

// ---- ListVoices ----

func TestParseVoicesResponse(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "v1", "name": "Rachel", "category": "premade",
			 "labels": {"accent": "american", "gender": "female"}},
			{"voice_id": "v2", "name": "Josh", "category": "premade", "labels": {}}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if profiles[0].ID != "v1" || profiles[0].Name != "Rachel" {
		t.Errorf("unexpected first profile: %+v", profiles[0])
	}
	if profiles[0].Provider != "elevenlabs" {
		t.Errorf("Provider = %q", profiles[0].Provider)
	}
	if profiles[0].Metadata["accent"] != "american" {
		t.Error("expected accent label carried into metadata")
	}
	if profiles[0].Metadata["category"] != "premade" {
		t.Error("expected category in metadata")
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestListVoices_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("xi-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel"}]}`))
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("unexpected voices: %+v", voices)
	}
}

func TestListVoices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
