package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// ── ParseClientFrame ──────────────────────────────────────────────────────────

func TestParseClientFrame_AudioConfig(t *testing.T) {
	raw := []byte(`{"type":"audio_config","sample_rate":8000,"encoding":"LINEAR16","channels":1}`)
	f, err := ParseClientFrame(raw)
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Type != TypeAudioConfig {
		t.Errorf("Type = %q", f.Type)
	}
	if f.SampleRate != 8000 || f.Encoding != "LINEAR16" || f.Channels != 1 {
		t.Errorf("unexpected audio config: %+v", f)
	}
}

func TestParseClientFrame_AgentConfig(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"agent_config","agent_id":"support-bot"}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.AgentID != "support-bot" {
		t.Errorf("AgentID = %q", f.AgentID)
	}
}

func TestParseClientFrame_Message(t *testing.T) {
	raw := []byte(`{"type":"message","content":"hello","conversation":[{"role":"user","content":"hi"}]}`)
	f, err := ParseClientFrame(raw)
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Content != "hello" {
		t.Errorf("Content = %q", f.Content)
	}
	if len(f.Conversation) != 1 || f.Conversation[0].Role != "user" {
		t.Errorf("unexpected conversation: %+v", f.Conversation)
	}
}

func TestParseClientFrame_MalformedJSON(t *testing.T) {
	if _, err := ParseClientFrame([]byte(`{broken`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseClientFrame_MissingType(t *testing.T) {
	if _, err := ParseClientFrame([]byte(`{"content":"hi"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestParseClientFrame_UnknownTypeIsNotAnError(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"telemetry_ping"}`))
	if err != nil {
		t.Fatalf("unknown type should parse: %v", err)
	}
	if f.Known() {
		t.Error("telemetry_ping should not be a known type")
	}
}

func TestKnown_AllInboundTypes(t *testing.T) {
	for _, typ := range []string{
		TypeAudioConfig, TypeAgentConfig, TypeMessage,
		TypeInterrupt, TypeCallStarted, TypePlaybackComplete,
	} {
		f := &ClientFrame{Type: typ}
		if !f.Known() {
			t.Errorf("type %q should be known", typ)
		}
	}
}

// ── ValidateAudioConfig ───────────────────────────────────────────────────────

func TestValidateAudioConfig(t *testing.T) {
	cases := []struct {
		name    string
		frame   ClientFrame
		wantErr bool
	}{
		{
			name:  "accepted format",
			frame: ClientFrame{Type: TypeAudioConfig, SampleRate: 8000, Encoding: "LINEAR16", Channels: 1},
		},
		{
			name:    "wrong sample rate",
			frame:   ClientFrame{Type: TypeAudioConfig, SampleRate: 16000, Encoding: "LINEAR16", Channels: 1},
			wantErr: true,
		},
		{
			name:    "wrong encoding",
			frame:   ClientFrame{Type: TypeAudioConfig, SampleRate: 8000, Encoding: "MULAW", Channels: 1},
			wantErr: true,
		},
		{
			name:    "stereo rejected",
			frame:   ClientFrame{Type: TypeAudioConfig, SampleRate: 8000, Encoding: "LINEAR16", Channels: 2},
			wantErr: true,
		},
		{
			name:    "wrong frame type",
			frame:   ClientFrame{Type: TypeInterrupt},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.frame.ValidateAudioConfig()
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// ── ServerMessage ─────────────────────────────────────────────────────────────

func TestServerMessage_EncodeOmitsEmptyFields(t *testing.T) {
	data, err := SpeechStart(3, 1.5).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"speech_start"`) {
		t.Errorf("missing type: %s", s)
	}
	if !strings.Contains(s, `"timestamp":1.5`) {
		t.Errorf("missing timestamp: %s", s)
	}
	for _, field := range []string{"text", "audio_url", "full_text", "interrupted", "kind", "message"} {
		if strings.Contains(s, `"`+field+`"`) {
			t.Errorf("field %q should be omitted: %s", field, s)
		}
	}
}

func TestServerMessage_GenerationNotOnWire(t *testing.T) {
	data, err := TextChunk(7, "Hi there.", 2.0).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(data), "generation") {
		t.Errorf("generation leaked onto the wire: %s", data)
	}
}

func TestStreamComplete_InterruptedFalseIsEncoded(t *testing.T) {
	// Interrupted must appear even when false; clients distinguish a clean
	// completion from a truncated one.
	data, err := StreamComplete(1, "Full reply.", false, 3.0).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := decoded["interrupted"]
	if !ok {
		t.Fatalf("interrupted missing: %s", data)
	}
	if v != false {
		t.Errorf("interrupted = %v, want false", v)
	}
	if decoded["full_text"] != "Full reply." {
		t.Errorf("full_text = %v", decoded["full_text"])
	}
}

func TestAudioChunk_CarriesURLAndText(t *testing.T) {
	m := AudioChunk(2, "/audio/sess-1-0001", "Hello there.", 4.2)
	if m.Generation != 2 {
		t.Errorf("Generation = %d", m.Generation)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"audio_url":"/audio/sess-1-0001"`) {
		t.Errorf("missing audio_url: %s", s)
	}
	if !strings.Contains(s, `"text":"Hello there."`) {
		t.Errorf("missing text: %s", s)
	}
}

func TestErrorMessage_KindAndMessage(t *testing.T) {
	data, err := ErrorMessage(0, "stt_failed", "transcription unavailable", 1.0).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"kind":"stt_failed"`) {
		t.Errorf("missing kind: %s", s)
	}
	if !strings.Contains(s, `"message":"transcription unavailable"`) {
		t.Errorf("missing message: %s", s)
	}
}
