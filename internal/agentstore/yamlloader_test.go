package agentstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validAgentsYAML = `
agents:
  - id: support
    name: Support Desk
    voice:
      provider: elevenlabs
      voice_id: v1
      speed_factor: 1.1
    greeting: "Hello! How can I help you today?"
    system_prompt: "You answer support questions."
    tone: friendly
    llm_model: gpt-4o-mini
    guardrails_enabled: true
    custom_knowledge: "Opening hours are 9 to 17."
    current_date_enabled: true
    timezone: Europe/Berlin
  - id: sales
    name: Sales
    voice:
      provider: coqui
      voice_id: p225
`

func TestLoadFromReader_Valid(t *testing.T) {
	defs, err := LoadFromReader(strings.NewReader(validAgentsYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(defs))
	}

	sup := defs[0]
	if sup.ID != "support" || sup.Name != "Support Desk" {
		t.Errorf("unexpected first agent: %+v", sup)
	}
	if sup.Voice.SpeedFactor != 1.1 {
		t.Errorf("speed_factor = %v", sup.Voice.SpeedFactor)
	}
	if !sup.GuardrailsEnabled || !sup.CurrentDateEnabled {
		t.Error("boolean flags not parsed")
	}
	if sup.Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q", sup.Timezone)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
agents:
  - id: a
    name: A
    personality: "unknown field"
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_MissingID(t *testing.T) {
	yaml := `
agents:
  - name: NoID
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "id is required") {
		t.Errorf("expected id-required error, got %v", err)
	}
}

func TestLoadFromReader_DuplicateID(t *testing.T) {
	yaml := `
agents:
  - id: a
    name: First
  - id: a
    name: Second
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate-id error, got %v", err)
	}
}

func TestLoadFromReader_InvalidDefinition(t *testing.T) {
	yaml := `
agents:
  - id: a
    name: A
    tone: shouty
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := LoadFile("/nonexistent/agents.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(validAgentsYAML), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	store := NewMemoryStore()
	n, err := Import(context.Background(), store, path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d, want 2", n)
	}

	got, _ := store.Get(context.Background(), "support")
	if got == nil || got.Name != "Support Desk" {
		t.Errorf("imported agent missing: %+v", got)
	}

	// Re-import replaces in place.
	if _, err := Import(context.Background(), store, path); err != nil {
		t.Fatalf("re-Import: %v", err)
	}
	defs, _ := store.List(context.Background())
	if len(defs) != 2 {
		t.Errorf("re-import should not duplicate: %d agents", len(defs))
	}
}
