package artifact

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Put / Get ───

func TestPutGet_Roundtrip(t *testing.T) {
	s := newTestStore(t)

	audio := []byte("mp3-bytes")
	id, err := s.Put("sess-1", audio, "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(id, "sess-1:") {
		t.Errorf("id %q should be prefixed with the session", id)
	}

	got, ct, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("Get returned %q, want %q", got, audio)
	}
	if ct != "audio/mpeg" {
		t.Errorf("content type = %q", ct)
	}
}

func TestPut_Validation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put("", []byte("x"), "audio/mpeg"); err == nil {
		t.Error("expected error for empty session id")
	}
	if _, err := s.Put("sess-1", nil, "audio/mpeg"); err == nil {
		t.Error("expected error for empty audio")
	}
}

func TestPut_UniqueIDs(t *testing.T) {
	s := newTestStore(t)
	id1, _ := s.Put("sess-1", []byte("a"), "audio/mpeg")
	id2, _ := s.Put("sess-1", []byte("b"), "audio/mpeg")
	if id1 == id2 {
		t.Errorf("Put returned duplicate id %q", id1)
	}
}

func TestGet_Missing(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Get("sess-1:nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_ExpiredEntry(t *testing.T) {
	s := newTestStore(t, WithTTL(50*time.Millisecond))
	id, err := s.Put("sess-1", []byte("short-lived"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

// ─── DropSession ───

func TestDropSession(t *testing.T) {
	s := newTestStore(t)

	id1, _ := s.Put("sess-1", []byte("a"), "audio/mpeg")
	id2, _ := s.Put("sess-1", []byte("b"), "audio/mpeg")
	other, _ := s.Put("sess-2", []byte("c"), "audio/mpeg")

	if err := s.DropSession("sess-1"); err != nil {
		t.Fatalf("DropSession: %v", err)
	}

	for _, id := range []string{id1, id2} {
		if _, _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("entry %q should be gone, got %v", id, err)
		}
	}
	if _, _, err := s.Get(other); err != nil {
		t.Errorf("other session's entry should survive: %v", err)
	}
}

func TestDropSession_Empty(t *testing.T) {
	s := newTestStore(t)
	if err := s.DropSession(""); err != nil {
		t.Errorf("DropSession(\"\") should be a no-op: %v", err)
	}
}

// ─── size reaper ───

func TestReapOverSize_EvictsOldestFirst(t *testing.T) {
	s := newTestStore(t, WithMaxBytes(25))

	oldID, _ := s.Put("sess-1", bytes.Repeat([]byte("a"), 10), "audio/mpeg")
	time.Sleep(5 * time.Millisecond)
	midID, _ := s.Put("sess-1", bytes.Repeat([]byte("b"), 10), "audio/mpeg")
	time.Sleep(5 * time.Millisecond)
	newID, _ := s.Put("sess-1", bytes.Repeat([]byte("c"), 10), "audio/mpeg")

	if err := s.reapOverSize(); err != nil {
		t.Fatalf("reapOverSize: %v", err)
	}

	if _, _, err := s.Get(oldID); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest entry should be evicted, got %v", err)
	}
	if _, _, err := s.Get(midID); err != nil {
		t.Errorf("middle entry should survive: %v", err)
	}
	if _, _, err := s.Get(newID); err != nil {
		t.Errorf("newest entry should survive: %v", err)
	}
}

func TestReapOverSize_UnderBoundIsNoop(t *testing.T) {
	s := newTestStore(t, WithMaxBytes(1000))
	id, _ := s.Put("sess-1", []byte("small"), "audio/mpeg")
	if err := s.reapOverSize(); err != nil {
		t.Fatalf("reapOverSize: %v", err)
	}
	if _, _, err := s.Get(id); err != nil {
		t.Errorf("entry should survive under-bound reap: %v", err)
	}
}

// ─── ValidID ───

func TestValidID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"sess-1:abc", true},
		{"sess-1:", false},
		{":abc", false},
		{"noseparator", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidID(tc.id); got != tc.want {
			t.Errorf("ValidID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

// ─── Close ───

func TestClose_Idempotent(t *testing.T) {
	s, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// ─── HTTP handler ───

func TestHandler_ServesArtifact(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.Put("sess-1", []byte("wav-bytes"), "audio/wav")

	h := Handler(s, "/audio/")
	req := httptest.NewRequest(http.MethodGet, "/audio/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/wav" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Body.String() != "wav-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_MissIs404(t *testing.T) {
	s := newTestStore(t)
	h := Handler(s, "/audio/")
	req := httptest.NewRequest(http.MethodGet, "/audio/sess-1:missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandler_JunkPathIs404(t *testing.T) {
	s := newTestStore(t)
	h := Handler(s, "/audio/")
	for _, path := range []string{"/audio/", "/audio/no-separator"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	s := newTestStore(t)
	h := Handler(s, "/audio/")
	req := httptest.NewRequest(http.MethodPost, "/audio/sess-1:abc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandler_HeadOmitsBody(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.Put("sess-1", []byte("wav-bytes"), "audio/wav")

	h := Handler(s, "/audio/")
	req := httptest.NewRequest(http.MethodHead, "/audio/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response carried a body of %d bytes", rec.Body.Len())
	}
}
