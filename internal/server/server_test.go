package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"VoiceDesk/internal/agent"
	"VoiceDesk/internal/session"
	"VoiceDesk/internal/tools"
)

type stubCompleter struct {
	calls int
	reply string
	err   error
}

func (c *stubCompleter) Complete(ctx context.Context, msgs []session.Message, schemas []tools.Schema) (session.Message, error) {
	c.calls++
	if c.err != nil {
		return session.Message{}, c.err
	}
	return session.Message{Role: session.RoleAssistant, Content: c.reply}, nil
}

type stubTranscriber struct {
	text string
	err  error
}

func (t *stubTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	return t.text, t.err
}

type stubSynthesizer struct {
	err error
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("AUDIO:" + text), nil
}

type fixture struct {
	srv       *Server
	completer *stubCompleter
	stt       *stubTranscriber
	sessions  *session.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	completer := &stubCompleter{reply: "How can I help you today?"}
	registry := tools.NewRegistry(nil)
	loop := agent.New(completer, registry, agent.Options{})
	sessions := session.NewMemoryStore(0)

	stt := &stubTranscriber{text: "my printer is broken"}
	srv, err := New(Options{
		Sessions:    sessions,
		Loop:        loop,
		Transcriber: stt,
		Synthesizer: &stubSynthesizer{},
		Model:       "test-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{srv: srv, completer: completer, stt: stt, sessions: sessions}
}

func audioRequest(t *testing.T, sessionID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "input.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("fake-audio"))
	if sessionID != "" {
		mw.WriteField("session_id", sessionID)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestChatMissingAudioRejectedBeforeLoop(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("session_id", "s1")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error field")
	}
	if f.completer.calls != 0 {
		t.Errorf("completer called %d times before validation", f.completer.calls)
	}
}

func TestChatGeneratesSessionID(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, audioRequest(t, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d, body: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Error("expected generated session id header")
	}
	if got := rec.Header().Get("X-Transcription"); got != "my printer is broken" {
		t.Errorf("transcription header: %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("content type: %q", ct)
	}
	if got := rec.Body.String(); got != "AUDIO:How can I help you today?" {
		t.Errorf("body: %q", got)
	}
}

func TestChatEchoesSessionIDAndGrowsHistory(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, audioRequest(t, "caller-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("turn %d status: %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-Session-ID"); got != "caller-1" {
			t.Errorf("session header: %q", got)
		}
	}

	history, ok := f.sessions.Get("caller-1")
	if !ok {
		t.Fatal("session not committed")
	}
	// Two turns, each a user message plus an assistant reply.
	if len(history) != 4 {
		t.Fatalf("history length: %d", len(history))
	}
	if history[0].Role != session.RoleUser || history[1].Role != session.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", history[0].Role, history[1].Role)
	}
}

func TestChatEmptyTranscriptionSkipsLoop(t *testing.T) {
	f := newFixture(t)
	f.stt.text = ""

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, audioRequest(t, "caller-2"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if got := rec.Body.String(); got != "AUDIO:"+emptyTranscriptionReply {
		t.Errorf("body: %q", got)
	}
	if f.completer.calls != 0 {
		t.Errorf("loop ran on empty transcription")
	}
	if _, ok := f.sessions.Get("caller-2"); ok {
		t.Error("empty turn should not commit history")
	}
}

func TestChatLoopErrorLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	f.completer.err = errors.New("backend down")

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, audioRequest(t, "caller-3"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: %d", rec.Code)
	}
	if got := rec.Body.String(); got != "AUDIO:"+internalErrorReply {
		t.Errorf("body: %q", got)
	}
	if _, ok := f.sessions.Get("caller-3"); ok {
		t.Error("failed turn should not commit history")
	}
}

func TestChatErrorAsJSONForJSONClients(t *testing.T) {
	f := newFixture(t)
	f.completer.err = errors.New("backend down")

	req := audioRequest(t, "caller-4")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["error"] != internalErrorReply {
		t.Errorf("error message: %q", body["error"])
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body: %q", rec.Body.String())
	}
}

func TestRootNamesModel(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test-model") {
		t.Errorf("body: %q", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/api/chat", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
