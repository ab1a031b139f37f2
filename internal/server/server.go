// Package server exposes the voice chat agent over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"VoiceDesk/internal/agent"
	"VoiceDesk/internal/session"
	"VoiceDesk/internal/speech"
)

// Spoken fallbacks for turns that never reach the agent loop or fail
// inside it. Kept short so synthesis stays fast.
const (
	emptyTranscriptionReply = "I didn't hear a command. Could you please speak up?"
	internalErrorReply      = "I am sorry, an unexpected error occurred. Please check the server logs."
)

const maxUploadBytes = 25 << 20

// Server handles voice chat requests: audio in, audio out, with the
// agent loop in between.
type Server struct {
	sessions    session.Store
	loop        *agent.Loop
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	model       string
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Options configure a Server.
type Options struct {
	Sessions    session.Store
	Loop        *agent.Loop
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Model       string
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// New creates a Server. Sessions, Loop, Transcriber and Synthesizer are
// required.
func New(opts Options) (*Server, error) {
	if opts.Sessions == nil || opts.Loop == nil || opts.Transcriber == nil || opts.Synthesizer == nil {
		return nil, errors.New("sessions, loop, transcriber and synthesizer are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("server")
	}
	return &Server{
		sessions:    opts.Sessions,
		loop:        opts.Loop,
		transcriber: opts.Transcriber,
		synthesizer: opts.Synthesizer,
		model:       opts.Model,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
	}, nil
}

// Handler returns the full route table wrapped in the middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return s.withLogging(s.withCORS(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A turn can spend the full loop deadline before writing.
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleChat runs one voice turn: transcribe the upload, run the agent
// loop against the session history, speak the reply back.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "chat_turn")
	defer span.End()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing audio file")
		return
	}
	defer file.Close()

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	transcription, err := s.transcriber.Transcribe(ctx, file, header.Filename)
	if err != nil {
		s.logger.Error("transcription failed", "session_id", sessionID, "error", err)
		s.respondError(ctx, w, r, sessionID, "")
		return
	}

	if transcription == "" {
		s.logger.Info("empty transcription", "session_id", sessionID)
		s.respondSpoken(ctx, w, r, sessionID, "", emptyTranscriptionReply)
		return
	}

	// One turn per session at a time. History is committed only after
	// the loop finishes, so a failed turn leaves the session untouched.
	s.sessions.Lock(sessionID)
	defer s.sessions.Unlock(sessionID)

	history, _ := s.sessions.Get(sessionID)
	history = append(history, session.User(transcription))

	updated, reply, err := s.loop.Run(ctx, history)
	if err != nil {
		s.logger.Error("agent loop failed", "session_id", sessionID, "error", err)
		s.respondError(ctx, w, r, sessionID, transcription)
		return
	}
	s.sessions.Put(sessionID, updated)

	s.logger.Info("turn complete",
		"session_id", sessionID,
		"transcription_chars", len(transcription),
		"reply_chars", len(reply.Content))
	s.respondSpoken(ctx, w, r, sessionID, transcription, reply.Content)
}

// respondSpoken synthesizes text and writes it as the audio response.
func (s *Server) respondSpoken(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID, transcription, text string) {
	audio, err := s.synthesizer.Synthesize(ctx, text)
	if err != nil {
		s.logger.Error("synthesis failed", "session_id", sessionID, "error", err)
		s.respondError(ctx, w, r, sessionID, transcription)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="response.mp3"`)
	w.Header().Set("X-Session-ID", sessionID)
	w.Header().Set("X-Transcription", transcription)
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

// respondError reports a failed turn. JSON clients get a JSON body,
// everyone else gets the spoken apology so a voice-only frontend still
// has something to play.
func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID, transcription string) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("X-Session-ID", sessionID)
		writeJSONError(w, http.StatusInternalServerError, internalErrorReply)
		return
	}

	audio, err := s.synthesizer.Synthesize(ctx, internalErrorReply)
	if err != nil {
		w.Header().Set("X-Session-ID", sessionID)
		writeJSONError(w, http.StatusInternalServerError, internalErrorReply)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="response.mp3"`)
	w.Header().Set("X-Session-ID", sessionID)
	w.Header().Set("X-Transcription", transcription)
	w.WriteHeader(http.StatusInternalServerError)
	w.Write(audio)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "VoiceDesk agent is running (model: %s)\n", s.model)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// withCORS allows browser frontends served from any origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		w.Header().Set("Access-Control-Expose-Headers", "X-Session-ID, X-Transcription")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
