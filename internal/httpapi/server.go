// Package httpapi exposes the pipeline as a synchronous HTTP endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	maxBodyBytes            = 64 << 20
	defaultAudioContentType = "audio/wav"
)

// ErrMalformedBody indicates a request body that is not {"input": {...}}.
var ErrMalformedBody = errors.New("request body must be a JSON object with an 'input' mapping")

// RunRequest is the body of POST /runsync.
type RunRequest struct {
	Input map[string]any `json:"input"`
}

// RunResponse is the body returned by POST /runsync.
type RunResponse struct {
	Output core.Outcome `json:"output"`
}

// AudioSource serves audio published by the worker.
type AudioSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
	ContentType(ctx context.Context, key string) (string, error)
}

// Server routes HTTP requests to a Runner.
type Server struct {
	runner core.Runner
	store  AudioSource
	log    *logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAudioSource enables GET /audio/{key} backed by store.
func WithAudioSource(store AudioSource) Option {
	return func(s *Server) {
		s.store = store
	}
}

// NewServer creates a Server.
func NewServer(runner core.Runner, log *logger.Logger, opts ...Option) *Server {
	server := &Server{runner: runner, log: log}
	for _, opt := range opts {
		opt(server)
	}

	return server
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Post("/runsync", s.runSync)

	if s.store != nil {
		r.Get("/audio/{key}", s.getAudio)
	}

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request) {
	requestID := chimiddleware.GetReqID(r.Context())

	var body RunRequest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))

	err := decoder.Decode(&body)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedBody, err)
	} else if body.Input == nil {
		err = ErrMalformedBody
	}

	if err != nil {
		s.log.Warn("Request %s rejected: %v", requestID, err)
		writeJSON(w, http.StatusBadRequest, RunResponse{Output: core.Outcome{Err: err}})

		return
	}

	started := time.Now()
	outcome := s.runner.Run(r.Context(), body.Input)
	status := StatusFor(outcome.Err)

	s.log.Info("Request %s finished with %d in %s", requestID, status, time.Since(started).Round(time.Millisecond))
	writeJSON(w, status, RunResponse{Output: outcome})
}

func (s *Server) getAudio(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	data, err := s.store.Get(r.Context(), key)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, core.ErrObjectNotFound) {
			status = http.StatusNotFound
		}

		s.log.Warn("Audio '%s' not served: %v", key, err)
		writeJSON(w, status, map[string]string{"error": err.Error()})

		return
	}

	contentType, err := s.store.ContentType(r.Context(), key)
	if err != nil {
		s.log.Warn("Audio '%s' has no readable content type: %v", key, err)
	}

	if contentType == "" {
		contentType = defaultAudioContentType
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// StatusFor maps a pipeline error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrCanceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
