// Package mockllm is a scripted LLM server speaking the OpenAI, Anthropic and
// Gemini wire formats. Responses are selected by matching the requested model
// against registered scenarios.
package mockllm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/invakid404/baml-runtime/internal/apierror"
	"github.com/invakid404/baml-runtime/internal/httplogger"
)

// Server is a mock LLM server. It implements http.Handler.
type Server struct {
	store  *ScenarioStore
	router chi.Router
	logger zerolog.Logger
}

func NewServer(logger zerolog.Logger) *Server {
	s := &Server{
		store:  NewScenarioStore(),
		router: chi.NewRouter(),
		logger: logger,
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(httplogger.RequestLogger(logger, &httplogger.Options{
		RecoverPanics: true,
		Skip: func(r *http.Request) bool {
			return r.URL.Path == "/_admin/health"
		},
	}))

	r.Route("/_admin", func(r chi.Router) {
		r.Post("/scenarios", s.handleRegisterScenario)
		r.Delete("/scenarios", s.handleClearScenarios)
		r.Get("/scenarios", s.handleListScenarios)
		r.Delete("/scenarios/{id}", s.handleDeleteScenario)
		r.Get("/scenarios/{id}/last-request", s.handleGetLastRequest)
		r.Get("/health", s.handleHealth)
	})

	// OpenAI-compatible endpoints
	r.Post("/v1/chat/completions", s.handleOpenAI)
	r.Post("/chat/completions", s.handleOpenAI)

	// Anthropic
	r.Post("/v1/messages", s.handleAnthropic)

	// Gemini: /models/{model}:generateContent and :streamGenerateContent
	r.Post("/v1beta/models/{target}", s.handleGoogle)
	r.Post("/models/{target}", s.handleGoogle)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Store returns the scenario store for direct manipulation in tests.
func (s *Server) Store() *ScenarioStore {
	return s.store
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, message string, status int) {
	apierror.WriteJSON(w, message, status, middleware.GetReqID(r.Context()))
}

// Admin handlers

func (s *Server) handleRegisterScenario(w http.ResponseWriter, r *http.Request) {
	var scenario Scenario
	if err := json.NewDecoder(r.Body).Decode(&scenario); err != nil {
		writeError(w, r, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if scenario.ID == "" {
		writeError(w, r, "scenario ID is required", http.StatusBadRequest)
		return
	}
	if scenario.Provider != "" {
		if _, err := GetProvider(scenario.Provider); err != nil {
			writeError(w, r, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s.store.Register(&scenario)
	s.logger.Debug().
		Str("scenario", scenario.ID).
		Str("provider", scenario.Provider).
		Int("content_len", len(scenario.Content)).
		Msg("Registered scenario")

	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "id": scenario.ID})
}

func (s *Server) handleClearScenarios(w http.ResponseWriter, r *http.Request) {
	s.store.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.Delete(id) {
		writeError(w, r, "scenario not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetLastRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.store.GetLastRequest(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, "no request captured for scenario", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(req.Body)
}

// LLM endpoint handlers

func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.serve(w, r, "openai", gjson.GetBytes(body, "model").String(), gjson.GetBytes(body, "stream").Bool(), body)
}

func (s *Server) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.serve(w, r, "anthropic", gjson.GetBytes(body, "model").String(), gjson.GetBytes(body, "stream").Bool(), body)
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	model, method, found := strings.Cut(chi.URLParam(r, "target"), ":")
	if !found {
		writeError(w, r, "expected /models/{model}:{method}", http.StatusNotFound)
		return
	}
	switch method {
	case "generateContent":
		s.serve(w, r, "google-ai", model, false, body)
	case "streamGenerateContent":
		s.serve(w, r, "google-ai", model, true, body)
	default:
		writeError(w, r, "unknown method "+method, http.StatusNotFound)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeError(w, r, "invalid JSON body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, format, model string, stream bool, body []byte) {
	logger := s.logger
	if entry := httplogger.LogEntry(r.Context()); entry != nil {
		logger = *entry
	}

	scenario, attempt, ok := s.store.Next(model)
	if !ok {
		logger.Warn().Str("model", model).Msg("No scenario registered")
		writeError(w, r, fmt.Sprintf("no scenario registered for model: %s", model), http.StatusNotFound)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	s.store.CaptureRequest(model, &CapturedRequest{Path: r.URL.Path, Header: headers, Body: body})

	if scenario.Provider != "" {
		format = scenario.Provider
	}
	provider, err := GetProvider(format)
	if err != nil {
		writeError(w, r, err.Error(), http.StatusInternalServerError)
		return
	}

	logger.Debug().
		Str("scenario", scenario.ID).
		Int("attempt", attempt.Index).
		Bool("stream", stream).
		Msg("Serving scenario")

	if attempt.Fail {
		if err := sleep(r.Context(), attempt.InitialDelay); err != nil {
			return
		}
		s.fail(w, r, scenario, provider)
		return
	}

	if stream {
		sw, err := NewStreamWriter(w, provider)
		if err != nil {
			writeError(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", provider.ContentType(true))
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		if err := StreamResponse(r.Context(), sw, scenario, attempt); err != nil {
			logger.Debug().Err(err).Msg("Streaming ended early")
			if errors.Is(err, errDisconnect) {
				panic(http.ErrAbortHandler)
			}
		}
		return
	}

	if err := sleep(r.Context(), attempt.InitialDelay); err != nil {
		return
	}
	data, err := provider.FormatNonStreaming(attempt.Content)
	if err != nil {
		writeError(w, r, fmt.Sprintf("failed to format response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", provider.ContentType(false))
	_, _ = w.Write(data)
}

// fail writes a failure response before any content.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, scenario *Scenario, provider Provider) {
	switch scenario.FailureMode {
	case FailureTimeout:
		<-r.Context().Done()
	case FailureDisconnect:
		panic(http.ErrAbortHandler)
	default:
		status, err := strconv.Atoi(scenario.FailureMode)
		if err != nil || status < 400 {
			status = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(provider.FormatError(http.StatusText(status)))
	}
}
