package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/manthysbr/scriptdeck/internal/config"
	"github.com/manthysbr/scriptdeck/internal/core/domain"
	"github.com/manthysbr/scriptdeck/internal/core/services"
)

// maxBodyBytes caps JSON request bodies; uploads have their own limit.
const maxBodyBytes = 4 << 20

// Server exposes the job orchestrator over HTTP.
type Server struct {
	logger    *slog.Logger
	orch      *services.Orchestrator
	bus       *services.EventBus
	workspace *services.Workspace
	ingester  domain.Ingester
	settings  *config.SettingsStore
}

// NewServer wires the HTTP layer. settings may be nil, in which case the
// settings routes answer 404.
func NewServer(
	logger *slog.Logger,
	orch *services.Orchestrator,
	bus *services.EventBus,
	workspace *services.Workspace,
	ingester domain.Ingester,
	settings *config.SettingsStore,
) *Server {
	return &Server{
		logger:    logger,
		orch:      orch,
		bus:       bus,
		workspace: workspace,
		ingester:  ingester,
		settings:  settings,
	}
}

// Handler returns the API routes without CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/scripts/parse", s.handleParseScript)
	mux.HandleFunc("POST /v1/describe", s.handleDescribe)

	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/export", s.handleExportJob)
	mux.HandleFunc("GET /v1/jobs/{id}/download", s.handleDownload)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("GET /v1/jobs/{id}/files/{name}", s.handleJobFile)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	return mux
}

// CORSHandler wraps Handler for browser clients on the given origins.
func (s *Server) CORSHandler(origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: !allowsAny(origins),
	})
	return c.Handler(s.Handler())
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyItems),
		errors.Is(err, domain.ErrUnsupportedFormat),
		errors.Is(err, domain.ErrNoNarration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidStartState),
		errors.Is(err, domain.ErrJobRunning),
		errors.Is(err, domain.ErrJobNotCompleted),
		errors.Is(err, domain.ErrJobFinished),
		errors.Is(err, domain.ErrNothingToExport):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail logs server-side errors and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
