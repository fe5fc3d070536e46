package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/clipforge/internal/config"
	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/services"
)

const maxBodyBytes = 1 << 20

type Server struct {
	logger        *slog.Logger
	lifecycle     *services.WorkerLifecycle
	eventBus      *services.EventBus
	settings      *config.SettingsStore
	contract      *Contract
	publicBaseURL string
	keepAlive     time.Duration
}

func NewServer(
	logger *slog.Logger,
	lifecycle *services.WorkerLifecycle,
	eventBus *services.EventBus,
	settings *config.SettingsStore,
	contract *Contract,
	publicBaseURL string,
) *Server {
	return &Server{
		logger:        logger,
		lifecycle:     lifecycle,
		eventBus:      eventBus,
		settings:      settings,
		contract:      contract,
		publicBaseURL: publicBaseURL,
		keepAlive:     sseKeepAlive,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobSSE)
	mux.HandleFunc("GET /v1/jobs/{id}/files/{filename}", s.handleJobFile)

	mux.HandleFunc("POST /v1/batches", s.handleSubmitBatch)
	mux.HandleFunc("GET /v1/batches", s.handleListBatches)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /v1/batches/{id}/events", s.handleBatchSSE)

	mux.HandleFunc("POST /v1/metadata", s.handleProbeMetadata)

	mux.HandleFunc("GET /v1/settings/worker", s.handleGetWorkerSettings)
	mux.HandleFunc("PUT /v1/settings/worker", s.handleUpdateWorkerSettings)

	mux.HandleFunc("GET /v1/openapi.json", s.handleOpenAPI)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	raw, err := s.contract.JSON()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// decodeBody validates the request body against schemaName and decodes it into dest.
func (s *Server) decodeBody(r *http.Request, schemaName string, dest any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return &domain.ValidationError{Reason: "request body too large"}
	}
	if len(raw) == 0 {
		return &domain.ValidationError{Reason: "empty request body"}
	}
	if err := s.contract.ValidateBody(schemaName, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &domain.ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}

// pathParam binds a simple-style path parameter.
func pathParam(r *http.Request, name string) (string, error) {
	var value string
	err := runtime.BindStyledParameterWithOptions("simple", name, r.PathValue(name), &value, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", &domain.ValidationError{Field: name, Reason: err.Error()}
	}
	return value, nil
}

func queryParam(query url.Values, name string, dest any) error {
	if err := runtime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
		return &domain.ValidationError{Field: name, Reason: err.Error()}
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		verr   *domain.ValidationError
		jobErr *domain.JobError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, services.ErrArtifactNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotRetryable), errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrShuttingDown), errors.Is(err, services.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.As(err, &jobErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: jobErr.Message, Kind: string(jobErr.Kind)})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
