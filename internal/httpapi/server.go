// Package httpapi serves the local control API for the archive client.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayarchive/internal/engine"
	"github.com/agentworkforce/relayarchive/internal/jobs"
)

// Controller is the subset of the engine the API drives.
type Controller interface {
	Enqueue(rawURL, platform string, options map[string]string) (jobs.Job, error)
	Submit(ctx context.Context, jobID string) error
	Reconcile(ctx context.Context) error
	CatchUp(ctx context.Context) error
	Store() *jobs.Store
}

// NoticeSource exposes recently raised notices.
type NoticeSource interface {
	Notices() []engine.Notice
}

type ServerConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxBodyBytes      int64
	OperationTimeout  time.Duration
	ControlToken      string
	Notices           NoticeSource
	Logger            *slog.Logger
}

type Server struct {
	ctrl    Controller
	cfg     ServerConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewServer(ctrl Controller) *Server {
	return NewServerWithConfig(ctrl, ServerConfig{})
}

func NewServerWithConfig(ctrl Controller, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 2 * time.Minute
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{ctrl: ctrl, cfg: cfg, limiter: limiter, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.ControlToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "jobs" && r.Method == http.MethodGet:
		s.handleListJobs(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "jobs" && r.Method == http.MethodPost:
		s.handleEnqueue(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "jobs" && r.Method == http.MethodGet:
		s.handleGetJob(w, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "reconcile" && r.Method == http.MethodPost:
		s.handleReconcile(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "catch-up" && r.Method == http.MethodPost:
		s.handleCatchUp(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "notices" && r.Method == http.MethodGet:
		s.handleNotices(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type enqueueRequest struct {
	URL       string            `json:"url"`
	Platform  string            `json:"platform,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	SubmitNow bool              `json:"submitNow,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url is required", correlationID)
		return
	}
	job, err := s.ctrl.Enqueue(req.URL, req.Platform, req.Options)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if req.SubmitNow {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OperationTimeout)
		defer cancel()
		if err := s.ctrl.Submit(ctx, job.ID); err != nil {
			s.logger.Warn("immediate submit failed", "job_id", job.ID, "error", err, "correlation_id", correlationID)
		}
		if current, ok := s.ctrl.Store().Get(job.ID); ok {
			job = current
		} else {
			writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": "resolved"})
			return
		}
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, correlationID string) {
	var statuses []jobs.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid status filter", correlationID)
				return
			}
			statuses = append(statuses, status)
		}
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 500, 1, 5000)
	list := s.ctrl.Store().List(statuses...)
	if len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, id, correlationID string) {
	job, ok := s.ctrl.Store().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OperationTimeout)
	defer cancel()
	if err := s.ctrl.Reconcile(ctx); err != nil {
		writeError(w, http.StatusBadGateway, "reconcile_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "remaining": s.ctrl.Store().Len()})
}

func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OperationTimeout)
	defer cancel()
	if err := s.ctrl.CatchUp(ctx); err != nil {
		writeError(w, http.StatusBadGateway, "catch_up_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Notices == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notices": []any{}})
		return
	}
	notices := s.cfg.Notices.Notices()
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if len(notices) > limit {
		notices = notices[len(notices)-limit:]
	}
	out := make([]map[string]string, 0, len(notices))
	for _, n := range notices {
		out = append(out, map[string]string{
			"kind":    string(n.Kind),
			"jobId":   n.JobID,
			"url":     n.URL,
			"message": n.Message,
			"path":    n.Path,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": out})
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, jobs.ErrDuplicate), errors.Is(err, jobs.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
