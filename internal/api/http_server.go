package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"signalgw/internal/config"
	"signalgw/internal/gwerrors"
	"signalgw/internal/logging"
	"signalgw/internal/metrics"
	"signalgw/internal/models"
	"signalgw/internal/ratelimit"
	"signalgw/internal/scheduler"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskScheduler is the scheduler surface the admin API drives.
type TaskScheduler interface {
	CreateTask(ctx context.Context, req models.SyncRequest) (string, error)
	Enqueue(taskID string) error
	Submit(taskID string) (*scheduler.Future, error)
	Cancel(taskID string) bool
	GetStatus(taskID string) (*models.SyncTask, error)
	GetActiveTasks() []models.SyncTask
	GetHistory(controllerID string, limit int) []models.SyncTask
	GetStats() models.SyncStats
	Pause()
	Resume()
}

// SubscriptionView exposes the current subscriptions per peer.
type SubscriptionView interface {
	Snapshot() map[string][]string
}

// PayloadDecoder turns a typed JSON object into a payload.
type PayloadDecoder interface {
	DecodePayload(objectType string, raw json.RawMessage) (models.Payload, error)
}

// HTTPServer exposes the admin API for sync tasks and subscriptions.
type HTTPServer struct {
	cfg           config.APIConfig
	scheduler     TaskScheduler
	subscriptions SubscriptionView
	decoder       PayloadDecoder
	exportDir     string
	server        *http.Server
	auth          *HTTPAuth
	logger        zerolog.Logger
	now           func() time.Time
}

func NewHTTPServer(
	cfg config.APIConfig,
	sched TaskScheduler,
	subs SubscriptionView,
	decoder PayloadDecoder,
	exportDir string,
	logger *zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:           cfg,
		scheduler:     sched,
		subscriptions: subs,
		decoder:       decoder,
		exportDir:     exportDir,
		auth:          NewHTTPAuth(cfg),
		logger:        logging.Component(logger, "http-api"),
		now:           time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("POST /api/v1/tasks", srv.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", srv.handleActiveTasks)
	mux.HandleFunc("GET /api/v1/tasks/history", srv.handleHistory)
	mux.HandleFunc("GET /api/v1/tasks/stats", srv.handleStats)
	mux.HandleFunc("GET /api/v1/tasks/export", srv.handleExport)
	mux.HandleFunc("POST /api/v1/tasks/export", srv.handleSaveExport)
	mux.HandleFunc("GET /api/v1/tasks/{id}", srv.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/submit", srv.handleSubmit)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("POST /api/v1/scheduler/pause", srv.handlePause)
	mux.HandleFunc("POST /api/v1/scheduler/resume", srv.handleResume)
	mux.HandleFunc("GET /api/v1/subscriptions", srv.handleSubscriptions)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg      config.APIConfig
	clients  map[string]config.APIClientKey
	limiters *ratelimit.Keyed
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiters: ratelimit.New(cfg.RateLimit)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) headerName() string {
	h := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerName()))
	if apiKey == "" {
		return errors.New("missing api key header")
	}

	client, ok := lookupClient(a.clients, apiKey)
	if !ok {
		return errors.New("invalid api key")
	}
	if !hasPermission(client, requiredPermissionHTTP(r)) {
		return errPermissionDenied
	}
	return nil
}

func requiredPermissionHTTP(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/api/v1/") {
		return ""
	}
	if r.Method == http.MethodGet {
		return permReadTasks
	}
	return permWriteTasks
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if !a.limiters.Allow(a.clientKey(r)) {
		return errors.New("rate limit exceeded")
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerName())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDMetadataKey))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDMetadataKey, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gwerrors.ErrValidation), errors.Is(err, gwerrors.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, gwerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gwerrors.ErrBusiness):
		return http.StatusConflict
	case errors.Is(err, gwerrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gwerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gwerrors.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": gwerrors.MessageOf(err),
		"code":  gwerrors.CodeOf(err),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
