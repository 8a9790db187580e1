package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

// HealthAPI is the service facade exposed over REST.
type HealthAPI interface {
	ListServices(ctx context.Context) ([]models.ServiceRegistration, error)
	RegisterService(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error)
	HealthSummary(ctx context.Context, service string) ([]models.ServiceHealth, error)
	ListAnomalies(ctx context.Context, q models.AnomalyQuery) ([]models.AnomalyRecord, error)
	History(ctx context.Context, q models.HistoryQuery) ([]models.MetricSample, error)
	TriggerCollection(ctx context.Context, service string) (models.CollectionResult, error)
	AnomalyPatterns(ctx context.Context, q models.AnomalyQuery) ([]models.AnomalyPattern, error)
	DiscoverKubernetes(ctx context.Context) (int, error)
	Ready(ctx context.Context) error
}

const (
	defaultLookbackHours = 24
	maxBodyBytes         = 1 << 20
)

// Handler serves the REST API.
type Handler struct {
	svc    HealthAPI
	logger *slog.Logger
	now    func() time.Time
}

// NewHTTPHandler builds the routed, CORS-wrapped REST handler.
func NewHTTPHandler(svc HealthAPI, logger *slog.Logger, allowedOrigins []string) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, logger: logger, now: time.Now}

	router := mux.NewRouter()
	router.Use(h.recoveryMiddleware)
	router.Use(h.loggingMiddleware)

	router.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	api.HandleFunc("/services/register", h.RegisterService).Methods(http.MethodPost)
	api.HandleFunc("/health/summary", h.HealthSummary).Methods(http.MethodGet)
	api.HandleFunc("/health/anomalies", h.ListAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/health/patterns", h.AnomalyPatterns).Methods(http.MethodGet)
	api.HandleFunc("/metrics/history", h.History).Methods(http.MethodGet)
	api.HandleFunc("/collect/{service}", h.TriggerCollection).Methods(http.MethodPost)
	api.HandleFunc("/discovery/kubernetes", h.DiscoverKubernetes).Methods(http.MethodPost)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

// Healthz reports process readiness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListServices handles GET /api/services.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.svc.ListServices(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, services)
}

// RegisterService handles POST /api/services/register.
func (h *Handler) RegisterService(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	resp, err := h.svc.RegisterService(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, resp)
}

// HealthSummary handles GET /api/health/summary[?service=].
func (h *Handler) HealthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.HealthSummary(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ListAnomalies handles GET /api/health/anomalies.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	rng, err := h.parseRange(r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	anomalies, err := h.svc.ListAnomalies(r.Context(), models.AnomalyQuery{
		Service: r.URL.Query().Get("service"),
		Range:   rng,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, anomalies)
}

// AnomalyPatterns handles GET /api/health/patterns.
func (h *Handler) AnomalyPatterns(w http.ResponseWriter, r *http.Request) {
	rng, err := h.parseRange(r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	mined, err := h.svc.AnomalyPatterns(r.Context(), models.AnomalyQuery{
		Service: r.URL.Query().Get("service"),
		Range:   rng,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, mined)
}

// History handles GET /api/metrics/history?service=&hours=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	rng, err := h.parseRange(r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	samples, err := h.svc.History(r.Context(), models.HistoryQuery{
		Service: r.URL.Query().Get("service"),
		Range:   rng,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, samples)
}

// TriggerCollection handles POST /api/collect/{service}.
func (h *Handler) TriggerCollection(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.TriggerCollection(r.Context(), mux.Vars(r)["service"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// DiscoverKubernetes handles POST /api/discovery/kubernetes.
func (h *Handler) DiscoverKubernetes(w http.ResponseWriter, r *http.Request) {
	created, err := h.svc.DiscoverKubernetes(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"registered": created})
}

// parseRange reads since/until (RFC3339) or hours. An absent range is left
// open so the facade applies its default lookback.
func (h *Handler) parseRange(r *http.Request) (models.TimeRange, error) {
	q := r.URL.Query()
	var rng models.TimeRange

	since, until := q.Get("since"), q.Get("until")
	if since != "" || until != "" {
		if q.Get("hours") != "" {
			return rng, fmt.Errorf("%w: use either hours or since/until", utils.ErrInvalidArgument)
		}
		if since != "" {
			t, err := utils.ParseRFC3339(since)
			if err != nil {
				return rng, fmt.Errorf("%w: since: %v", utils.ErrInvalidArgument, err)
			}
			rng.Start = t
		}
		if until != "" {
			t, err := utils.ParseRFC3339(until)
			if err != nil {
				return rng, fmt.Errorf("%w: until: %v", utils.ErrInvalidArgument, err)
			}
			rng.End = t
		}
		return rng, nil
	}

	if q.Get("hours") == "" {
		return rng, nil
	}
	lookback, err := utils.ParseHours(q.Get("hours"), defaultLookbackHours)
	if err != nil {
		return rng, fmt.Errorf("%w: %v", utils.ErrInvalidArgument, err)
	}
	rng.Start = h.now().Add(-lookback)
	return rng, nil
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	respondError(w, status, err.Error())
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, utils.ErrSourceUnavailable), errors.Is(err, utils.ErrNoData):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (h *Handler) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic in handler", slog.String("path", r.URL.Path), slog.Any("panic", rec))
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": strings.TrimSpace(message)})
}
