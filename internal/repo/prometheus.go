package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

// SeriesPoint is one value of a range query result.
type SeriesPoint struct {
	Timestamp time.Time
	Value     float64
}

// PrometheusOptions configures a PrometheusSource.
type PrometheusOptions struct {
	BaseURL    string
	RateWindow string
	QueryRate  float64
	QueryBurst int
	// RoundTripper overrides the HTTP transport; nil uses api.DefaultRoundTripper.
	RoundTripper http.RoundTripper
}

// PrometheusSource reads per-service samples through the Prometheus HTTP API.
type PrometheusSource struct {
	api        v1.API
	limiter    *rate.Limiter
	rateWindow string
	logger     *slog.Logger
}

// NewPrometheusSource initializes the Prometheus client connection.
func NewPrometheusSource(opts PrometheusOptions, logger *slog.Logger) (*PrometheusSource, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("prometheus base URL not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := opts.RoundTripper
	if rt == nil {
		rt = api.DefaultRoundTripper
	}
	client, err := api.NewClient(api.Config{Address: opts.BaseURL, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}

	limit := rate.Inf
	if opts.QueryRate > 0 {
		limit = rate.Limit(opts.QueryRate)
	}
	burst := opts.QueryBurst
	if burst <= 0 {
		burst = 1
	}
	window := opts.RateWindow
	if window == "" {
		window = "5m"
	}

	return &PrometheusSource{
		api:        v1.NewAPI(client),
		limiter:    rate.NewLimiter(limit, burst),
		rateWindow: window,
		logger:     logger,
	}, nil
}

// Query evaluates an instant query and returns its first value.
// An empty result, or NaN, is reported as utils.ErrNoData.
func (s *PrometheusSource) Query(ctx context.Context, expr string, at time.Time) (float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, utils.SourceUnavailable("prometheus.query", err)
	}
	result, warnings, err := s.api.Query(ctx, expr, at)
	if err != nil {
		return 0, classifyQueryError("prometheus.query", err)
	}
	if len(warnings) > 0 {
		s.logger.Debug("prometheus query warnings", slog.String("query", expr), slog.Any("warnings", warnings))
	}

	var value float64
	switch v := result.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, utils.ErrNoData
		}
		value = float64(v[0].Value)
	case *model.Scalar:
		value = float64(v.Value)
	default:
		return 0, utils.ErrNoData
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, utils.ErrNoData
	}
	return value, nil
}

// QueryRange evaluates a range query and returns the first series.
func (s *PrometheusSource) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]SeriesPoint, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, utils.SourceUnavailable("prometheus.query_range", err)
	}
	result, warnings, err := s.api.QueryRange(ctx, expr, v1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return nil, classifyQueryError("prometheus.query_range", err)
	}
	if len(warnings) > 0 {
		s.logger.Debug("prometheus range warnings", slog.String("query", expr), slog.Any("warnings", warnings))
	}

	matrix, ok := result.(model.Matrix)
	if !ok || len(matrix) == 0 {
		return nil, utils.ErrNoData
	}
	points := make([]SeriesPoint, 0, len(matrix[0].Values))
	for _, pair := range matrix[0].Values {
		v := float64(pair.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		points = append(points, SeriesPoint{Timestamp: pair.Timestamp.Time().UTC(), Value: v})
	}
	if len(points) == 0 {
		return nil, utils.ErrNoData
	}
	return points, nil
}

// sampleField is one PromQL expression feeding one MetricSample field.
type sampleField struct {
	name  string
	expr  string
	scale float64
	set   func(*models.MetricSample, float64)
}

func (s *PrometheusSource) fields(service string) []sampleField {
	sel := fmt.Sprintf("service=%s", strconv.Quote(service))
	w := s.rateWindow
	quantile := func(q string) string {
		return fmt.Sprintf("histogram_quantile(%s, sum by (le) (rate(http_request_duration_seconds_bucket{%s}[%s])))", q, sel, w)
	}
	return []sampleField{
		{"request_rate", fmt.Sprintf("sum(rate(http_requests_total{%s}[%s]))", sel, w), 1,
			func(m *models.MetricSample, v float64) { m.RequestRate = v }},
		{"error_rate", fmt.Sprintf("sum(rate(http_requests_total{%s,status=~\"5..\"}[%s])) / sum(rate(http_requests_total{%s}[%s]))", sel, w, sel, w), 1,
			func(m *models.MetricSample, v float64) { m.ErrorRate = v }},
		{"latency_p50", quantile("0.5"), 1000,
			func(m *models.MetricSample, v float64) { m.LatencyP50 = v }},
		{"latency_p95", quantile("0.95"), 1000,
			func(m *models.MetricSample, v float64) { m.LatencyP95 = v }},
		{"latency_p99", quantile("0.99"), 1000,
			func(m *models.MetricSample, v float64) { m.LatencyP99 = v }},
		{"cpu_usage", fmt.Sprintf("sum(rate(container_cpu_usage_seconds_total{%s}[%s]))", sel, w), 1,
			func(m *models.MetricSample, v float64) { m.CPUUsage = v }},
		{"memory_usage", fmt.Sprintf("sum(container_memory_usage_bytes{%s})", sel), 1.0 / (1 << 20),
			func(m *models.MetricSample, v float64) { m.MemoryUsage = v }},
		{"restart_count", fmt.Sprintf("sum(kube_pod_container_status_restarts_total{%s})", sel), 1,
			func(m *models.MetricSample, v float64) { m.RestartCount = int(v) }},
		{"pod_count", fmt.Sprintf("count(kube_pod_info{%s})", sel), 1,
			func(m *models.MetricSample, v float64) { m.PodCount = int(v) }},
	}
}

// FetchSample runs the per-field instant queries for service. Fields without
// data default to zero; a service with no data at all is utils.ErrNoData.
func (s *PrometheusSource) FetchSample(ctx context.Context, service string) (models.MetricSample, error) {
	now := time.Now()
	sample := models.MetricSample{Service: service, Timestamp: utils.SampleTime(now)}

	found := 0
	for _, f := range s.fields(service) {
		value, err := s.Query(ctx, f.expr, now)
		if errors.Is(err, utils.ErrNoData) {
			continue
		}
		if err != nil {
			return models.MetricSample{}, fmt.Errorf("%s: %w", f.name, err)
		}
		f.set(&sample, value*f.scale)
		found++
	}
	if found == 0 {
		return models.MetricSample{}, utils.NewAppError("prometheus.fetch_sample", "no series for service "+service, utils.ErrNoData)
	}
	return sample, nil
}

// FetchRange rebuilds historical samples for service by running every field
// as a range query and merging the series on timestamp.
func (s *PrometheusSource) FetchRange(ctx context.Context, service string, start, end time.Time, step time.Duration) ([]models.MetricSample, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: range end must follow start", utils.ErrInvalidArgument)
	}
	if step <= 0 {
		step = time.Minute
	}

	byTime := make(map[int64]*models.MetricSample)
	for _, f := range s.fields(service) {
		points, err := s.QueryRange(ctx, f.expr, start, end, step)
		if errors.Is(err, utils.ErrNoData) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		for _, p := range points {
			ts := utils.SampleTime(p.Timestamp)
			sample, ok := byTime[ts.UnixMilli()]
			if !ok {
				sample = &models.MetricSample{Service: service, Timestamp: ts}
				byTime[ts.UnixMilli()] = sample
			}
			f.set(sample, p.Value*f.scale)
		}
	}
	if len(byTime) == 0 {
		return nil, utils.NewAppError("prometheus.fetch_range", "no series for service "+service, utils.ErrNoData)
	}

	samples := make([]models.MetricSample, 0, len(byTime))
	for _, sample := range byTime {
		samples = append(samples, *sample)
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return samples, nil
}

// classifyQueryError separates rejected queries from an unreachable source.
func classifyQueryError(op string, err error) error {
	var apiErr *v1.Error
	if errors.As(err, &apiErr) && apiErr.Type == v1.ErrBadData {
		return utils.NewAppError(op, "query rejected", err)
	}
	return utils.SourceUnavailable(op, err)
}
