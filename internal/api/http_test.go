package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

type fakeHealthAPI struct {
	err         error
	created     bool
	lastService string
	lastRange   models.TimeRange
	registered  models.RegisterRequest
}

func (f *fakeHealthAPI) ListServices(context.Context) ([]models.ServiceRegistration, error) {
	return []models.ServiceRegistration{{Name: "checkout", Type: "http", Status: models.ServiceStatusActive}}, f.err
}

func (f *fakeHealthAPI) RegisterService(_ context.Context, req models.RegisterRequest) (models.RegisterResponse, error) {
	f.registered = req
	if f.err != nil {
		return models.RegisterResponse{}, f.err
	}
	return models.RegisterResponse{Service: models.ServiceRegistration{Name: req.Name, Type: req.Type}, Created: f.created}, nil
}

func (f *fakeHealthAPI) HealthSummary(_ context.Context, service string) ([]models.ServiceHealth, error) {
	f.lastService = service
	if f.err != nil {
		return nil, f.err
	}
	score := 85
	return []models.ServiceHealth{{Service: "checkout", Score: &score, Status: models.HealthDegraded}}, nil
}

func (f *fakeHealthAPI) ListAnomalies(_ context.Context, q models.AnomalyQuery) ([]models.AnomalyRecord, error) {
	f.lastService, f.lastRange = q.Service, q.Range
	return []models.AnomalyRecord{}, f.err
}

func (f *fakeHealthAPI) History(_ context.Context, q models.HistoryQuery) ([]models.MetricSample, error) {
	f.lastService, f.lastRange = q.Service, q.Range
	return []models.MetricSample{}, f.err
}

func (f *fakeHealthAPI) TriggerCollection(_ context.Context, service string) (models.CollectionResult, error) {
	f.lastService = service
	return models.CollectionResult{Service: service}, f.err
}

func (f *fakeHealthAPI) AnomalyPatterns(_ context.Context, q models.AnomalyQuery) ([]models.AnomalyPattern, error) {
	f.lastService = q.Service
	return []models.AnomalyPattern{}, f.err
}

func (f *fakeHealthAPI) DiscoverKubernetes(context.Context) (int, error) {
	return 3, f.err
}

func (f *fakeHealthAPI) Ready(context.Context) error { return f.err }

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterServiceStatusCodes(t *testing.T) {
	fake := &fakeHealthAPI{created: true}
	h := NewHTTPHandler(fake, nil, nil)

	rec := serve(t, h, http.MethodPost, "/api/services/register", `{"service_name":"checkout","service_type":"http"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "checkout", fake.registered.Name)

	fake.created = false
	rec = serve(t, h, http.MethodPost, "/api/services/register", `{"service_name":"checkout"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, http.MethodPost, "/api/services/register", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "invalid JSON")
}

func TestErrorTaxonomyMapsToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: service_name is required", utils.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("%w: ghost", utils.ErrServiceNotFound), http.StatusNotFound},
		{utils.NewAppError("trigger_collection", "cooldown", utils.ErrRateLimited), http.StatusTooManyRequests},
		{utils.SourceUnavailable("prometheus.query", errors.New("timeout")), http.StatusBadGateway},
		{utils.Persistence("store.insert_sample", errors.New("disk full")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fake := &fakeHealthAPI{err: tc.err}
		rec := serve(t, NewHTTPHandler(fake, nil, nil), http.MethodPost, "/api/collect/checkout", "")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
		assert.Equal(t, "checkout", fake.lastService)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
	}
}

func TestSummaryAndServices(t *testing.T) {
	fake := &fakeHealthAPI{}
	h := NewHTTPHandler(fake, nil, nil)

	rec := serve(t, h, http.MethodGet, "/api/health/summary?service=checkout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "checkout", fake.lastService)
	var summary []models.ServiceHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Len(t, summary, 1)
	assert.Equal(t, 85, *summary[0].Score)

	rec = serve(t, h, http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"checkout"`)

	rec = serve(t, h, http.MethodGet, "/api/collect/checkout", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRangeParsing(t *testing.T) {
	fake := &fakeHealthAPI{}
	h := NewHTTPHandler(fake, nil, nil)

	rec := serve(t, h, http.MethodGet, "/api/health/anomalies?service=checkout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fake.lastRange.Start.IsZero(), "no range means the default lookback")

	before := time.Now()
	rec = serve(t, h, http.MethodGet, "/api/metrics/history?service=checkout&hours=6", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, before.Add(-6*time.Hour), fake.lastRange.Start, 5*time.Second)

	rec = serve(t, h, http.MethodGet, "/api/health/anomalies?since=2024-03-01T00:00:00Z&until=2024-03-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), fake.lastRange.End.UTC())

	for _, target := range []string{
		"/api/metrics/history?service=checkout&hours=-1",
		"/api/metrics/history?service=checkout&hours=abc",
		"/api/health/anomalies?since=yesterday",
		"/api/health/patterns?hours=2&since=2024-03-01T00:00:00Z",
	} {
		rec = serve(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestDiscoveryAndHealthz(t *testing.T) {
	fake := &fakeHealthAPI{}
	h := NewHTTPHandler(fake, nil, nil)

	rec := serve(t, h, http.MethodPost, "/api/discovery/kubernetes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"registered":3}`, rec.Body.String())

	rec = serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	fake.err = utils.Persistence("store.ping", errors.New("closed"))
	rec = serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewHTTPHandler(&fakeHealthAPI{}, nil, []string{"https://dashboard.example.com"})
	req := httptest.NewRequest(http.MethodOptions, "/api/services", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
