package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-health/internal/utils"
)

func vectorResponse(value string) map[string]any {
	result := []any{}
	if value != "" {
		result = append(result, map[string]any{
			"metric": map[string]string{},
			"value":  []any{1_700_000_000, value},
		})
	}
	return map[string]any{
		"status": "success",
		"data":   map[string]any{"resultType": "vector", "result": result},
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func newTestSource(t *testing.T, handler http.HandlerFunc) *PrometheusSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	source, err := NewPrometheusSource(PrometheusOptions{BaseURL: server.URL}, nil)
	require.NoError(t, err)
	return source
}

func TestFetchSampleMapsFields(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		q := r.Form.Get("query")
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()
		switch {
		case strings.Contains(q, `status=~"5.."`):
			writeJSON(t, w, http.StatusOK, vectorResponse("0.02"))
		case strings.Contains(q, "histogram_quantile(0.99"):
			writeJSON(t, w, http.StatusOK, vectorResponse("0.2"))
		case strings.Contains(q, "container_memory_usage_bytes"):
			writeJSON(t, w, http.StatusOK, vectorResponse("536870912"))
		case strings.Contains(q, "kube_pod_info"):
			writeJSON(t, w, http.StatusOK, vectorResponse("3"))
		case strings.Contains(q, "http_requests_total"):
			writeJSON(t, w, http.StatusOK, vectorResponse("100"))
		case strings.Contains(q, "histogram_quantile(0.5"):
			writeJSON(t, w, http.StatusOK, vectorResponse("NaN"))
		default:
			writeJSON(t, w, http.StatusOK, vectorResponse(""))
		}
	})

	sample, err := source.FetchSample(context.Background(), "checkout")
	require.NoError(t, err)
	assert.Equal(t, "checkout", sample.Service)
	assert.InDelta(t, 100, sample.RequestRate, 1e-9)
	assert.InDelta(t, 0.02, sample.ErrorRate, 1e-9)
	assert.InDelta(t, 200, sample.LatencyP99, 1e-9)
	assert.InDelta(t, 512, sample.MemoryUsage, 1e-9)
	assert.Equal(t, 3, sample.PodCount)
	assert.Zero(t, sample.LatencyP50, "NaN quantile is treated as no data")
	assert.Zero(t, sample.CPUUsage)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 9)
	assert.Contains(t, queries[0], `service="checkout"`)
}

func TestFetchSampleNoData(t *testing.T) {
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, vectorResponse(""))
	})

	_, err := source.FetchSample(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrNoData)
	assert.NotErrorIs(t, err, utils.ErrSourceUnavailable)
}

func TestQuerySourceUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	source, err := NewPrometheusSource(PrometheusOptions{BaseURL: url}, nil)
	require.NoError(t, err)

	_, err = source.Query(context.Background(), "up", time.Now())
	assert.ErrorIs(t, err, utils.ErrSourceUnavailable)

	_, err = source.FetchSample(context.Background(), "checkout")
	assert.ErrorIs(t, err, utils.ErrSourceUnavailable)
}

func TestQueryRejectedIsNotUnavailable(t *testing.T) {
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]any{
			"status":    "error",
			"errorType": "bad_data",
			"error":     "parse error",
		})
	})

	_, err := source.Query(context.Background(), "rate(", time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, utils.ErrSourceUnavailable)
	var appErr *utils.AppError
	assert.True(t, errors.As(err, &appErr))
}

func TestQueryHonoursContextTimeout(t *testing.T) {
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(t, w, http.StatusOK, vectorResponse("1"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := source.Query(ctx, "up", time.Now())
	assert.ErrorIs(t, err, utils.ErrSourceUnavailable)
}

func TestFetchRangeMergesSeries(t *testing.T) {
	var hits atomic.Int32
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/api/v1/query_range", r.URL.Path)
		require.NoError(t, r.ParseForm())
		q := r.Form.Get("query")
		if !strings.Contains(q, "http_requests_total") || strings.Contains(q, "status=~") {
			writeJSON(t, w, http.StatusOK, map[string]any{
				"status": "success",
				"data":   map[string]any{"resultType": "matrix", "result": []any{}},
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "matrix",
				"result": []any{map[string]any{
					"metric": map[string]string{},
					"values": []any{
						[]any{1_700_000_060, "12"},
						[]any{1_700_000_000, "10"},
					},
				}},
			},
		})
	})

	start := time.Unix(1_700_000_000, 0)
	samples, err := source.FetchRange(context.Background(), "checkout", start, start.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.True(t, samples[0].Timestamp.Before(samples[1].Timestamp))
	assert.InDelta(t, 10, samples[0].RequestRate, 1e-9)
	assert.InDelta(t, 12, samples[1].RequestRate, 1e-9)
	assert.Equal(t, int32(9), hits.Load())

	_, err = source.FetchRange(context.Background(), "checkout", start, start, time.Minute)
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
}

func TestNewPrometheusSourceRequiresURL(t *testing.T) {
	_, err := NewPrometheusSource(PrometheusOptions{}, nil)
	assert.Error(t, err)
}

func TestFieldSelectorsEscapeServiceName(t *testing.T) {
	source, err := NewPrometheusSource(PrometheusOptions{BaseURL: "http://prometheus:9090"}, nil)
	require.NoError(t, err)
	for _, f := range source.fields(`we"ird`) {
		assert.Contains(t, f.expr, fmt.Sprintf("service=%s", `"we\"ird"`), f.name)
	}
}

func TestCustomRoundTripperIsUsed(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("dial tcp: connection refused")
	})
	source, err := NewPrometheusSource(PrometheusOptions{BaseURL: "http://prometheus:9090", RoundTripper: rt}, nil)
	require.NoError(t, err)

	_, err = source.Query(context.Background(), "up", time.Now())
	assert.ErrorIs(t, err, utils.ErrSourceUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}
