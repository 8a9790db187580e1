package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// baseline values per query family, before jitter.
var baselines = []struct {
	match string
	value float64
}{
	{`status=~"5.."`, 0.01},
	{"histogram_quantile(0.5,", 0.045},
	{"histogram_quantile(0.95,", 0.11},
	{"histogram_quantile(0.99,", 0.18},
	{"container_cpu_usage_seconds_total", 0.35},
	{"container_memory_usage_bytes", 512 * (1 << 20)},
	{"kube_pod_container_status_restarts_total", 0},
	{"kube_pod_info", 3},
	{"http_requests_total", 120},
}

var serviceLabel = regexp.MustCompile(`service="([^"]*)"`)

type spikes struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func (s *spikes) active(service string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at.Before(s.until[service])
}

func (s *spikes) set(service string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[service] = time.Now().Add(d)
}

func main() {
	sp := &spikes{until: make(map[string]time.Time)}
	mux := http.NewServeMux()
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		expr := r.FormValue("query")
		at := parseTime(r.FormValue("time"), time.Now())
		writeJSON(w, map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "vector",
				"result": []map[string]any{{
					"metric": map[string]string{},
					"value":  []any{float64(at.Unix()), format(valueFor(expr, at, sp))},
				}},
			},
		})
	})

	mux.HandleFunc("/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		expr := r.FormValue("query")
		end := parseTime(r.FormValue("end"), time.Now())
		start := parseTime(r.FormValue("start"), end.Add(-time.Hour))
		step, err := strconv.ParseFloat(r.FormValue("step"), 64)
		if err != nil || step <= 0 {
			step = 60
		}
		var values [][]any
		for t := start; !t.After(end); t = t.Add(time.Duration(step * float64(time.Second))) {
			values = append(values, []any{float64(t.Unix()), format(valueFor(expr, t, sp))})
		}
		writeJSON(w, map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "matrix",
				"result":     []map[string]any{{"metric": map[string]string{}, "values": values}},
			},
		})
	})

	// POST /spike?service=checkout&minutes=5 raises that service's error rate.
	mux.HandleFunc("/spike", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		minutes, err := strconv.Atoi(r.URL.Query().Get("minutes"))
		if err != nil || minutes <= 0 {
			minutes = 5
		}
		sp.set(r.URL.Query().Get("service"), time.Duration(minutes)*time.Minute)
		w.WriteHeader(http.StatusAccepted)
	})

	logger := log.New(log.Writer(), "prometheus-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func valueFor(expr string, at time.Time, sp *spikes) float64 {
	service := ""
	if m := serviceLabel.FindStringSubmatch(expr); m != nil {
		service = m[1]
	}
	for _, b := range baselines {
		if !strings.Contains(expr, b.match) {
			continue
		}
		if b.match == `status=~"5.."` && sp.active(service, at) {
			return 0.45
		}
		return b.value * (1 + 0.03*math.Sin(float64(at.Unix())/97))
	}
	return 0
}

func parseTime(raw string, def time.Time) time.Time {
	if raw == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second)))
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return def
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
