package engine

import (
	"testing"
	"time"

	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/models"
)

func TestHealthScore(t *testing.T) {
	scorer := NewHealthScorer(config.Default().Health)
	healthy := models.MetricSample{ErrorRate: 0.001, LatencyP99: 120, CPUUsage: 0.3, MemoryUsage: 256}

	cases := []struct {
		name    string
		mutate  func(*models.MetricSample)
		anomaly *models.AnomalyRecord
		want    int
		status  models.HealthStatus
	}{
		{"clean", func(*models.MetricSample) {}, nil, 100, models.HealthHealthy},
		{"error tier boundary is exclusive", func(s *models.MetricSample) { s.ErrorRate = 0.05 }, nil, 95, models.HealthHealthy},
		{"high errors", func(s *models.MetricSample) { s.ErrorRate = 0.2 }, nil, 70, models.HealthDegraded},
		{"one restart", func(s *models.MetricSample) { s.RestartCount = 1 }, nil, 95, models.HealthHealthy},
		{"slow and hot", func(s *models.MetricSample) { s.LatencyP99 = 750; s.CPUUsage = 0.95 }, nil, 65, models.HealthWarning},
		{"critical anomaly", func(*models.MetricSample) {}, &models.AnomalyRecord{Severity: models.SeverityCritical, Score: 0.97}, 60, models.HealthWarning},
		{
			"everything at once clamps to zero",
			func(s *models.MetricSample) {
				s.ErrorRate, s.LatencyP99, s.RestartCount, s.CPUUsage, s.MemoryUsage = 0.5, 2000, 10, 0.99, 4096
			},
			&models.AnomalyRecord{Severity: models.SeverityCritical},
			0, models.HealthCritical,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sample := healthy
			tc.mutate(&sample)
			got := scorer.Score(sample, tc.anomaly)
			if got.Score != tc.want || got.Status != tc.status {
				t.Fatalf("score %d/%s, want %d/%s (factors %+v)", got.Score, got.Status, tc.want, tc.status, got.Factors)
			}
		})
	}
}

func TestHealthStatusCutoffs(t *testing.T) {
	scorer := NewHealthScorer(config.Default().Health)
	cases := map[int]models.HealthStatus{
		100: models.HealthHealthy,
		90:  models.HealthHealthy,
		89:  models.HealthDegraded,
		70:  models.HealthDegraded,
		69:  models.HealthWarning,
		50:  models.HealthWarning,
		49:  models.HealthCritical,
		0:   models.HealthCritical,
	}
	for score, want := range cases {
		if got := scorer.Status(score); got != want {
			t.Errorf("Status(%d) = %s, want %s", score, got, want)
		}
	}
}

func TestActiveAnomalyWindow(t *testing.T) {
	scorer := NewHealthScorer(config.Default().Health)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	anomaly := &models.AnomalyRecord{Service: "checkout", Timestamp: at, Severity: models.SeverityHigh}

	sample := models.MetricSample{Service: "checkout", Timestamp: at.Add(5 * time.Minute)}
	if scorer.ActiveAnomaly(sample, anomaly) == nil {
		t.Fatalf("anomaly should stay active for its TTL")
	}
	sample.Timestamp = at.Add(5*time.Minute + time.Second)
	if scorer.ActiveAnomaly(sample, anomaly) != nil {
		t.Fatalf("anomaly should expire after its TTL")
	}
	sample.Timestamp = at.Add(-time.Second)
	if scorer.ActiveAnomaly(sample, anomaly) != nil {
		t.Fatalf("anomaly newer than the sample does not apply")
	}
	sample = models.MetricSample{Service: "payments", Timestamp: at}
	if scorer.ActiveAnomaly(sample, anomaly) != nil {
		t.Fatalf("anomaly of another service does not apply")
	}
}
