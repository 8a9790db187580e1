package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/miradorstack/mirador-health/internal/models"
)

func TestRuleEngineRecommend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(`rules:
  - id: prod-errors
    match:
      service: "k8s-prod-*"
      metrics: ["error_rate"]
    recommendations: ["Roll back the last deployment"]
  - id: cpu
    match:
      factors: ["cpu_usage"]
    recommendations: ["Scale out", "Roll back the last deployment"]
  - id: critical
    match:
      status: "CRITICAL"
    recommendations: ["Page the owning team"]
`), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	engine, err := NewRuleEngine(path, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	view := models.ServiceHealth{
		Service: "k8s-prod-checkout-7f9",
		Status:  models.HealthCritical,
		Factors: []models.HealthFactor{{Name: FactorCPU, Value: 0.95, Deduct: 20}},
		ActiveAnomaly: &models.AnomalyRecord{
			Severity:        models.SeverityHigh,
			AffectedMetrics: []string{models.FeatureErrorRate},
		},
	}
	recs := engine.Recommend(view)
	want := []string{"Roll back the last deployment", "Scale out", "Page the owning team"}
	if len(recs) != len(want) {
		t.Fatalf("recommendations %v, want %v", recs, want)
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Fatalf("recommendations %v, want %v", recs, want)
		}
	}

	view.Service = "k8s-staging-checkout"
	view.Status = models.HealthHealthy
	view.Factors = nil
	if recs := engine.Recommend(view); len(recs) != 0 {
		t.Fatalf("expected no recommendations, got %v", recs)
	}
}

func TestRuleEngineNoFile(t *testing.T) {
	engine, err := NewRuleEngine("non-existent", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if engine != nil {
		t.Fatalf("expected nil engine when file missing")
	}
	if recs := engine.Recommend(models.ServiceHealth{Service: "checkout"}); recs != nil {
		t.Fatalf("nil engine should recommend nothing")
	}
}

func TestRuleEngineBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: [unclosed"), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := NewRuleEngine(path, nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
