package patterns

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-health/internal/models"
)

type fakePatternStore struct {
	stored int
	scope  string
}

func (f *fakePatternStore) StorePatterns(ctx context.Context, scope string, patterns []models.AnomalyPattern) error {
	f.stored += len(patterns)
	f.scope = scope
	return nil
}

func TestMinerMinesPatterns(t *testing.T) {
	store := &fakePatternStore{}
	miner := NewMiner(nil, store)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	anomalies := []models.AnomalyRecord{
		{Service: "checkout", Timestamp: now, Severity: models.SeverityMedium, Score: 0.7,
			AffectedMetrics: []string{"latency_p99", "error_rate"}},
		{Service: "checkout", Timestamp: now.Add(10 * time.Minute), Severity: models.SeverityCritical, Score: 0.9,
			AffectedMetrics: []string{"error_rate", "latency_p99"}},
		{Service: "checkout", Timestamp: now.Add(20 * time.Minute), Severity: models.SeverityLow, Score: 0.5},
		{Service: "payments", Timestamp: now, Severity: models.SeverityHigh, Score: 0.86,
			AffectedMetrics: []string{"cpu_usage"}},
	}

	patterns, err := miner.Mine(context.Background(), "all", anomalies)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != 3 {
		t.Fatalf("expected 3 patterns, got %d", len(patterns))
	}
	top := patterns[0]
	if top.Service != "checkout" || top.Occurrences != 2 {
		t.Fatalf("expected checkout error/latency signature first, got %+v", top)
	}
	if len(top.Metrics) != 2 || top.Metrics[0] != "error_rate" || top.Metrics[1] != "latency_p99" {
		t.Fatalf("expected canonical metric order, got %v", top.Metrics)
	}
	if top.HighestSeverity != models.SeverityCritical {
		t.Fatalf("expected critical highest severity, got %s", top.HighestSeverity)
	}
	if diff := top.Prevalence - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected prevalence %v", top.Prevalence)
	}
	if diff := top.AverageScore - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected average score %v", top.AverageScore)
	}
	if !top.LastSeen.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected last seen %v", top.LastSeen)
	}
	if store.stored != 3 || store.scope != "all" {
		t.Fatalf("expected patterns to be stored under scope, got %d %q", store.stored, store.scope)
	}
}

func TestMinerThresholds(t *testing.T) {
	miner := NewMiner(nil, nil).WithThresholds(2, 1)
	now := time.Now()
	anomalies := []models.AnomalyRecord{
		{Service: "checkout", Timestamp: now, Severity: models.SeverityLow},
		{Service: "checkout", Timestamp: now, Severity: models.SeverityLow},
		{Service: "checkout", Timestamp: now, Severity: models.SeverityLow, AffectedMetrics: []string{"cpu_usage"}},
	}
	patterns, err := miner.Mine(context.Background(), "checkout", anomalies)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Metrics[0] != SignatureMultivariate {
		t.Fatalf("expected only the multivariate signature, got %+v", patterns)
	}
}

func TestMinerToleratesStoreFailure(t *testing.T) {
	failing := StoreFunc(func(context.Context, string, []models.AnomalyPattern) error {
		return errors.New("cache down")
	})
	patterns, err := NewMiner(nil, failing).Mine(context.Background(), "all", []models.AnomalyRecord{
		{Service: "checkout", Severity: models.SeverityHigh},
	})
	if err != nil || len(patterns) != 1 {
		t.Fatalf("expected mining to succeed despite store failure: %v %v", patterns, err)
	}

	empty, err := NewMiner(nil, nil).Mine(context.Background(), "all", nil)
	if err != nil || empty != nil {
		t.Fatalf("expected nil for empty history")
	}
}
