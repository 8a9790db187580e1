package engine

import (
	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/models"
)

// Health factor names.
const (
	FactorErrorRate  = "error_rate"
	FactorLatencyP99 = "latency_p99"
	FactorRestarts   = "restart_count"
	FactorCPU        = "cpu_usage"
	FactorMemory     = "memory_usage"
	FactorAnomaly    = "active_anomaly"
)

// HealthResult is a scored sample with the deductions that produced it.
type HealthResult struct {
	Score   int
	Status  models.HealthStatus
	Factors []models.HealthFactor
}

// HealthScorer derives a 0-100 score from a sample and an optional active anomaly.
// It holds only immutable configuration.
type HealthScorer struct {
	cfg config.HealthConfig
}

// NewHealthScorer creates a scorer bound to the given weights.
func NewHealthScorer(cfg config.HealthConfig) *HealthScorer {
	return &HealthScorer{cfg: cfg}
}

// Score applies tiered metric penalties and the anomaly deduction, clamped to [0,100].
func (s *HealthScorer) Score(sample models.MetricSample, anomaly *models.AnomalyRecord) HealthResult {
	score := 100
	var factors []models.HealthFactor

	apply := func(name string, value float64, tiers []config.PenaltyTier) {
		for _, tier := range tiers {
			if value > tier.Above {
				score -= tier.Deduct
				factors = append(factors, models.HealthFactor{Name: name, Value: value, Deduct: tier.Deduct})
				return
			}
		}
	}

	apply(FactorErrorRate, sample.ErrorRate, s.cfg.ErrorRate)
	apply(FactorLatencyP99, sample.LatencyP99, s.cfg.LatencyP99)
	apply(FactorRestarts, float64(sample.RestartCount), s.cfg.Restarts)
	apply(FactorCPU, sample.CPUUsage, s.cfg.CPU)
	apply(FactorMemory, sample.MemoryUsage, s.cfg.Memory)

	if anomaly != nil {
		if deduct := s.anomalyDeduction(anomaly.Severity); deduct > 0 {
			score -= deduct
			factors = append(factors, models.HealthFactor{Name: FactorAnomaly, Value: anomaly.Score, Deduct: deduct})
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return HealthResult{Score: score, Status: s.Status(score), Factors: factors}
}

// Status labels a score using the configured cutoffs.
func (s *HealthScorer) Status(score int) models.HealthStatus {
	switch {
	case score >= s.cfg.Status.Healthy:
		return models.HealthHealthy
	case score >= s.cfg.Status.Degraded:
		return models.HealthDegraded
	case score >= s.cfg.Status.Warning:
		return models.HealthWarning
	default:
		return models.HealthCritical
	}
}

// ActiveAnomaly returns anomaly when it still applies to sample, nil otherwise.
// An anomaly stays active for AnomalyTTL after the sample it was raised on.
func (s *HealthScorer) ActiveAnomaly(sample models.MetricSample, anomaly *models.AnomalyRecord) *models.AnomalyRecord {
	if anomaly == nil || anomaly.Service != sample.Service {
		return nil
	}
	age := sample.Timestamp.Sub(anomaly.Timestamp)
	if age < 0 || age > s.cfg.AnomalyTTL {
		return nil
	}
	return anomaly
}

func (s *HealthScorer) anomalyDeduction(severity models.Severity) int {
	switch severity {
	case models.SeverityCritical:
		return s.cfg.Anomaly.Critical
	case models.SeverityHigh:
		return s.cfg.Anomaly.High
	case models.SeverityMedium:
		return s.cfg.Anomaly.Medium
	case models.SeverityLow:
		return s.cfg.Anomaly.Low
	default:
		return 0
	}
}
