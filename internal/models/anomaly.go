package models

import (
	"strings"
	"time"
)

// Severity captures anomaly intensity.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; none ranks lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Title returns the capitalised label used in descriptions.
func (s Severity) Title() string {
	if s == SeverityNone {
		return "None"
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// AnomalyTypeMetricDeviation is the only anomaly type the ensemble emits.
const AnomalyTypeMetricDeviation = "metric_deviation"

// AnomalyRecord is a persisted ensemble decision for one sample.
type AnomalyRecord struct {
	ID              string    `json:"id"`
	Service         string    `json:"service_name"`
	Timestamp       time.Time `json:"timestamp"`
	AnomalyType     string    `json:"anomaly_type"`
	Severity        Severity  `json:"severity"`
	Score           float64   `json:"anomaly_score"`
	AffectedMetrics []string  `json:"affected_metrics"`
	Description     string    `json:"description"`
	ECODScore       float64   `json:"ecod_score"`
	IsolationScore  float64   `json:"isolation_score"`
	DetectedAt      time.Time `json:"detected_at"`
}

// AnomalyPattern summarises a recurring anomaly signature for one service.
type AnomalyPattern struct {
	Service         string    `json:"service_name"`
	Metrics         []string  `json:"metrics"`
	Occurrences     int       `json:"occurrences"`
	Prevalence      float64   `json:"prevalence"`
	AverageScore    float64   `json:"average_score"`
	HighestSeverity Severity  `json:"highest_severity"`
	LastSeen        time.Time `json:"last_seen"`
}
