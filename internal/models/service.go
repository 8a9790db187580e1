package models

import "time"

// Registration statuses.
const (
	ServiceStatusActive   = "active"
	ServiceStatusInactive = "inactive"
)

// ServiceRegistration is a monitored service entry.
type ServiceRegistration struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// HealthStatus is the label derived from a health score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// HealthFactor is one named deduction applied to a health score.
type HealthFactor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Deduct int     `json:"deduct"`
}

// ServiceHealth is the derived, non-persisted health view of one service.
type ServiceHealth struct {
	Service         string         `json:"service_name"`
	Score           *int           `json:"health_score"`
	Status          HealthStatus   `json:"status"`
	Factors         []HealthFactor `json:"factors"`
	Latest          *MetricSample  `json:"latest,omitempty"`
	ActiveAnomaly   *AnomalyRecord `json:"active_anomaly,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}
