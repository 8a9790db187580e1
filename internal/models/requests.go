package models

import "time"

// RegisterRequest registers or updates a monitored service.
type RegisterRequest struct {
	Name string `json:"service_name"`
	Type string `json:"service_type"`
}

// RegisterResponse reports the registration outcome.
type RegisterResponse struct {
	Service ServiceRegistration `json:"service"`
	Created bool                `json:"created"`
}

// TimeRange bounds a query; zero values mean open-ended.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// AnomalyQuery filters anomaly listings.
type AnomalyQuery struct {
	Service string
	Range   TimeRange
}

// HistoryQuery selects a service's stored samples.
type HistoryQuery struct {
	Service string
	Range   TimeRange
}

// CollectionResult describes one per-service collection run.
type CollectionResult struct {
	Service       string         `json:"service_name"`
	Sample        *MetricSample  `json:"metrics,omitempty"`
	Duplicate     bool           `json:"duplicate"`
	Anomaly       *AnomalyRecord `json:"anomaly,omitempty"`
	DetectionSkip string         `json:"detection_skipped,omitempty"`
	Health        *ServiceHealth `json:"health,omitempty"`
	Duration      time.Duration  `json:"duration_ns"`
}
