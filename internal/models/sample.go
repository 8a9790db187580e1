package models

import "time"

// MetricSample is one collection tick for one service.
type MetricSample struct {
	Service      string    `json:"service_name"`
	Timestamp    time.Time `json:"timestamp"`
	RequestRate  float64   `json:"request_rate"`
	ErrorRate    float64   `json:"error_rate"`
	LatencyP50   float64   `json:"latency_p50"`
	LatencyP95   float64   `json:"latency_p95"`
	LatencyP99   float64   `json:"latency_p99"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	RestartCount int       `json:"restart_count"`
	PodCount     int       `json:"pod_count"`
}

// Feature names in FeatureVector order.
const (
	FeatureRequestRate = "request_rate"
	FeatureErrorRate   = "error_rate"
	FeatureLatencyP95  = "latency_p95"
	FeatureLatencyP99  = "latency_p99"
	FeatureCPUUsage    = "cpu_usage"
	FeatureMemoryUsage = "memory_usage"
)

// FeatureDims is the fixed dimensionality of a FeatureVector.
const FeatureDims = 6

// FeatureNames lists the feature dimensions in vector order.
var FeatureNames = [FeatureDims]string{
	FeatureRequestRate,
	FeatureErrorRate,
	FeatureLatencyP95,
	FeatureLatencyP99,
	FeatureCPUUsage,
	FeatureMemoryUsage,
}

// FeatureVector is the detector input derived from one MetricSample.
type FeatureVector [FeatureDims]float64

// Features projects the sample onto the detector feature space.
func (s MetricSample) Features() FeatureVector {
	return FeatureVector{
		s.RequestRate,
		s.ErrorRate,
		s.LatencyP95,
		s.LatencyP99,
		s.CPUUsage,
		s.MemoryUsage,
	}
}
