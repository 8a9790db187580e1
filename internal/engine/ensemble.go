package engine

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/extractors"
	"github.com/miradorstack/mirador-health/internal/models"
)

// SeverityThresholds are inclusive lower bounds on the fused score.
type SeverityThresholds struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// Classify maps a fused score to a severity; SeverityNone below Low.
func (t SeverityThresholds) Classify(score float64) models.Severity {
	switch {
	case score >= t.Critical:
		return models.SeverityCritical
	case score >= t.High:
		return models.SeverityHigh
	case score >= t.Medium:
		return models.SeverityMedium
	case score >= t.Low:
		return models.SeverityLow
	default:
		return models.SeverityNone
	}
}

// Direction describes where an attributed feature sits relative to its history.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Attribution names a feature whose own tail probability is significant.
type Attribution struct {
	Feature   string
	TailP     float64
	Direction Direction
}

// Verdict is the fused decision for the current sample of a window.
type Verdict struct {
	Score        float64
	Severity     models.Severity
	Detectors    []DetectorScore
	Attributions []Attribution
	Description  string
}

// Ensemble fuses the ECOD and isolation detectors with equal weight.
type Ensemble struct {
	extractor    *extractors.FeatureExtractor
	detectors    []Detector
	thresholds   SeverityThresholds
	attributionP float64
	now          func() time.Time
}

// NewEnsemble builds the detector pair from configuration.
func NewEnsemble(cfg config.DetectionConfig) *Ensemble {
	return &Ensemble{
		extractor: extractors.NewFeatureExtractor(cfg.MinWindow),
		detectors: []Detector{
			ECODDetector{
				TailFloor: cfg.TailFloor,
				Scale:     cfg.ECODScale,
			},
			IsolationDetector{
				Trees:      cfg.Trees,
				DepthLimit: cfg.DepthLimit,
				Seed:       cfg.Seed,
				Curve:      Curve{Center: cfg.IForestCurve.Center, Width: cfg.IForestCurve.Width},
			},
		},
		thresholds: SeverityThresholds{
			Critical: cfg.Severity.Critical,
			High:     cfg.Severity.High,
			Medium:   cfg.Severity.Medium,
			Low:      cfg.Severity.Low,
		},
		attributionP: cfg.AttributionP,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Thresholds exposes the configured severity bounds.
func (e *Ensemble) Thresholds() SeverityThresholds {
	return e.thresholds
}

// Detect scores the newest sample of window (ordered oldest first) against the
// rest. It returns a record only when the fused score reaches the Low threshold.
// Extraction failures are returned unchanged.
func (e *Ensemble) Detect(service string, window []models.MetricSample) (*models.AnomalyRecord, Verdict, error) {
	vectors, err := e.extractor.Extract(window)
	if err != nil {
		return nil, Verdict{}, err
	}

	verdict := e.Evaluate(service, vectors)
	if verdict.Severity == models.SeverityNone {
		return nil, verdict, nil
	}

	record := &models.AnomalyRecord{
		ID:              uuid.New().String(),
		Service:         service,
		Timestamp:       window[len(window)-1].Timestamp,
		AnomalyType:     models.AnomalyTypeMetricDeviation,
		Severity:        verdict.Severity,
		Score:           verdict.Score,
		AffectedMetrics: affectedMetrics(verdict.Attributions),
		Description:     verdict.Description,
		DetectedAt:      e.now(),
	}
	for _, s := range verdict.Detectors {
		switch s.Detector {
		case DetectorECOD:
			record.ECODScore = s.Normalized
		case DetectorIsolation:
			record.IsolationScore = s.Normalized
		}
	}
	return record, verdict, nil
}

// Evaluate fuses detector scores for the last vector of an already validated window.
func (e *Ensemble) Evaluate(service string, window []models.FeatureVector) Verdict {
	verdict := Verdict{Detectors: make([]DetectorScore, 0, len(e.detectors))}

	total := 0.0
	for _, d := range e.detectors {
		score := d.Score(window)
		verdict.Detectors = append(verdict.Detectors, score)
		total += score.Normalized
		if score.Tails != nil {
			verdict.Attributions = e.attribute(window, score.Tails)
		}
	}
	verdict.Score = clamp(total/float64(len(e.detectors)), 0, 1)
	verdict.Severity = e.thresholds.Classify(verdict.Score)
	if verdict.Severity != models.SeverityNone {
		verdict.Description = Describe(service, verdict.Severity, verdict.Attributions)
	}
	return verdict
}

func (e *Ensemble) attribute(window []models.FeatureVector, tails *[models.FeatureDims]float64) []Attribution {
	history := window[:len(window)-1]
	current := window[len(window)-1]

	var out []Attribution
	for dim, p := range tails {
		if p >= e.attributionP {
			continue
		}
		direction := DirectionAbove
		if current[dim] < columnMedian(history, dim) {
			direction = DirectionBelow
		}
		out = append(out, Attribution{
			Feature:   models.FeatureNames[dim],
			TailP:     p,
			Direction: direction,
		})
	}
	return out
}

// Describe renders the deterministic anomaly description.
func Describe(service string, severity models.Severity, attributions []Attribution) string {
	if len(attributions) == 0 {
		return fmt.Sprintf("%s anomaly in %s: multivariate deviation from recent behaviour", severity.Title(), service)
	}
	parts := make([]string, 0, len(attributions))
	for _, a := range attributions {
		parts = append(parts, fmt.Sprintf("%s %s normal", a.Feature, a.Direction))
	}
	return fmt.Sprintf("%s anomaly in %s: %s", severity.Title(), service, strings.Join(parts, ", "))
}

func affectedMetrics(attributions []Attribution) []string {
	names := make([]string, 0, len(attributions))
	for _, a := range attributions {
		names = append(names, a.Feature)
	}
	return names
}

func columnMedian(vectors []models.FeatureVector, dim int) float64 {
	column := make([]float64, len(vectors))
	for i, v := range vectors {
		column[i] = v[dim]
	}
	return median(column)
}

// median sorts values in place.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	slices.Sort(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
