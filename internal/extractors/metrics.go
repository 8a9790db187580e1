package extractors

import (
	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

// MinWindow is the smallest window either detector accepts.
const MinWindow = 10

// FeatureExtractor turns a service's sample window into detector feature vectors.
type FeatureExtractor struct {
	minWindow int
}

// NewFeatureExtractor creates an extractor requiring at least minWindow samples.
// Values below MinWindow are raised to MinWindow.
func NewFeatureExtractor(minWindow int) *FeatureExtractor {
	if minWindow < MinWindow {
		minWindow = MinWindow
	}
	return &FeatureExtractor{minWindow: minWindow}
}

// MinWindow reports the configured minimum window length.
func (e *FeatureExtractor) MinWindow() int {
	return e.minWindow
}

// Extract returns one feature vector per sample, preserving window order.
func (e *FeatureExtractor) Extract(window []models.MetricSample) ([]models.FeatureVector, error) {
	if len(window) < e.minWindow {
		return nil, &utils.InsufficientDataError{Have: len(window), Need: e.minWindow}
	}

	vectors := make([]models.FeatureVector, len(window))
	for i, sample := range window {
		vectors[i] = sample.Features()
	}

	for dim := 0; dim < models.FeatureDims; dim++ {
		if constantColumn(vectors, dim) {
			return nil, &utils.DegenerateFeatureError{Feature: models.FeatureNames[dim]}
		}
	}
	return vectors, nil
}

func constantColumn(vectors []models.FeatureVector, dim int) bool {
	first := vectors[0][dim]
	for _, v := range vectors[1:] {
		if v[dim] != first {
			return false
		}
	}
	return true
}
