package engine

import (
	"errors"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

func TestSeverityClassify(t *testing.T) {
	thresholds := NewEnsemble(config.Default().Detection).Thresholds()
	cases := []struct {
		score float64
		want  models.Severity
	}{
		{0.96, models.SeverityCritical},
		{0.95, models.SeverityCritical},
		{0.90, models.SeverityHigh},
		{0.72, models.SeverityMedium},
		{0.55, models.SeverityLow},
		{0.50, models.SeverityLow},
		{0.40, models.SeverityNone},
	}
	for _, tc := range cases {
		if got := thresholds.Classify(tc.score); got != tc.want {
			t.Errorf("Classify(%.2f) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func windowOf(seed int64, n int) []models.MetricSample {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := noisySamples(seed, n)
	for i := range out {
		out[i].Service = "checkout"
		out[i].Timestamp = base.Add(time.Duration(i) * time.Minute)
	}
	return out
}

func TestDetectStableWindowReturnsNoRecord(t *testing.T) {
	e := NewEnsemble(config.Default().Detection)
	record, verdict, err := e.Detect("checkout", windowOf(7, 24))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if record != nil {
		t.Fatalf("unexpected anomaly %+v", record)
	}
	if verdict.Score >= 0.5 || verdict.Description != "" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if len(verdict.Detectors) != 2 {
		t.Fatalf("expected both detectors to report, got %d", len(verdict.Detectors))
	}
}

func TestDetectNoiseAcrossSeeds(t *testing.T) {
	e := NewEnsemble(config.Default().Detection)
	for seed := int64(1); seed <= 50; seed++ {
		samples := noisySamples(seed, 25)
		vectors := make([]models.FeatureVector, len(samples))
		for i, s := range samples {
			vectors[i] = s.Features()
		}

		for n := 10; n < 25; n++ {
			if v := e.Evaluate("checkout", vectors[:n]); v.Severity != models.SeverityNone {
				t.Fatalf("seed %d window %d: stable noise scored %.3f (%s)", seed, n, v.Score, v.Severity)
			}
		}

		vectors[24][1] = 0.45
		v := e.Evaluate("checkout", vectors)
		if v.Severity.Rank() < models.SeverityHigh.Rank() {
			t.Fatalf("seed %d: spike scored %.3f (%s)", seed, v.Score, v.Severity)
		}
		if !slices.Contains(affectedMetrics(v.Attributions), models.FeatureErrorRate) {
			t.Fatalf("seed %d: spike attributed to %v", seed, affectedMetrics(v.Attributions))
		}
	}
}

func TestSingleMildExtremeStaysBelowLow(t *testing.T) {
	e := NewEnsemble(config.Default().Detection)
	amplitudes := models.FeatureVector{5, 0.002, 3, 4, 0.03, 10}
	for seed := int64(1); seed <= 40; seed++ {
		for dim := 0; dim < models.FeatureDims; dim++ {
			window := noisyVectors(seed, 25)
			current := &window[24]
			current[dim] = window[0][dim]
			for _, v := range window[:24] {
				current[dim] = math.Max(current[dim], v[dim])
			}
			current[dim] += 0.05 * amplitudes[dim]

			if v := e.Evaluate("checkout", window); v.Severity != models.SeverityNone {
				t.Fatalf("seed %d: new %s maximum scored %.3f (%s)", seed, models.FeatureNames[dim], v.Score, v.Severity)
			}
		}
	}
}

func TestDetectSpikeBuildsRecord(t *testing.T) {
	e := NewEnsemble(config.Default().Detection)
	fixed := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	window := windowOf(7, 25)
	window[24].ErrorRate = 0.45

	record, verdict, err := e.Detect("checkout", window)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if record == nil {
		t.Fatalf("expected anomaly, verdict %+v", verdict)
	}
	if record.ID == "" || record.AnomalyType != models.AnomalyTypeMetricDeviation {
		t.Fatalf("incomplete record %+v", record)
	}
	if !record.Timestamp.Equal(window[24].Timestamp) || !record.DetectedAt.Equal(fixed) {
		t.Fatalf("unexpected timestamps %v / %v", record.Timestamp, record.DetectedAt)
	}
	if record.Score != verdict.Score {
		t.Fatalf("record score %v differs from verdict %v", record.Score, verdict.Score)
	}
	if got := (record.ECODScore + record.IsolationScore) / 2; got-record.Score > 1e-9 || record.Score-got > 1e-9 {
		t.Fatalf("fused score %v is not the mean of %v and %v", record.Score, record.ECODScore, record.IsolationScore)
	}
	if len(record.AffectedMetrics) != 1 || record.AffectedMetrics[0] != models.FeatureErrorRate {
		t.Fatalf("affected metrics %v", record.AffectedMetrics)
	}
	if verdict.Attributions[0].Direction != DirectionAbove {
		t.Fatalf("spike should be attributed above normal")
	}

	again, _, err := e.Detect("checkout", window)
	if err != nil {
		t.Fatalf("detect again: %v", err)
	}
	if again.Score != record.Score || again.ID == record.ID {
		t.Fatalf("detection should be reproducible with fresh ids")
	}
}

func TestDetectSkips(t *testing.T) {
	e := NewEnsemble(config.Default().Detection)

	_, _, err := e.Detect("checkout", windowOf(7, 9))
	if !errors.Is(err, utils.ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}

	window := windowOf(7, 12)
	for i := range window {
		window[i].MemoryUsage = 256
	}
	_, _, err = e.Detect("checkout", window)
	if !errors.Is(err, utils.ErrDegenerateFeature) || !strings.Contains(err.Error(), models.FeatureMemoryUsage) {
		t.Fatalf("expected degenerate memory_usage, got %v", err)
	}
	if !utils.IsDetectionSkip(err) {
		t.Fatalf("degenerate window is a detection skip")
	}
}

func TestDescribe(t *testing.T) {
	got := Describe("checkout", models.SeverityHigh, []Attribution{
		{Feature: models.FeatureErrorRate, Direction: DirectionAbove},
		{Feature: models.FeatureRequestRate, Direction: DirectionBelow},
	})
	want := "High anomaly in checkout: error_rate above normal, request_rate below normal"
	if got != want {
		t.Fatalf("Describe = %q, want %q", got, want)
	}
	if got := Describe("checkout", models.SeverityLow, nil); !strings.Contains(got, "multivariate") {
		t.Fatalf("unattributed description %q", got)
	}
}
