package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-health/internal/metrics"
	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

// MetricsSource defines the metrics source behaviour used by the pipeline.
type MetricsSource interface {
	FetchSample(ctx context.Context, service string) (models.MetricSample, error)
}

// Store describes the persistence operations required for one collection.
type Store interface {
	InsertSample(ctx context.Context, sample models.MetricSample) (bool, error)
	TouchService(ctx context.Context, service string, seen time.Time) error
	RecentSamples(ctx context.Context, service string, limit int) ([]models.MetricSample, error)
	AppendAnomaly(ctx context.Context, record models.AnomalyRecord) error
	LatestAnomaly(ctx context.Context, service string) (*models.AnomalyRecord, error)
}

// PipelineOptions tunes a Pipeline.
type PipelineOptions struct {
	WindowSize   int
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Pipeline runs one service through fetch -> persist -> detect -> score.
type Pipeline struct {
	logger       *slog.Logger
	source       MetricsSource
	store        Store
	ensemble     *Ensemble
	scorer       *HealthScorer
	rules        *RuleEngine
	windowSize   int
	fetchTimeout time.Duration
	now          func() time.Time
}

// NewPipeline constructs a new collection pipeline.
func NewPipeline(
	logger *slog.Logger,
	source MetricsSource,
	store Store,
	ensemble *Ensemble,
	scorer *HealthScorer,
	rules *RuleEngine,
	opts PipelineOptions,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.WindowSize < ensemble.extractor.MinWindow() {
		opts.WindowSize = ensemble.extractor.MinWindow()
	}

	return &Pipeline{
		logger:       logger,
		source:       source,
		store:        store,
		ensemble:     ensemble,
		scorer:       scorer,
		rules:        rules,
		windowSize:   opts.WindowSize,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
	}
}

// Collect fetches, stores and scores one sample for service. Fetch failures and
// persistence failures are returned; detection skips are reported in the result.
func (p *Pipeline) Collect(ctx context.Context, service string) (models.CollectionResult, error) {
	start := time.Now()
	result := models.CollectionResult{Service: service}
	logger := p.logger.With(slog.String("service", service))

	at := utils.SampleTime(p.now())

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	sample, err := p.source.FetchSample(fetchCtx, service)
	cancel()
	if err != nil {
		metrics.ObserveCollection(time.Since(start), metrics.OutcomeSourceError)
		logger.Warn("metrics fetch failed", slog.Any("error", err))
		return result, err
	}
	sample.Service = service
	sample.Timestamp = at
	result.Sample = &sample

	inserted, err := p.store.InsertSample(ctx, sample)
	if err != nil {
		metrics.ObserveCollection(time.Since(start), metrics.OutcomeStoreError)
		logger.Error("sample persist failed", slog.Any("error", err))
		return result, err
	}
	if !inserted {
		result.Duplicate = true
		result.Duration = time.Since(start)
		metrics.ObserveCollection(result.Duration, metrics.OutcomeDuplicate)
		logger.Debug("duplicate sample ignored", slog.Time("timestamp", at))
		return result, nil
	}

	if err := p.store.TouchService(ctx, service, at); err != nil {
		logger.Warn("last-seen update failed", slog.Any("error", err))
	}

	anomaly, err := p.detect(ctx, service, &result)
	if err != nil {
		metrics.ObserveCollection(time.Since(start), metrics.OutcomeStoreError)
		return result, err
	}
	if anomaly == nil {
		anomaly, err = p.store.LatestAnomaly(ctx, service)
		if err != nil {
			logger.Warn("latest anomaly lookup failed", slog.Any("error", err))
		}
	}

	health := p.HealthView(service, &sample, anomaly)
	result.Health = &health
	if health.Score != nil {
		metrics.SetHealthScore(service, *health.Score)
	}

	result.Duration = time.Since(start)
	metrics.ObserveCollection(result.Duration, metrics.OutcomeSuccess)
	logger.Debug("collection complete",
		slog.Duration("duration", result.Duration),
		slog.String("status", string(health.Status)),
		slog.Bool("anomaly", result.Anomaly != nil),
	)
	return result, nil
}

func (p *Pipeline) detect(ctx context.Context, service string, result *models.CollectionResult) (*models.AnomalyRecord, error) {
	window, err := p.store.RecentSamples(ctx, service, p.windowSize)
	if err != nil {
		p.logger.Error("window read failed", slog.String("service", service), slog.Any("error", err))
		return nil, err
	}

	record, verdict, err := p.ensemble.Detect(service, window)
	if err != nil {
		if !utils.IsDetectionSkip(err) {
			return nil, err
		}
		reason := "insufficient_data"
		if errors.Is(err, utils.ErrDegenerateFeature) {
			reason = "degenerate_feature"
		}
		result.DetectionSkip = err.Error()
		metrics.ObserveDetectionSkipped(reason)
		p.logger.Debug("detection skipped", slog.String("service", service), slog.String("reason", err.Error()))
		return nil, nil
	}
	if record == nil {
		return nil, nil
	}

	if err := p.store.AppendAnomaly(ctx, *record); err != nil {
		p.logger.Error("anomaly persist failed", slog.String("service", service), slog.Any("error", err))
		return nil, err
	}
	result.Anomaly = record
	metrics.ObserveAnomaly(string(record.Severity))
	p.logger.Info("anomaly detected",
		slog.String("service", service),
		slog.String("severity", string(record.Severity)),
		slog.Float64("score", verdict.Score),
		slog.Any("affected", record.AffectedMetrics),
	)
	return record, nil
}

// HealthView assembles the derived health of a service from its latest sample
// and most recent anomaly. A nil sample yields the unknown status.
func (p *Pipeline) HealthView(service string, latest *models.MetricSample, anomaly *models.AnomalyRecord) models.ServiceHealth {
	view := models.ServiceHealth{Service: service, Status: models.HealthUnknown}
	if latest == nil {
		return view
	}

	active := p.scorer.ActiveAnomaly(*latest, anomaly)
	scored := p.scorer.Score(*latest, active)
	score := scored.Score

	view.Score = &score
	view.Status = scored.Status
	view.Factors = scored.Factors
	view.Latest = latest
	view.ActiveAnomaly = active
	view.Recommendations = p.rules.Recommend(view)
	return view
}
