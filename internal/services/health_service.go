package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-health/internal/cache"
	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/patterns"
	"github.com/miradorstack/mirador-health/internal/utils"
)

// DefaultServiceType is used when a registration omits its type.
const DefaultServiceType = "unknown"

const maxServiceNameLen = 253

// Store defines the persistence operations the facade reads and writes.
type Store interface {
	UpsertRegistration(ctx context.Context, name, serviceType string) (models.ServiceRegistration, bool, error)
	ListServices(ctx context.Context, activeOnly bool) ([]models.ServiceRegistration, error)
	GetService(ctx context.Context, name string) (models.ServiceRegistration, error)
	InsertSample(ctx context.Context, sample models.MetricSample) (bool, error)
	TouchService(ctx context.Context, service string, seen time.Time) error
	LatestSample(ctx context.Context, service string) (*models.MetricSample, error)
	EarliestSample(ctx context.Context, service string) (*models.MetricSample, error)
	LatestSamples(ctx context.Context) (map[string]models.MetricSample, error)
	SamplesSince(ctx context.Context, q models.HistoryQuery) ([]models.MetricSample, error)
	AnomaliesSince(ctx context.Context, q models.AnomalyQuery) ([]models.AnomalyRecord, error)
	LatestAnomaly(ctx context.Context, service string) (*models.AnomalyRecord, error)
	Ping(ctx context.Context) error
}

// Collector runs an on-demand collection, shared with the scheduler.
type Collector interface {
	Collect(ctx context.Context, service string) (models.CollectionResult, error)
}

// HealthViewer derives the health view of a service.
type HealthViewer interface {
	HealthView(service string, latest *models.MetricSample, anomaly *models.AnomalyRecord) models.ServiceHealth
}

// Discoverer lists services found on an orchestration platform.
type Discoverer interface {
	Discover(ctx context.Context) ([]models.RegisterRequest, error)
}

// RangeSource rebuilds historical samples from the metrics source.
type RangeSource interface {
	FetchRange(ctx context.Context, service string, start, end time.Time, step time.Duration) ([]models.MetricSample, error)
}

// Options tunes the HealthService.
type Options struct {
	SummaryTTL      time.Duration
	TriggerCooldown time.Duration
	DefaultLookback time.Duration
	Now             func() time.Time
}

// HealthService is the API-facing facade over the store, collector and health scorer.
type HealthService struct {
	logger     *slog.Logger
	store      Store
	collector  Collector
	viewer     HealthViewer
	cache      cache.Provider
	miner      *patterns.Miner
	discoverer Discoverer
	ranges     RangeSource
	opts       Options
	latencies  *utils.LatencyTracker
}

// NewHealthService constructs the facade. cacheProvider may be nil.
func NewHealthService(logger *slog.Logger, store Store, collector Collector, viewer HealthViewer, cacheProvider cache.Provider, opts Options) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultLookback <= 0 {
		opts.DefaultLookback = 24 * time.Hour
	}
	if opts.TriggerCooldown < 0 {
		opts.TriggerCooldown = 0
	}

	s := &HealthService{
		logger:    logger,
		store:     store,
		collector: collector,
		viewer:    viewer,
		cache:     cacheProvider,
		opts:      opts,
		latencies: utils.NewLatencyTracker(1024),
	}
	s.miner = patterns.NewMiner(logger, patterns.StoreFunc(s.cachePatterns))
	return s
}

// WithDiscovery attaches a platform discoverer.
func (s *HealthService) WithDiscovery(d Discoverer) *HealthService {
	s.discoverer = d
	return s
}

// WithRangeSource attaches the source used by Backfill.
func (s *HealthService) WithRangeSource(r RangeSource) *HealthService {
	s.ranges = r
	return s
}

// ListServices returns every registration, active or not.
func (s *HealthService) ListServices(ctx context.Context) ([]models.ServiceRegistration, error) {
	return s.store.ListServices(ctx, false)
}

// RegisterService creates or refreshes a registration.
func (s *HealthService) RegisterService(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error) {
	name, err := validateServiceName(req.Name)
	if err != nil {
		return models.RegisterResponse{}, err
	}
	serviceType := strings.TrimSpace(req.Type)
	if serviceType == "" {
		serviceType = DefaultServiceType
	}

	reg, created, err := s.store.UpsertRegistration(ctx, name, serviceType)
	if err != nil {
		s.logger.Error("register service failed", slog.String("service", name), slog.Any("error", err))
		return models.RegisterResponse{}, err
	}
	s.InvalidateSummary(ctx, name)
	s.logger.Info("service registered", slog.String("service", name), slog.Bool("created", created))
	return models.RegisterResponse{Service: reg, Created: created}, nil
}

// HealthSummary returns the health view of one service, or of every
// registered service when service is empty.
func (s *HealthService) HealthSummary(ctx context.Context, service string) ([]models.ServiceHealth, error) {
	scope := cache.Scope(service)
	key := cache.SummaryKey(scope)

	if payload, err := s.cache.Get(ctx, key); err == nil {
		var cached []models.ServiceHealth
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
		s.logger.Warn("discarding corrupt summary cache entry", slog.String("key", key))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("summary cache read failed", slog.Any("error", err))
	}

	var (
		summary []models.ServiceHealth
		err     error
	)
	if scope == cache.AllServices {
		summary, err = s.summaryAll(ctx)
	} else {
		summary, err = s.summaryOne(ctx, scope)
	}
	if err != nil {
		return nil, err
	}

	if s.opts.SummaryTTL > 0 {
		if payload, err := json.Marshal(summary); err == nil {
			if err := s.cache.Set(ctx, key, payload, s.opts.SummaryTTL); err != nil {
				s.logger.Warn("summary cache write failed", slog.Any("error", err))
			}
		}
	}
	return summary, nil
}

func (s *HealthService) summaryOne(ctx context.Context, service string) ([]models.ServiceHealth, error) {
	if _, err := s.store.GetService(ctx, service); err != nil {
		return nil, err
	}
	latest, err := s.store.LatestSample(ctx, service)
	if err != nil {
		return nil, err
	}
	anomaly, err := s.store.LatestAnomaly(ctx, service)
	if err != nil {
		return nil, err
	}
	return []models.ServiceHealth{s.viewer.HealthView(service, latest, anomaly)}, nil
}

func (s *HealthService) summaryAll(ctx context.Context) ([]models.ServiceHealth, error) {
	services, err := s.store.ListServices(ctx, false)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestSamples(ctx)
	if err != nil {
		return nil, err
	}

	summary := make([]models.ServiceHealth, 0, len(services))
	for _, svc := range services {
		var sample *models.MetricSample
		if m, ok := latest[svc.Name]; ok {
			sample = &m
		}
		anomaly, err := s.store.LatestAnomaly(ctx, svc.Name)
		if err != nil {
			return nil, err
		}
		summary = append(summary, s.viewer.HealthView(svc.Name, sample, anomaly))
	}
	return summary, nil
}

// InvalidateSummary drops cached summaries touching service.
func (s *HealthService) InvalidateSummary(ctx context.Context, service string) {
	for _, key := range cache.StaleSummaryKeys(service) {
		if err := s.cache.Del(ctx, key); err != nil {
			s.logger.Debug("summary cache invalidation failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// ListAnomalies returns anomaly records, newest first. An open range defaults
// to the configured lookback.
func (s *HealthService) ListAnomalies(ctx context.Context, q models.AnomalyQuery) ([]models.AnomalyRecord, error) {
	q.Service = strings.TrimSpace(q.Service)
	r, err := s.resolveRange(q.Range)
	if err != nil {
		return nil, err
	}
	q.Range = r
	return s.store.AnomaliesSince(ctx, q)
}

// History returns the stored samples of one service, oldest first.
func (s *HealthService) History(ctx context.Context, q models.HistoryQuery) ([]models.MetricSample, error) {
	name, err := validateServiceName(q.Service)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetService(ctx, name); err != nil {
		return nil, err
	}
	r, err := s.resolveRange(q.Range)
	if err != nil {
		return nil, err
	}
	return s.store.SamplesSince(ctx, models.HistoryQuery{Service: name, Range: r})
}

// TriggerCollection runs an immediate collection for service. Triggers for the
// same service inside the cooldown are rejected with utils.ErrRateLimited.
func (s *HealthService) TriggerCollection(ctx context.Context, service string) (models.CollectionResult, error) {
	name, err := validateServiceName(service)
	if err != nil {
		return models.CollectionResult{}, err
	}

	ok, err := cache.ClaimCooldown(ctx, s.cache, name, s.opts.TriggerCooldown)
	if err != nil {
		s.logger.Warn("cooldown check failed; continuing", slog.String("service", name), slog.Any("error", err))
	} else if !ok {
		return models.CollectionResult{}, utils.NewAppError("trigger_collection",
			fmt.Sprintf("collection for %s triggered within the last %s", name, s.opts.TriggerCooldown), utils.ErrRateLimited)
	}

	start := s.opts.Now()
	result, err := s.collector.Collect(ctx, name)
	duration := time.Since(start)
	if err != nil {
		s.logger.Warn("triggered collection failed", slog.String("service", name), slog.Any("error", err))
		return result, err
	}
	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("triggered collection latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	s.InvalidateSummary(ctx, name)
	return result, nil
}

// AnomalyPatterns mines recurring anomaly signatures over the query range.
// Results are cached per scope for the summary TTL.
func (s *HealthService) AnomalyPatterns(ctx context.Context, q models.AnomalyQuery) ([]models.AnomalyPattern, error) {
	scope := cache.Scope(q.Service)
	if !q.Range.Start.IsZero() || !q.Range.End.IsZero() {
		scope = fmt.Sprintf("%s@%d-%d", scope, q.Range.Start.UnixMilli(), q.Range.End.UnixMilli())
	}
	if cached, ok := s.cachedPatterns(ctx, scope); ok {
		return cached, nil
	}

	anomalies, err := s.ListAnomalies(ctx, q)
	if err != nil {
		return nil, err
	}
	mined, err := s.miner.Mine(ctx, scope, anomalies)
	if mined == nil && err == nil {
		mined = []models.AnomalyPattern{}
	}
	return mined, err
}

func (s *HealthService) cachedPatterns(ctx context.Context, scope string) ([]models.AnomalyPattern, bool) {
	payload, err := s.cache.Get(ctx, cache.PatternKey(scope))
	if err != nil {
		return nil, false
	}
	var out []models.AnomalyPattern
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *HealthService) cachePatterns(ctx context.Context, scope string, mined []models.AnomalyPattern) error {
	if s.opts.SummaryTTL <= 0 {
		return nil
	}
	payload, err := json.Marshal(mined)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.PatternKey(scope), payload, s.opts.SummaryTTL)
}

// DiscoverKubernetes registers every service the discoverer reports and
// returns how many were newly created.
func (s *HealthService) DiscoverKubernetes(ctx context.Context) (int, error) {
	if s.discoverer == nil {
		return 0, utils.NewAppError("discover_kubernetes", "kubernetes discovery not configured", utils.ErrInvalidArgument)
	}
	found, err := s.discoverer.Discover(ctx)
	if err != nil {
		return 0, utils.SourceUnavailable("discover_kubernetes", err)
	}

	created := 0
	for _, req := range found {
		resp, err := s.RegisterService(ctx, req)
		if err != nil {
			return created, err
		}
		if resp.Created {
			created++
		}
	}
	s.logger.Info("kubernetes discovery complete", slog.Int("found", len(found)), slog.Int("created", created))
	return created, nil
}

// Backfill loads historical samples for service from the metrics source and
// returns the number inserted. The lookback counts back from the oldest
// stored sample, or from now when nothing is stored, and only samples older
// than everything stored are inserted: collected history is never
// interleaved with backfilled points.
func (s *HealthService) Backfill(ctx context.Context, service string, lookback, step time.Duration) (int, error) {
	if s.ranges == nil {
		return 0, utils.NewAppError("backfill", "range source not configured", utils.ErrInvalidArgument)
	}
	name, err := validateServiceName(service)
	if err != nil {
		return 0, err
	}
	if lookback <= 0 {
		lookback = s.opts.DefaultLookback
	}

	end := utils.SampleTime(s.opts.Now())
	first, err := s.store.EarliestSample(ctx, name)
	if err != nil {
		return 0, err
	}
	if first != nil {
		end = first.Timestamp
	}
	samples, err := s.ranges.FetchRange(ctx, name, end.Add(-lookback), end, step)
	if err != nil {
		return 0, err
	}

	inserted := 0
	var last time.Time
	for _, sample := range samples {
		if first != nil && !sample.Timestamp.Before(first.Timestamp) {
			continue
		}
		ok, err := s.store.InsertSample(ctx, sample)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
			last = sample.Timestamp
		}
	}
	if inserted > 0 {
		if err := s.store.TouchService(ctx, name, last); err != nil {
			return inserted, err
		}
		s.InvalidateSummary(ctx, name)
	}
	s.logger.Info("backfill complete", slog.String("service", name), slog.Int("fetched", len(samples)), slog.Int("inserted", inserted))
	return inserted, nil
}

// Ready reports whether the store is reachable.
func (s *HealthService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *HealthService) resolveRange(r models.TimeRange) (models.TimeRange, error) {
	if r.Start.IsZero() {
		end := r.End
		if end.IsZero() {
			end = s.opts.Now()
		}
		r.Start = end.Add(-s.opts.DefaultLookback)
	}
	if !r.End.IsZero() && r.End.Before(r.Start) {
		return r, fmt.Errorf("%w: until must not precede since", utils.ErrInvalidArgument)
	}
	return r, nil
}

func validateServiceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: service_name is required", utils.ErrInvalidArgument)
	}
	if len(name) > maxServiceNameLen {
		return "", fmt.Errorf("%w: service_name longer than %d characters", utils.ErrInvalidArgument, maxServiceNameLen)
	}
	return name, nil
}
