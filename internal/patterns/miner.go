package patterns

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-health/internal/models"
)

// SignatureMultivariate labels anomalies with no attributed feature.
const SignatureMultivariate = "multivariate"

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, scope string, patterns []models.AnomalyPattern) error
}

// Miner mines frequency-based anomaly signatures from anomaly history.
type Miner struct {
	store          Store
	logger         *slog.Logger
	minOccurrences int
	perService     int
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger, minOccurrences: 1, perService: 5}
}

// WithThresholds overrides the minimum occurrences for a signature and the
// number of signatures kept per service.
func (m *Miner) WithThresholds(minOccurrences, perService int) *Miner {
	if minOccurrences > 0 {
		m.minOccurrences = minOccurrences
	}
	if perService > 0 {
		m.perService = perService
	}
	return m
}

// Mine groups anomalies by service and affected-metric signature. Prevalence is
// the share of the service's anomalies carrying the signature.
func (m *Miner) Mine(ctx context.Context, scope string, anomalies []models.AnomalyRecord) ([]models.AnomalyPattern, error) {
	if len(anomalies) == 0 {
		return nil, nil
	}

	serviceStats := make(map[string]*serviceAggregate)
	for _, a := range anomalies {
		agg := ensureAggregate(serviceStats, a.Service)
		agg.total++
		agg.observe(signature(a.AffectedMetrics), a)
	}

	patterns := make([]models.AnomalyPattern, 0, len(serviceStats))
	for service, agg := range serviceStats {
		for _, sig := range agg.topSignatures(m.perService) {
			stat := agg.signatures[sig]
			if stat.count < m.minOccurrences {
				continue
			}
			patterns = append(patterns, models.AnomalyPattern{
				Service:         service,
				Metrics:         stat.metrics,
				Occurrences:     stat.count,
				Prevalence:      float64(stat.count) / float64(agg.total),
				AverageScore:    stat.scoreSum / float64(stat.count),
				HighestSeverity: stat.highest,
				LastSeen:        stat.lastSeen,
			})
		}
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		if patterns[i].Service != patterns[j].Service {
			return patterns[i].Service < patterns[j].Service
		}
		return strings.Join(patterns[i].Metrics, ",") < strings.Join(patterns[j].Metrics, ",")
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, scope, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.String("scope", scope), slog.Any("error", err))
		}
	}

	return patterns, nil
}

type signatureStat struct {
	metrics  []string
	count    int
	scoreSum float64
	highest  models.Severity
	lastSeen time.Time
}

type serviceAggregate struct {
	total      int
	signatures map[string]*signatureStat
}

func ensureAggregate(m map[string]*serviceAggregate, service string) *serviceAggregate {
	if service == "" {
		service = "unknown"
	}
	agg, ok := m[service]
	if !ok {
		agg = &serviceAggregate{signatures: make(map[string]*signatureStat)}
		m[service] = agg
	}
	return agg
}

func (agg *serviceAggregate) observe(sig string, a models.AnomalyRecord) {
	stat, ok := agg.signatures[sig]
	if !ok {
		metrics := []string{SignatureMultivariate}
		if sig != SignatureMultivariate {
			metrics = strings.Split(sig, ",")
		}
		stat = &signatureStat{metrics: metrics}
		agg.signatures[sig] = stat
	}
	stat.count++
	stat.scoreSum += a.Score
	if a.Severity.Rank() > stat.highest.Rank() {
		stat.highest = a.Severity
	}
	if a.Timestamp.After(stat.lastSeen) {
		stat.lastSeen = a.Timestamp
	}
}

func (agg *serviceAggregate) topSignatures(limit int) []string {
	sigs := make([]string, 0, len(agg.signatures))
	for sig := range agg.signatures {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		ci, cj := agg.signatures[sigs[i]].count, agg.signatures[sigs[j]].count
		if ci != cj {
			return ci > cj
		}
		return sigs[i] < sigs[j]
	})
	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return sigs
}

// signature canonicalises affected metrics so ordering does not split patterns.
func signature(metrics []string) string {
	if len(metrics) == 0 {
		return SignatureMultivariate
	}
	sorted := append([]string(nil), metrics...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
