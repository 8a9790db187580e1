package engine

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-health/internal/models"
)

// RuleEngine attaches operator recommendations to service health views.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	// Service is a path.Match pattern such as "k8s-prod-*".
	Service  string   `yaml:"service"`
	Status   string   `yaml:"status"`
	Severity string   `yaml:"severity"`
	Factors  []string `yaml:"factors"`
	Metrics  []string `yaml:"metrics"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. A missing or empty path yields a nil engine.
func NewRuleEngine(rulePath string, logger *slog.Logger) (*RuleEngine, error) {
	if rulePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(rulePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("loaded recommendation rules", slog.String("path", rulePath), slog.Int("rules", len(cfg.Rules)))
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the de-duplicated recommendations of every matching rule.
func (e *RuleEngine) Recommend(health models.ServiceHealth) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if rule.Match.Service != "" && !serviceMatches(rule.Match.Service, health.Service) {
			continue
		}
		if rule.Match.Status != "" && !strings.EqualFold(rule.Match.Status, string(health.Status)) {
			continue
		}
		if rule.Match.Severity != "" && !anomalyHasSeverity(rule.Match.Severity, health.ActiveAnomaly) {
			continue
		}
		if len(rule.Match.Factors) > 0 && !factorsContain(rule.Match.Factors, health.Factors) {
			continue
		}
		if len(rule.Match.Metrics) > 0 && !anomalyTouches(rule.Match.Metrics, health.ActiveAnomaly) {
			continue
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func serviceMatches(pattern, service string) bool {
	if strings.EqualFold(pattern, service) {
		return true
	}
	ok, err := path.Match(pattern, service)
	return err == nil && ok
}

func anomalyHasSeverity(severity string, anomaly *models.AnomalyRecord) bool {
	return anomaly != nil && strings.EqualFold(severity, string(anomaly.Severity))
}

func factorsContain(names []string, factors []models.HealthFactor) bool {
	for _, f := range factors {
		for _, name := range names {
			if strings.EqualFold(name, f.Name) {
				return true
			}
		}
	}
	return false
}

func anomalyTouches(metrics []string, anomaly *models.AnomalyRecord) bool {
	if anomaly == nil {
		return false
	}
	for _, affected := range anomaly.AffectedMetrics {
		for _, m := range metrics {
			if strings.EqualFold(m, affected) {
				return true
			}
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
