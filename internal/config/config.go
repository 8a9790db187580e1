package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-health/internal/utils"
)

// Config captures every setting required to boot the health engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Source     SourceConfig     `yaml:"source"`
	Store      StoreConfig      `yaml:"store"`
	Collection CollectionConfig `yaml:"collection"`
	Detection  DetectionConfig  `yaml:"detection"`
	Health     HealthConfig     `yaml:"health"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig controls the gRPC, REST and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

// SourceConfig configures the Prometheus-compatible metrics source.
type SourceConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	Timeout    time.Duration `yaml:"timeout"`
	RateWindow string        `yaml:"rateWindow"`
	QueryRate  float64       `yaml:"queryRate"`
	QueryBurst int           `yaml:"queryBurst"`
}

// StoreConfig selects the relational store.
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// CollectionConfig drives the periodic collector.
type CollectionConfig struct {
	Period          time.Duration `yaml:"period"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout"`
	Workers         int           `yaml:"workers"`
	TriggerCooldown time.Duration `yaml:"triggerCooldown"`
}

// DetectionConfig holds the ensemble constants.
type DetectionConfig struct {
	MinWindow    int                `yaml:"minWindow"`
	WindowSize   int                `yaml:"windowSize"`
	Trees        int                `yaml:"trees"`
	DepthLimit   int                `yaml:"depthLimit"`
	Seed         int64              `yaml:"seed"`
	TailFloor    float64            `yaml:"tailFloor"`
	AttributionP float64            `yaml:"attributionP"`
	ECODScale    float64            `yaml:"ecodScale"`
	IForestCurve Curve              `yaml:"iforestCurve"`
	Severity     SeverityThresholds `yaml:"severity"`
}

// Curve parameterises the logistic squashing applied to the raw isolation score.
type Curve struct {
	Center float64 `yaml:"center"`
	Width  float64 `yaml:"width"`
}

// SeverityThresholds are inclusive lower bounds on the fused score.
type SeverityThresholds struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`
}

// PenaltyTier deducts points when a metric strictly exceeds Above.
type PenaltyTier struct {
	Above  float64 `yaml:"above"`
	Deduct int     `yaml:"deduct"`
}

// AnomalyDeductions maps active anomaly severity to a health deduction.
type AnomalyDeductions struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Medium   int `yaml:"medium"`
	Low      int `yaml:"low"`
}

// StatusCutoffs are inclusive lower bounds for health status labels.
type StatusCutoffs struct {
	Healthy  int `yaml:"healthy"`
	Degraded int `yaml:"degraded"`
	Warning  int `yaml:"warning"`
}

// HealthConfig holds the health scorer weights.
type HealthConfig struct {
	ErrorRate  []PenaltyTier     `yaml:"errorRate"`
	LatencyP99 []PenaltyTier     `yaml:"latencyP99"`
	Restarts   []PenaltyTier     `yaml:"restarts"`
	CPU        []PenaltyTier     `yaml:"cpu"`
	Memory     []PenaltyTier     `yaml:"memory"`
	Anomaly    AnomalyDeductions `yaml:"anomaly"`
	Status     StatusCutoffs     `yaml:"status"`
	AnomalyTTL time.Duration     `yaml:"anomalyTTL"`
}

// DiscoveryConfig controls Kubernetes pod registration.
type DiscoveryConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Kubeconfig string        `yaml:"kubeconfig"`
	InCluster  bool          `yaml:"inCluster"`
	Namespaces []string      `yaml:"namespaces"`
	Interval   time.Duration `yaml:"interval"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// RulesConfig controls rule-pack loading for health recommendations.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the Redis-backed cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SummaryTTL   time.Duration `yaml:"summaryTTL"`
}

// LogOptions converts the logging section for utils.NewLogger.
func (c LoggingConfig) LogOptions() utils.LogOptions {
	return utils.LogOptions{
		Level:      c.Level,
		JSON:       c.JSON,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_HEALTH_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Source: SourceConfig{
			BaseURL:    "http://localhost:9090",
			Timeout:    5 * time.Second,
			RateWindow: "5m",
			QueryRate:  50,
			QueryBurst: 20,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "mirador-health.db",
		},
		Collection: CollectionConfig{
			Period:          60 * time.Second,
			FetchTimeout:    5 * time.Second,
			Workers:         4,
			TriggerCooldown: 5 * time.Second,
		},
		Detection: DetectionConfig{
			MinWindow:    10,
			WindowSize:   100,
			Trees:        100,
			Seed:         42,
			TailFloor:    1e-6,
			AttributionP: 0.05,
			ECODScale:    5,
			IForestCurve: Curve{Center: 0.75, Width: 0.02},
			Severity: SeverityThresholds{
				Critical: 0.95,
				High:     0.85,
				Medium:   0.70,
				Low:      0.50,
			},
		},
		Health: HealthConfig{
			ErrorRate:  []PenaltyTier{{Above: 0.10, Deduct: 30}, {Above: 0.05, Deduct: 15}, {Above: 0.01, Deduct: 5}},
			LatencyP99: []PenaltyTier{{Above: 1000, Deduct: 25}, {Above: 500, Deduct: 15}, {Above: 200, Deduct: 5}},
			Restarts:   []PenaltyTier{{Above: 3, Deduct: 15}, {Above: 0, Deduct: 5}},
			CPU:        []PenaltyTier{{Above: 0.9, Deduct: 20}, {Above: 0.7, Deduct: 10}},
			Memory:     []PenaltyTier{{Above: 2048, Deduct: 10}, {Above: 1024, Deduct: 5}},
			Anomaly:    AnomalyDeductions{Critical: 40, High: 25, Medium: 15, Low: 5},
			Status:     StatusCutoffs{Healthy: 90, Degraded: 70, Warning: 50},
			AnomalyTTL: 5 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			Namespaces: []string{"default"},
			Interval:   5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Cache: CacheConfig{
			SummaryTTL:   15 * time.Second,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	s := c.Detection.Severity
	if !(s.Critical > s.High && s.High > s.Medium && s.Medium > s.Low) {
		add("severity thresholds must be strictly descending critical > high > medium > low, got %.2f/%.2f/%.2f/%.2f", s.Critical, s.High, s.Medium, s.Low)
	}
	if s.Low <= 0 || s.Critical > 1 {
		add("severity thresholds must lie in (0,1]")
	}
	if c.Collection.Period <= 0 {
		add("collection.period must be positive")
	}
	if c.Collection.FetchTimeout <= 0 {
		add("collection.fetchTimeout must be positive")
	}
	if c.Collection.Workers <= 0 {
		add("collection.workers must be positive")
	}
	if c.Detection.MinWindow < 10 {
		add("detection.minWindow must be at least 10, got %d", c.Detection.MinWindow)
	}
	if c.Detection.WindowSize < c.Detection.MinWindow {
		add("detection.windowSize (%d) must not be below detection.minWindow (%d)", c.Detection.WindowSize, c.Detection.MinWindow)
	}
	if c.Detection.Trees <= 0 {
		add("detection.trees must be positive")
	}
	if c.Detection.DepthLimit < 0 {
		add("detection.depthLimit must not be negative")
	}
	if c.Detection.TailFloor <= 0 || c.Detection.TailFloor >= 1 {
		add("detection.tailFloor must lie in (0,1)")
	}
	if c.Detection.AttributionP <= 0 || c.Detection.AttributionP >= 1 {
		add("detection.attributionP must lie in (0,1)")
	}
	if c.Detection.ECODScale <= 0 {
		add("detection.ecodScale must be positive")
	}
	if c.Detection.IForestCurve.Width <= 0 {
		add("detection.iforestCurve.width must be positive")
	}
	for name, tiers := range map[string][]PenaltyTier{
		"errorRate":  c.Health.ErrorRate,
		"latencyP99": c.Health.LatencyP99,
		"restarts":   c.Health.Restarts,
		"cpu":        c.Health.CPU,
		"memory":     c.Health.Memory,
	} {
		for i := 1; i < len(tiers); i++ {
			if tiers[i].Above >= tiers[i-1].Above {
				add("health.%s tiers must be ordered by descending threshold", name)
				break
			}
		}
	}
	st := c.Health.Status
	if !(st.Healthy > st.Degraded && st.Degraded > st.Warning && st.Warning > 0 && st.Healthy <= 100) {
		add("health.status cutoffs must satisfy 100 >= healthy > degraded > warning > 0")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_HEALTH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_PROMETHEUS_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	envDuration("MIRADOR_HEALTH_COLLECTION_PERIOD", &cfg.Collection.Period)
	envDuration("MIRADOR_HEALTH_FETCH_TIMEOUT", &cfg.Collection.FetchTimeout)
	if v := os.Getenv("MIRADOR_HEALTH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collection.Workers = n
		}
	}
	if v := os.Getenv("MIRADOR_HEALTH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_HEALTH_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = truthy(v)
	}
	if v := os.Getenv("MIRADOR_HEALTH_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	envDuration("MIRADOR_HEALTH_CACHE_SUMMARY_TTL", &cfg.Cache.SummaryTTL)
	if v := os.Getenv("MIRADOR_HEALTH_DISCOVERY_ENABLED"); v != "" {
		cfg.Discovery.Enabled = truthy(v)
	}
	if v := os.Getenv("MIRADOR_HEALTH_KUBECONFIG"); v != "" {
		cfg.Discovery.Kubeconfig = v
	}
	if v := os.Getenv("MIRADOR_HEALTH_DISCOVERY_NAMESPACES"); v != "" {
		cfg.Discovery.Namespaces = strings.Split(v, ",")
	}
}

func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func truthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
