package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/utils"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// migrations are applied in order and recorded in schema_versions. The DDL
// sticks to types both SQLite and PostgreSQL accept.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS services (
    service_name  TEXT PRIMARY KEY,
    service_type  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'active',
    first_seen_ms BIGINT NOT NULL,
    last_seen_ms  BIGINT
);

CREATE TABLE IF NOT EXISTS service_metrics (
    service_name  TEXT NOT NULL,
    timestamp_ms  BIGINT NOT NULL,
    request_rate  DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_rate    DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_p50   DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_p95   DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_p99   DOUBLE PRECISION NOT NULL DEFAULT 0,
    cpu_usage     DOUBLE PRECISION NOT NULL DEFAULT 0,
    memory_usage  DOUBLE PRECISION NOT NULL DEFAULT 0,
    restart_count BIGINT NOT NULL DEFAULT 0,
    pod_count     BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (service_name, timestamp_ms)
);

CREATE TABLE IF NOT EXISTS metrics_anomalies (
    id               TEXT PRIMARY KEY,
    service_name     TEXT NOT NULL,
    timestamp_ms     BIGINT NOT NULL,
    anomaly_type     TEXT NOT NULL,
    severity         TEXT NOT NULL,
    anomaly_score    DOUBLE PRECISION NOT NULL,
    affected_metrics TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    ecod_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
    isolation_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
    detected_at_ms   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_service_ts ON metrics_anomalies(service_name, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON metrics_anomalies(timestamp_ms);
`,
	},
}

const sampleColumns = `service_name, timestamp_ms, request_rate, error_rate, latency_p50,
	latency_p95, latency_p99, cpu_usage, memory_usage, restart_count, pod_count`

const anomalyColumns = `id, service_name, timestamp_ms, anomaly_type, severity, anomaly_score,
	affected_metrics, description, ecod_score, isolation_score, detected_at_ms`

type sampleRow struct {
	Service      string  `db:"service_name"`
	TimestampMS  int64   `db:"timestamp_ms"`
	RequestRate  float64 `db:"request_rate"`
	ErrorRate    float64 `db:"error_rate"`
	LatencyP50   float64 `db:"latency_p50"`
	LatencyP95   float64 `db:"latency_p95"`
	LatencyP99   float64 `db:"latency_p99"`
	CPUUsage     float64 `db:"cpu_usage"`
	MemoryUsage  float64 `db:"memory_usage"`
	RestartCount int64   `db:"restart_count"`
	PodCount     int64   `db:"pod_count"`
}

func (r sampleRow) model() models.MetricSample {
	return models.MetricSample{
		Service:      r.Service,
		Timestamp:    utils.UnixMilli(r.TimestampMS),
		RequestRate:  r.RequestRate,
		ErrorRate:    r.ErrorRate,
		LatencyP50:   r.LatencyP50,
		LatencyP95:   r.LatencyP95,
		LatencyP99:   r.LatencyP99,
		CPUUsage:     r.CPUUsage,
		MemoryUsage:  r.MemoryUsage,
		RestartCount: int(r.RestartCount),
		PodCount:     int(r.PodCount),
	}
}

type anomalyRow struct {
	ID              string  `db:"id"`
	Service         string  `db:"service_name"`
	TimestampMS     int64   `db:"timestamp_ms"`
	AnomalyType     string  `db:"anomaly_type"`
	Severity        string  `db:"severity"`
	Score           float64 `db:"anomaly_score"`
	AffectedMetrics string  `db:"affected_metrics"`
	Description     string  `db:"description"`
	ECODScore       float64 `db:"ecod_score"`
	IsolationScore  float64 `db:"isolation_score"`
	DetectedAtMS    int64   `db:"detected_at_ms"`
}

func (r anomalyRow) model() models.AnomalyRecord {
	var affected []string
	if r.AffectedMetrics != "" {
		affected = strings.Split(r.AffectedMetrics, ",")
	}
	return models.AnomalyRecord{
		ID:              r.ID,
		Service:         r.Service,
		Timestamp:       utils.UnixMilli(r.TimestampMS),
		AnomalyType:     r.AnomalyType,
		Severity:        models.Severity(r.Severity),
		Score:           r.Score,
		AffectedMetrics: affected,
		Description:     r.Description,
		ECODScore:       r.ECODScore,
		IsolationScore:  r.IsolationScore,
		DetectedAt:      utils.UnixMilli(r.DetectedAtMS),
	}
}

type serviceRow struct {
	Name        string        `db:"service_name"`
	Type        string        `db:"service_type"`
	Status      string        `db:"status"`
	FirstSeenMS int64         `db:"first_seen_ms"`
	LastSeenMS  sql.NullInt64 `db:"last_seen_ms"`
}

func (r serviceRow) model() models.ServiceRegistration {
	reg := models.ServiceRegistration{
		Name:      r.Name,
		Type:      r.Type,
		Status:    r.Status,
		FirstSeen: utils.UnixMilli(r.FirstSeenMS),
	}
	if r.LastSeenMS.Valid {
		seen := utils.UnixMilli(r.LastSeenMS.Int64)
		reg.LastSeen = &seen
	}
	return reg
}

// SQLStore persists registrations, samples and anomaly records through sqlx.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// NewSQLStore opens the configured database and applies pending migrations.
// SQLite is capped at one open connection; pass ":memory:" for a throwaway store.
func NewSQLStore(ctx context.Context, driver, dsn string, maxOpen int) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", utils.ErrInvalidArgument, driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, utils.Persistence("store.connect", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, utils.Persistence("store.pragma", err)
			}
		}
	} else {
		if maxOpen <= 0 {
			maxOpen = 25
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
		version       INTEGER PRIMARY KEY,
		applied_at_ms BIGINT NOT NULL
	)`)
	if err != nil {
		return utils.Persistence("store.migrate", fmt.Errorf("create schema_versions: %w", err))
	}

	for _, m := range migrations {
		var count int
		if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return utils.Persistence("store.migrate", fmt.Errorf("check migration %d: %w", m.version, err))
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return utils.Persistence("store.migrate", fmt.Errorf("apply migration %d: %w", m.version, err))
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_versions (version, applied_at_ms) VALUES (?, ?)`),
			m.version, s.now().UnixMilli()); err != nil {
			return utils.Persistence("store.migrate", fmt.Errorf("record migration %d: %w", m.version, err))
		}
	}
	return nil
}

// Driver reports the database driver in use.
func (s *SQLStore) Driver() string { return s.driver }

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return utils.Persistence("store.ping", s.db.PingContext(ctx))
}

// Close releases the connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// InsertSample stores one sample; it reports false when a sample with the
// same (service, timestamp) key already exists.
func (s *SQLStore) InsertSample(ctx context.Context, sample models.MetricSample) (bool, error) {
	query := s.db.Rebind(`INSERT INTO service_metrics (` + sampleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_name, timestamp_ms) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		sample.Service,
		utils.SampleTime(sample.Timestamp).UnixMilli(),
		sample.RequestRate,
		sample.ErrorRate,
		sample.LatencyP50,
		sample.LatencyP95,
		sample.LatencyP99,
		sample.CPUUsage,
		sample.MemoryUsage,
		sample.RestartCount,
		sample.PodCount,
	)
	if err != nil {
		return false, utils.Persistence("store.insert_sample", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.Persistence("store.insert_sample", err)
	}
	return n == 1, nil
}

// AppendAnomaly stores an anomaly record.
func (s *SQLStore) AppendAnomaly(ctx context.Context, record models.AnomalyRecord) error {
	query := s.db.Rebind(`INSERT INTO metrics_anomalies (` + anomalyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	detected := record.DetectedAt
	if detected.IsZero() {
		detected = s.now()
	}
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Service,
		record.Timestamp.UTC().UnixMilli(),
		record.AnomalyType,
		string(record.Severity),
		record.Score,
		strings.Join(record.AffectedMetrics, ","),
		record.Description,
		record.ECODScore,
		record.IsolationScore,
		detected.UTC().UnixMilli(),
	)
	return utils.Persistence("store.append_anomaly", err)
}

// UpsertRegistration creates the service or refreshes its type and status.
// It reports whether the row was newly created.
func (s *SQLStore) UpsertRegistration(ctx context.Context, name, serviceType string) (models.ServiceRegistration, bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO services (service_name, service_type, status, first_seen_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (service_name) DO NOTHING`),
		name, serviceType, models.ServiceStatusActive, now.UnixMilli())
	if err != nil {
		return models.ServiceRegistration{}, false, utils.Persistence("store.upsert_registration", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.ServiceRegistration{}, false, utils.Persistence("store.upsert_registration", err)
	}
	created := n == 1

	if !created {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE services SET service_type = ?, status = ? WHERE service_name = ?`),
			serviceType, models.ServiceStatusActive, name); err != nil {
			return models.ServiceRegistration{}, false, utils.Persistence("store.upsert_registration", err)
		}
	}

	reg, err := s.GetService(ctx, name)
	if err != nil {
		return models.ServiceRegistration{}, false, err
	}
	return reg, created, nil
}

// TouchService advances last_seen for service, registering it when unknown.
func (s *SQLStore) TouchService(ctx context.Context, service string, seen time.Time) error {
	ms := seen.UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO services (service_name, service_type, status, first_seen_ms, last_seen_ms)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT (service_name) DO UPDATE SET last_seen_ms = excluded.last_seen_ms
		WHERE services.last_seen_ms IS NULL OR services.last_seen_ms < excluded.last_seen_ms`),
		service, models.ServiceStatusActive, ms, ms)
	return utils.Persistence("store.touch_service", err)
}

// SetServiceStatus marks a registration active or inactive.
func (s *SQLStore) SetServiceStatus(ctx context.Context, service, status string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE services SET status = ? WHERE service_name = ?`), status, service)
	if err != nil {
		return utils.Persistence("store.set_status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", utils.ErrServiceNotFound, service)
	}
	return nil
}

// ListServices returns registrations ordered by name.
func (s *SQLStore) ListServices(ctx context.Context, activeOnly bool) ([]models.ServiceRegistration, error) {
	query := `SELECT service_name, service_type, status, first_seen_ms, last_seen_ms FROM services`
	var args []any
	if activeOnly {
		query += ` WHERE status = ?`
		args = append(args, models.ServiceStatusActive)
	}
	query += ` ORDER BY service_name`

	var rows []serviceRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, utils.Persistence("store.list_services", err)
	}
	out := make([]models.ServiceRegistration, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// GetService loads one registration or returns utils.ErrServiceNotFound.
func (s *SQLStore) GetService(ctx context.Context, name string) (models.ServiceRegistration, error) {
	var row serviceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT service_name, service_type, status, first_seen_ms, last_seen_ms
		FROM services WHERE service_name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRegistration{}, fmt.Errorf("%w: %s", utils.ErrServiceNotFound, name)
	}
	if err != nil {
		return models.ServiceRegistration{}, utils.Persistence("store.get_service", err)
	}
	return row.model(), nil
}

// RecentSamples returns up to limit of the newest samples, oldest first.
func (s *SQLStore) RecentSamples(ctx context.Context, service string, limit int) ([]models.MetricSample, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+sampleColumns+` FROM service_metrics
		WHERE service_name = ? ORDER BY timestamp_ms DESC LIMIT ?`), service, limit)
	if err != nil {
		return nil, utils.Persistence("store.recent_samples", err)
	}
	out := make([]models.MetricSample, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.model()
	}
	return out, nil
}

// LatestSample returns the newest sample of service, or nil when none exists.
func (s *SQLStore) LatestSample(ctx context.Context, service string) (*models.MetricSample, error) {
	return s.edgeSample(ctx, service, "DESC", "store.latest_sample")
}

// EarliestSample returns the oldest sample of service, or nil when none exists.
func (s *SQLStore) EarliestSample(ctx context.Context, service string) (*models.MetricSample, error) {
	return s.edgeSample(ctx, service, "ASC", "store.earliest_sample")
}

func (s *SQLStore) edgeSample(ctx context.Context, service, order, op string) (*models.MetricSample, error) {
	var row sampleRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+sampleColumns+` FROM service_metrics
		WHERE service_name = ? ORDER BY timestamp_ms `+order+` LIMIT 1`), service)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.Persistence(op, err)
	}
	sample := row.model()
	return &sample, nil
}

// LatestSamples returns the newest sample of every service keyed by name.
func (s *SQLStore) LatestSamples(ctx context.Context) (map[string]models.MetricSample, error) {
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows, `SELECT m.service_name, m.timestamp_ms, m.request_rate, m.error_rate,
		m.latency_p50, m.latency_p95, m.latency_p99, m.cpu_usage, m.memory_usage, m.restart_count, m.pod_count
		FROM service_metrics m
		JOIN (SELECT service_name, MAX(timestamp_ms) AS ts FROM service_metrics GROUP BY service_name) latest
		  ON m.service_name = latest.service_name AND m.timestamp_ms = latest.ts`)
	if err != nil {
		return nil, utils.Persistence("store.latest_samples", err)
	}
	out := make(map[string]models.MetricSample, len(rows))
	for _, r := range rows {
		out[r.Service] = r.model()
	}
	return out, nil
}

// SamplesSince returns the stored samples of one service inside q.Range, oldest first.
func (s *SQLStore) SamplesSince(ctx context.Context, q models.HistoryQuery) ([]models.MetricSample, error) {
	query := `SELECT ` + sampleColumns + ` FROM service_metrics WHERE service_name = ?`
	args := []any{q.Service}
	query, args = appendRange(query, args, q.Range)
	query += ` ORDER BY timestamp_ms ASC`

	var rows []sampleRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, utils.Persistence("store.samples_since", err)
	}
	out := make([]models.MetricSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// AnomaliesSince lists anomaly records, newest first, optionally filtered by service.
func (s *SQLStore) AnomaliesSince(ctx context.Context, q models.AnomalyQuery) ([]models.AnomalyRecord, error) {
	query := `SELECT ` + anomalyColumns + ` FROM metrics_anomalies WHERE 1 = 1`
	var args []any
	if q.Service != "" {
		query += ` AND service_name = ?`
		args = append(args, q.Service)
	}
	query, args = appendRange(query, args, q.Range)
	query += ` ORDER BY timestamp_ms DESC, detected_at_ms DESC`

	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, utils.Persistence("store.anomalies_since", err)
	}
	out := make([]models.AnomalyRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// LatestAnomaly returns the most recent anomaly of service, or nil when none exists.
func (s *SQLStore) LatestAnomaly(ctx context.Context, service string) (*models.AnomalyRecord, error) {
	var row anomalyRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+anomalyColumns+` FROM metrics_anomalies
		WHERE service_name = ? ORDER BY timestamp_ms DESC, detected_at_ms DESC LIMIT 1`), service)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.Persistence("store.latest_anomaly", err)
	}
	record := row.model()
	return &record, nil
}

func appendRange(query string, args []any, r models.TimeRange) (string, []any) {
	if !r.Start.IsZero() {
		query += ` AND timestamp_ms >= ?`
		args = append(args, r.Start.UTC().UnixMilli())
	}
	if !r.End.IsZero() {
		query += ` AND timestamp_ms <= ?`
		args = append(args, r.End.UTC().UnixMilli())
	}
	return query, args
}
