package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ReconcilerReasonDeadlineExceeded     = "deadline_exceeded"
	ReconcilerReasonDBLockTimeout        = "db_lock_timeout"
	ReconcilerReasonSerializationFailure = "serialization_failure"
	ReconcilerReasonUniqueViolation      = "unique_violation"
	ReconcilerReasonDB                   = "db"
	ReconcilerReasonUnknown              = "unknown"
)

const (
	ReconcileOutcomeCompleted = "completed"
	ReconcileOutcomeFailed    = "failed"
	ReconcileOutcomePending   = "pending"
	ReconcileOutcomeNoop      = "noop"
	ReconcileOutcomeError     = "error"
)

// ReconcilerMetrics captures pending-purchase poller health.
type ReconcilerMetrics struct {
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	timeouts   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	processed  *prometheus.CounterVec
	runLoopLag prometheus.Observer
	backlog    prometheus.Gauge
}

var (
	reconcilerMetricsOnce sync.Once
	reconcilerMetrics     *ReconcilerMetrics
)

// Reconciler returns the singleton reconciler metrics registry.
func Reconciler() *ReconcilerMetrics {
	return ReconcilerWithConfig(Config{})
}

// ReconcilerWithConfig returns the singleton reconciler metrics registry using config labels.
func ReconcilerWithConfig(cfg Config) *ReconcilerMetrics {
	reconcilerMetricsOnce.Do(func() {
		reconcilerMetrics = newReconcilerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcilerMetrics
}

// ResetReconcilerMetricsForTest resets the reconciler metrics singleton for tests.
func ResetReconcilerMetricsForTest() {
	reconcilerMetricsOnce = sync.Once{}
	reconcilerMetrics = nil
}

func newReconcilerMetrics(registerer prometheus.Registerer, cfg Config) *ReconcilerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "payflow"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "payflow_reconciler_runs_total",
		Help:        "Reconciler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "payflow_reconciler_run_duration_seconds",
		Help:        "Reconciler job latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"job"})
	timeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "payflow_reconciler_timeouts_total",
		Help:        "Reconciler job timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	errorsVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "payflow_reconciler_errors_total",
		Help:        "Reconciler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "payflow_reconciler_purchases_processed_total",
		Help:        "Pending purchases examined by the reconciler, by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "payflow_reconciler_runloop_lag_seconds",
		Help:        "Reconciler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "payflow_reconciler_pending_backlog",
		Help:        "Pending purchases with a gateway reference selected in the last run.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(runs, duration, timeouts, errorsVec, processed, runLoopLag, backlog)

	return &ReconcilerMetrics{
		runs:       runs,
		duration:   duration,
		timeouts:   timeouts,
		errors:     errorsVec,
		processed:  processed,
		runLoopLag: runLoopLag,
		backlog:    backlog,
	}
}

func (m *ReconcilerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job).Inc()
}

func (m *ReconcilerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *ReconcilerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(job).Inc()
}

func (m *ReconcilerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(job, ClassifyReconcilerReason(err)).Inc()
}

func (m *ReconcilerMetrics) IncProcessed(outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(outcome).Inc()
}

func (m *ReconcilerMetrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *ReconcilerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.runLoopLag.Observe(d.Seconds())
}

// ClassifyReconcilerReason maps job errors to low-cardinality reasons.
func ClassifyReconcilerReason(err error) string {
	if err == nil {
		return ReconcilerReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReconcilerReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ReconcilerReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return ReconcilerReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return ReconcilerReasonUniqueViolation
	}
	if isDBError(err) {
		return ReconcilerReasonDB
	}
	return ReconcilerReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
