// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robosystems/graphcore/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Pool metrics (graph + staging connection pools)
	PoolConnectionsOpen *prometheus.GaugeVec
	PoolAcquireTotal    *prometheus.CounterVec
	PoolAcquireDuration *prometheus.HistogramVec
	PoolEvictionsTotal  *prometheus.CounterVec

	// Ingestion metrics
	IngestRowsTotal    *prometheus.CounterVec
	IngestDuration     *prometheus.HistogramVec
	IngestFailureTotal *prometheus.CounterVec

	// Credit engine metrics
	CreditReservationsTotal *prometheus.CounterVec
	CreditBalance           *prometheus.GaugeVec

	// Infrastructure monitor metrics
	InfraResourcesTotal *prometheus.GaugeVec
	InfraReconcileTotal *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Pool metrics
		PoolConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_connections_open",
				Help: "Current number of open pooled connections",
			},
			[]string{"service", "pool"},
		),
		PoolAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_acquire_total",
				Help: "Total number of pool acquire attempts",
			},
			[]string{"service", "pool", "status"},
		),
		PoolAcquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pool_acquire_duration_seconds",
				Help:    "Time spent acquiring a pooled connection",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"service", "pool"},
		),
		PoolEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_evictions_total",
				Help: "Total number of connections evicted from a pool",
			},
			[]string{"service", "pool", "reason"},
		),

		// Ingestion metrics
		IngestRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rows_total",
				Help: "Total number of rows ingested into graph databases",
			},
			[]string{"service", "graph_id", "table"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_duration_seconds",
				Help:    "Ingestion pipeline step duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"service", "step"},
		),
		IngestFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_failures_total",
				Help: "Total number of failed ingestion steps",
			},
			[]string{"service", "step"},
		),

		// Credit engine metrics
		CreditReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_reservations_total",
				Help: "Total number of credit reservation operations",
			},
			[]string{"service", "operation", "status"},
		),
		CreditBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credit_pool_balance",
				Help: "Current credit balance for a pool",
			},
			[]string{"service", "pool_id"},
		),

		// Infrastructure monitor metrics
		InfraResourcesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "infra_resources_total",
				Help: "Current number of tracked cloud resources by health state",
			},
			[]string{"service", "resource_type", "health"},
		),
		InfraReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "infra_reconcile_total",
				Help: "Total number of infrastructure reconciliation passes",
			},
			[]string{"service", "status"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.PoolConnectionsOpen,
			m.PoolAcquireTotal,
			m.PoolAcquireDuration,
			m.PoolEvictionsTotal,
			m.IngestRowsTotal,
			m.IngestDuration,
			m.IngestFailureTotal,
			m.CreditReservationsTotal,
			m.CreditBalance,
			m.InfraResourcesTotal,
			m.InfraReconcileTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordPoolAcquire records a connection pool acquire attempt.
func (m *Metrics) RecordPoolAcquire(service, pool, status string, duration time.Duration) {
	m.PoolAcquireTotal.WithLabelValues(service, pool, status).Inc()
	m.PoolAcquireDuration.WithLabelValues(service, pool).Observe(duration.Seconds())
}

// SetPoolConnections sets the current open-connection gauge for a pool.
func (m *Metrics) SetPoolConnections(service, pool string, count int) {
	m.PoolConnectionsOpen.WithLabelValues(service, pool).Set(float64(count))
}

// RecordPoolEviction records a connection evicted from a pool (ttl, idle, lru).
func (m *Metrics) RecordPoolEviction(service, pool, reason string) {
	m.PoolEvictionsTotal.WithLabelValues(service, pool, reason).Inc()
}

// RecordIngest records an ingestion pipeline step.
func (m *Metrics) RecordIngest(service, graphID, table, step string, rows int, duration time.Duration, err error) {
	if err != nil {
		m.IngestFailureTotal.WithLabelValues(service, step).Inc()
	} else {
		m.IngestRowsTotal.WithLabelValues(service, graphID, table).Add(float64(rows))
	}
	m.IngestDuration.WithLabelValues(service, step).Observe(duration.Seconds())
}

// RecordCreditReservation records a reserve/confirm/cancel operation outcome.
func (m *Metrics) RecordCreditReservation(service, operation, status string) {
	m.CreditReservationsTotal.WithLabelValues(service, operation, status).Inc()
}

// SetCreditBalance sets the gauge for a credit pool's current balance.
func (m *Metrics) SetCreditBalance(service, poolID string, balance float64) {
	m.CreditBalance.WithLabelValues(service, poolID).Set(balance)
}

// SetInfraResources sets the gauge for tracked cloud resources in a health state.
func (m *Metrics) SetInfraResources(service, resourceType, health string, count int) {
	m.InfraResourcesTotal.WithLabelValues(service, resourceType, health).Set(float64(count))
}

// RecordInfraReconcile records one infrastructure reconciliation pass.
func (m *Metrics) RecordInfraReconcile(service, status string) {
	m.InfraReconcileTotal.WithLabelValues(service, status).Inc()
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
