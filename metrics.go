package s3db

import "time"

// Metrics provides observability for Smarterbase operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                    {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)         {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)     {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricGetSuccess      = "s3db.get.success"
	MetricGetError        = "s3db.get.error"
	MetricGetDuration     = "s3db.get.duration"
	MetricPutSuccess      = "s3db.put.success"
	MetricPutError        = "s3db.put.error"
	MetricPutDuration     = "s3db.put.duration"
	MetricDeleteSuccess   = "s3db.delete.success"
	MetricDeleteError     = "s3db.delete.error"
	MetricDeleteDuration  = "s3db.delete.duration"
	MetricQueryDuration   = "s3db.query.duration"
	MetricQueryResults    = "s3db.query.results"
	MetricIndexUpdate     = "s3db.index.update"
	MetricIndexRetries    = "s3db.index.retries"
	MetricIndexErrors     = "s3db.index.errors"
	MetricTransactionSuccess = "s3db.transaction.success"
	MetricTransactionConflict = "s3db.transaction.conflict"
	MetricTransactionRollback = "s3db.transaction.rollback"
	MetricLockAcquired    = "s3db.lock.acquired"
	MetricLockFailed      = "s3db.lock.failed"
	MetricLockDuration    = "s3db.lock.duration"
	MetricLockContention  = "s3db.lock.contention"    // Number of retries needed
	MetricLockTimeout     = "s3db.lock.timeout"       // Locks that timed out
	MetricLockWaitTime    = "s3db.lock.wait_duration" // Time spent waiting for locks

	// Additional metrics for Prometheus integration
	MetricBackendOps      = "s3db.backend.ops"
	MetricBackendErrors   = "s3db.backend.errors"
	MetricBackendLatency  = "s3db.backend.latency"
	MetricIndexHits       = "s3db.index.hits"
	MetricIndexMisses     = "s3db.index.misses"
	MetricCacheHits       = "s3db.cache.hits"
	MetricCacheMisses     = "s3db.cache.misses"
	MetricTransactionSize = "s3db.transaction.size"
	MetricCacheSize       = "s3db.cache.size"
)

// Production integrations:
//
// For Prometheus (github.com/prometheus/client_golang):
//   type PrometheusMetrics struct {
//       counters   map[string]prometheus.Counter
//       gauges     map[string]prometheus.Gauge
//       histograms map[string]prometheus.Histogram
//   }
//
// For Datadog (github.com/DataDog/datadog-go/statsd):
//   type DatadogMetrics struct { client *statsd.Client }
//   func (m *DatadogMetrics) Increment(name string, tags ...string) {
//       m.client.Incr(name, tags, 1)
//   }
//
// For StatsD:
//   type StatsDMetrics struct { client *statsd.Client }
//   func (m *StatsDMetrics) Timing(name string, duration time.Duration, tags ...string) {
//       m.client.Timing(name, duration, tags...)
//   }
