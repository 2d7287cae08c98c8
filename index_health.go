package s3db

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PartitionHealthMonitor periodically compares a resource's partition refs
// against its live documents and reports drift, generalizing the teacher's
// Redis-index drift sampler onto the storage-backed partition refs
// PartitionManager actually maintains (partition.go's CheckHealth/Repair).
//
// Unlike the teacher's sampling monitor, a check here is exhaustive rather
// than a random sample: ref keys are cheap to list and compare against a
// resource's id list, so there is no accuracy/cost tradeoff to make.
type PartitionHealthMonitor struct {
	resource *Resource
	logger   Logger
	metrics  Metrics

	checkInterval time.Duration
	autoRepair    bool

	running  bool
	stopChan chan struct{}
	mu       sync.Mutex
}

// PartitionHealthSummary is one check's results across every declared
// partition of a resource.
type PartitionHealthSummary struct {
	Resource  string
	Timestamp time.Time
	Reports   map[string]*PartitionHealthReport
}

// Drifted reports whether any partition in the summary has drift.
func (s *PartitionHealthSummary) Drifted() bool {
	for _, r := range s.Reports {
		if r.Drifted() {
			return true
		}
	}
	return false
}

// NewPartitionHealthMonitor creates a monitor for one resource's declared
// partitions, with a 5 minute check interval and auto-repair enabled.
func NewPartitionHealthMonitor(resource *Resource, logger Logger, metrics Metrics) *PartitionHealthMonitor {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &PartitionHealthMonitor{
		resource:      resource,
		logger:        logger,
		metrics:       metrics,
		checkInterval: 5 * time.Minute,
		autoRepair:    true,
		stopChan:      make(chan struct{}),
	}
}

// WithInterval sets the health check interval.
func (m *PartitionHealthMonitor) WithInterval(interval time.Duration) *PartitionHealthMonitor {
	m.checkInterval = interval
	return m
}

// WithAutoRepair configures whether drift detected on a tick is repaired
// automatically (enabled by default) or only reported.
func (m *PartitionHealthMonitor) WithAutoRepair(enabled bool) *PartitionHealthMonitor {
	m.autoRepair = enabled
	return m
}

// Start begins periodic health checking in the background until ctx is
// canceled or Stop is called.
func (m *PartitionHealthMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("partition health monitor already running")
	}
	m.running = true

	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("partition health monitor stopped", "resource", m.resource.name, "reason", "context canceled")
				return
			case <-m.stopChan:
				m.logger.Info("partition health monitor stopped", "resource", m.resource.name, "reason", "stop requested")
				return
			case <-ticker.C:
				summary, err := m.Check(ctx)
				if err != nil {
					m.logger.Error("partition health check failed", "resource", m.resource.name, "error", err)
					m.metrics.Increment(MetricIndexErrors, "resource", m.resource.name)
					continue
				}
				m.processSummary(ctx, summary)
			}
		}
	}()

	m.logger.Info("partition health monitor started",
		"resource", m.resource.name, "interval", m.checkInterval, "auto_repair", m.autoRepair)
	return nil
}

// Stop halts the background health checking.
func (m *PartitionHealthMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopChan)
		m.running = false
	}
}

// Check runs a single health check across every partition declared on the
// resource.
func (m *PartitionHealthMonitor) Check(ctx context.Context) (*PartitionHealthSummary, error) {
	summary := &PartitionHealthSummary{
		Resource:  m.resource.name,
		Timestamp: time.Now(),
		Reports:   make(map[string]*PartitionHealthReport),
	}
	for _, partition := range m.resource.PartitionNames() {
		report, err := m.resource.CheckPartitionHealth(ctx, partition)
		if err != nil {
			return nil, fmt.Errorf("check partition %q: %w", partition, err)
		}
		summary.Reports[partition] = report
	}
	return summary, nil
}

// processSummary records metrics and, if autoRepair is enabled, repairs
// every drifted partition found in summary.
func (m *PartitionHealthMonitor) processSummary(ctx context.Context, summary *PartitionHealthSummary) {
	for partition, report := range summary.Reports {
		m.metrics.Gauge(MetricIndexHits, float64(report.Checked), "resource", m.resource.name, "partition", partition)
		if !report.Drifted() {
			continue
		}
		m.logger.Warn("partition drift detected",
			"resource", m.resource.name, "partition", partition,
			"orphaned", len(report.Orphaned), "missing", len(report.Missing))
		m.metrics.Increment(MetricIndexErrors, "resource", m.resource.name, "partition", partition)

		if !m.autoRepair {
			continue
		}
		repairCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		start := time.Now()
		err := m.resource.RepairPartition(repairCtx, partition, report)
		cancel()
		if err != nil {
			m.logger.Error("automatic partition repair failed",
				"resource", m.resource.name, "partition", partition, "error", err, "duration", time.Since(start))
			m.metrics.Increment(MetricIndexErrors, "resource", m.resource.name, "partition", partition, "phase", "repair")
			continue
		}
		m.logger.Info("automatic partition repair succeeded",
			"resource", m.resource.name, "partition", partition, "duration", time.Since(start))
		m.metrics.Timing(MetricIndexRetries, time.Since(start), "resource", m.resource.name, "partition", partition)
	}
}
