// Package telemetry provides metrics collection and reporting for
// monitoring the code index.
package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MetricsCollector provides a thread-safe interface for collecting
// application metrics for monitoring and troubleshooting.
type MetricsCollector struct {
	counters   map[string]int64
	gauges     map[string]float64
	timers     map[string][]time.Duration
	latestTime map[string]time.Time
	mu         sync.RWMutex
}

// Store metrics
const (
	MetricStoreDocumentsUpserted = "store.documents.upserted"
	MetricStoreFilesRemoved      = "store.files.removed"
	MetricStoreFlushes           = "store.flushes"
	MetricStoreSearches          = "store.searches"
	MetricStoreKeywordSearches   = "store.keyword_searches"
	MetricStoreSearchTime        = "store.search_time"
)

// Pipeline metrics
const (
	MetricPipelineEmbeddings     = "pipeline.embeddings"
	MetricPipelineDescriptions   = "pipeline.descriptions"
	MetricPipelineBatches        = "pipeline.batches"
	MetricPipelineBatchFailures  = "pipeline.batch_failures"
	MetricPipelineRetryAttempts  = "pipeline.retry_attempts"
	MetricPipelineRetrySuccess   = "pipeline.retry_success"
	MetricPipelineCacheHits      = "pipeline.cache.hits"
	MetricPipelineCacheMisses    = "pipeline.cache.misses"
	MetricPipelineCacheSize      = "pipeline.cache.size"
	MetricPipelineEmbeddingTime  = "pipeline.embedding_time"
	MetricPipelineProviderTime   = "pipeline.provider_time"
	MetricPipelineRateLimitWaits = "pipeline.rate_limit_waits"
)

// Safeguard metrics
const (
	MetricSafeguardExecutions       = "safeguards.executions"
	MetricSafeguardFailures         = "safeguards.failures"
	MetricSafeguardTimeouts         = "safeguards.timeouts"
	MetricSafeguardBreakerOpens     = "safeguards.breaker.opens"
	MetricSafeguardBreakerRejected  = "safeguards.breaker.rejected"
	MetricSafeguardRecoveryActions  = "safeguards.recovery.actions"
	MetricSafeguardRecoveryFailures = "safeguards.recovery.failures"
	MetricSafeguardEmergencyStops   = "safeguards.emergency_stops"
	MetricSafeguardHeapUsedMB       = "safeguards.heap_used_mb"
	MetricSafeguardRSSMB            = "safeguards.rss_mb"
	MetricSafeguardCPUPercent       = "safeguards.cpu_percent"
)

// NewMetricsCollector creates a new MetricsCollector instance
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		timers:     make(map[string][]time.Duration),
		latestTime: make(map[string]time.Time),
	}
}

// IncrementCounter increments a named counter by the specified amount
func (m *MetricsCollector) IncrementCounter(name string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[name] += amount
}

// SetGauge sets a named gauge to the specified value
func (m *MetricsCollector) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gauges[name] = value
}

// RecordTimer records a duration for the specified timer
func (m *MetricsCollector) RecordTimer(name string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timers[name] = append(m.timers[name], duration)

	// Bound stored durations to avoid unbounded growth
	if len(m.timers[name]) > 100 {
		m.timers[name] = m.timers[name][1:]
	}
}

// RecordTimestamp records the current time for the specified event
func (m *MetricsCollector) RecordTimestamp(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestTime[name] = time.Now()
}

// GetCounter retrieves the current value of a counter
func (m *MetricsCollector) GetCounter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.counters[name]
}

// GetGauge retrieves the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.gauges[name]
}

// GetTimerAverage calculates the average duration for a timer
func (m *MetricsCollector) GetTimerAverage(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	durations := m.timers[name]
	if len(durations) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	return total / time.Duration(len(durations))
}

// GetTimerP95 calculates the 95th percentile duration for a timer
func (m *MetricsCollector) GetTimerP95(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	durations := m.timers[name]
	if len(durations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

// GetTimeSince calculates the time elapsed since a recorded timestamp
func (m *MetricsCollector) GetTimeSince(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timestamp, exists := m.latestTime[name]
	if !exists {
		return 0
	}

	return time.Since(timestamp)
}

// Snapshot returns a copy of all counters and gauges for status reports.
func (m *MetricsCollector) Snapshot() (map[string]int64, map[string]float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, gauges
}

// GetReport generates a human-readable report of all collected metrics
func (m *MetricsCollector) GetReport() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := "Metrics Report:\n"
	report += "==============\n\n"

	report += "Counters:\n"
	for name, value := range m.counters {
		report += fmt.Sprintf("  %s: %d\n", name, value)
	}

	report += "\nGauges:\n"
	for name, value := range m.gauges {
		report += fmt.Sprintf("  %s: %.2f\n", name, value)
	}

	report += "\nTimers (avg):\n"
	for name := range m.timers {
		report += fmt.Sprintf("  %s: %s\n", name, m.timerAverageLocked(name))
	}

	return report
}

func (m *MetricsCollector) timerAverageLocked(name string) time.Duration {
	durations := m.timers[name]
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}

// Reset clears all collected metrics
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters = make(map[string]int64)
	m.gauges = make(map[string]float64)
	m.timers = make(map[string][]time.Duration)
	m.latestTime = make(map[string]time.Time)
}
