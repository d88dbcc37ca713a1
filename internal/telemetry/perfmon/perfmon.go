// Package perfmon keeps a bounded rolling history of per-operation
// latency samples and reports percentile statistics; it feeds the
// Safety Gate's statistics-collection check. Grounded on
// original_source/packages/performance_monitor/__init__.py's
// PerformanceMonitor. Samples are kept in memory only; nothing here is
// exported to Prometheus.
package perfmon

import (
	"sort"
	"sync"
	"time"
)

// Sample is one recorded operation execution.
type Sample struct {
	OperationName string
	LatencyMS     float64
	Timestamp     time.Time
	Success       bool
	Error         string
}

// Stats are the aggregated percentile statistics for one operation.
type Stats struct {
	OperationName string
	Count         int
	SuccessCount  int
	FailureCount  int
	AvgLatencyMS  float64
	MinLatencyMS  float64
	MaxLatencyMS  float64
	P50LatencyMS  float64
	P95LatencyMS  float64
	P99LatencyMS  float64
}

// Monitor collects bounded per-operation history, evicting the oldest
// sample once maxHistory is reached (per operation).
type Monitor struct {
	mu         sync.Mutex
	maxHistory int
	retention  time.Duration
	history    map[string][]Sample
	collecting bool
}

// NewMonitor constructs a Monitor; maxHistory bounds per-operation
// sample count, retention bounds sample age on CleanupOldData.
func NewMonitor(maxHistory int, retention time.Duration) *Monitor {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Monitor{
		maxHistory: maxHistory,
		retention:  retention,
		history:    make(map[string][]Sample),
		collecting: true,
	}
}

// RecordOperation appends a sample for operationName, evicting the
// oldest sample for that operation if at capacity.
func (m *Monitor) RecordOperation(operationName string, latencyMS float64, success bool, errMsg string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collecting = true
	samples := m.history[operationName]
	samples = append(samples, Sample{
		OperationName: operationName,
		LatencyMS:     latencyMS,
		Timestamp:     now,
		Success:       success,
		Error:         errMsg,
	})
	if len(samples) > m.maxHistory {
		samples = samples[len(samples)-m.maxHistory:]
	}
	m.history[operationName] = samples
}

// GetOperationStats computes percentile statistics for one operation.
// The zero value (Count: 0) is returned if no samples exist.
func (m *Monitor) GetOperationStats(operationName string) Stats {
	m.mu.Lock()
	samples := append([]Sample(nil), m.history[operationName]...)
	m.mu.Unlock()

	return computeStats(operationName, samples)
}

// GetAllOperationStats computes statistics for every tracked operation.
func (m *Monitor) GetAllOperationStats() []Stats {
	m.mu.Lock()
	names := make([]string, 0, len(m.history))
	for name := range m.history {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	out := make([]Stats, 0, len(names))
	for _, name := range names {
		out = append(out, m.GetOperationStats(name))
	}
	return out
}

func computeStats(operationName string, samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{OperationName: operationName}
	}
	latencies := make([]float64, len(samples))
	var sum float64
	successCount := 0
	for i, s := range samples {
		latencies[i] = s.LatencyMS
		sum += s.LatencyMS
		if s.Success {
			successCount++
		}
	}
	sort.Float64s(latencies)

	return Stats{
		OperationName: operationName,
		Count:         len(samples),
		SuccessCount:  successCount,
		FailureCount:  len(samples) - successCount,
		AvgLatencyMS:  sum / float64(len(samples)),
		MinLatencyMS:  latencies[0],
		MaxLatencyMS:  latencies[len(latencies)-1],
		P50LatencyMS:  percentile(latencies, 0.50),
		P95LatencyMS:  percentile(latencies, 0.95),
		P99LatencyMS:  percentile(latencies, 0.99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// CleanupOldData removes samples older than retention from every
// operation's history, returning the count removed.
func (m *Monitor) CleanupOldData(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-m.retention)
	removed := 0
	for name, samples := range m.history {
		kept := samples[:0]
		for _, s := range samples {
			if s.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		m.history[name] = kept
	}
	return removed
}

// IsCollecting satisfies safety.StatisticsSource.
func (m *Monitor) IsCollecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collecting
}
