// Package profiler - Runtime profiling for detection runs.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nvr-ai/go-autodetect/logger"
)

// MetricsCollector is polled on every sample tick for custom gauges.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log a status report (default: 2s).
	ReportInterval time.Duration
	// SampleInterval specifies how often collectors are polled (default: 100ms).
	SampleInterval time.Duration
	// MaxSamples bounds the samples kept per metric or operation (default: 600).
	MaxSamples int
	// Logger receives the status reports. Defaults to a no-op logger.
	Logger *logger.Logger
}

// RuntimeProfiler tracks operation timings, custom metrics and memory usage
// and logs periodic summaries. It is safe for concurrent use.
type RuntimeProfiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int
	log            *logger.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	startTime time.Time
	running   bool

	memStats   runtime.MemStats
	metrics    map[string]*MetricTracker
	operations map[string]*TimeTracker
	collectors []MetricsCollector
}

// MetricTracker keeps a sliding window of values for one metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// TimeTracker keeps a sliding window of durations for one operation.
type TimeTracker struct {
	durations []time.Duration
	total     time.Duration
	min       time.Duration
	max       time.Duration
	count     int64
}

// MetricStats summarizes a metric window.
type MetricStats struct {
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
	Count   int64   `json:"count"`
}

// OperationStats summarizes an operation window.
type OperationStats struct {
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Count int64         `json:"count"`
}

// Snapshot is a point-in-time copy of the profiler state.
type Snapshot struct {
	Uptime     time.Duration             `json:"uptime"`
	Goroutines int                       `json:"goroutines"`
	HeapAlloc  uint64                    `json:"heap_alloc"`
	NumGC      uint32                    `json:"num_gc"`
	Metrics    map[string]MetricStats    `json:"metrics"`
	Operations map[string]OperationStats `json:"operations"`
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
//   - opts: Configuration options; zero values select defaults.
//
// Returns:
//   - *RuntimeProfiler: A stopped profiler. Timings are recorded even when it
//     is not started; Start only adds periodic reporting.
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 2 * time.Second
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 100 * time.Millisecond
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		log:            opts.Logger.Named("profiler"),
		startTime:      time.Now(),
		metrics:        make(map[string]*MetricTracker),
		operations:     make(map[string]*TimeTracker),
	}
}

// Start launches the sampling and reporting goroutines. Calling it on a
// running profiler does nothing.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rp.cancel = cancel
	rp.running = true
	rp.startTime = time.Now()

	rp.wg.Add(2)
	go rp.loop(ctx, rp.sampleInterval, rp.sample)
	go rp.loop(ctx, rp.reportInterval, rp.report)
}

// Stop halts the background goroutines and logs a final report.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	cancel := rp.cancel
	rp.mu.Unlock()

	cancel()
	rp.wg.Wait()
	rp.report()
}

func (rp *RuntimeProfiler) loop(ctx context.Context, every time.Duration, fn func()) {
	defer rp.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// AddMetricsCollector registers a collector polled on every sample tick.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records a custom metric value.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.recordMetricLocked(name, value)
}

func (rp *RuntimeProfiler) recordMetricLocked(name string, value float64) {
	tracker, ok := rp.metrics[name]
	if !ok {
		tracker = &MetricTracker{min: value, max: value}
		rp.metrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	tracker.sum += value
	if len(tracker.values) > rp.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.count++
	tracker.min = min(tracker.min, value)
	tracker.max = max(tracker.max, value)
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call it when the operation completes.
//
// @example
// done := prof.StartOperation("detect")
// candidate := det.Detect(frame)
// done()
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.RecordDuration(name, time.Since(start))
	}
}

// RecordDuration records the completion time of an operation.
func (rp *RuntimeProfiler) RecordDuration(name string, d time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, ok := rp.operations[name]
	if !ok {
		tracker = &TimeTracker{min: d, max: d}
		rp.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, d)
	tracker.total += d
	if len(tracker.durations) > rp.maxSamples {
		tracker.total -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++
	tracker.min = min(tracker.min, d)
	tracker.max = max(tracker.max, d)
}

// sample reads memory statistics and polls the registered collectors.
func (rp *RuntimeProfiler) sample() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	runtime.ReadMemStats(&rp.memStats)
	for _, collector := range rp.collectors {
		for name, value := range collector.CollectMetrics() {
			rp.recordMetricLocked(name, value)
		}
	}
}

// report logs a summary of every metric and operation.
func (rp *RuntimeProfiler) report() {
	snap := rp.Snapshot()

	rp.log.Info("status report",
		"uptime", snap.Uptime.Truncate(time.Millisecond),
		"goroutines", snap.Goroutines,
		"heap_alloc", formatBytes(snap.HeapAlloc),
		"num_gc", snap.NumGC,
	)
	for _, name := range sortedKeys(snap.Metrics) {
		m := snap.Metrics[name]
		rp.log.Info("metric", "name", name, "avg", m.Avg, "min", m.Min, "max", m.Max, "samples", m.Samples)
	}
	for _, name := range sortedKeys(snap.Operations) {
		op := snap.Operations[name]
		rp.log.Info("operation", "name", name,
			"avg", op.Avg.Truncate(time.Microsecond),
			"min", op.Min.Truncate(time.Microsecond),
			"max", op.Max.Truncate(time.Microsecond),
			"count", op.Count,
		)
	}
}

// Snapshot returns the current profiling statistics.
func (rp *RuntimeProfiler) Snapshot() Snapshot {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	runtime.ReadMemStats(&rp.memStats)
	snap := Snapshot{
		Uptime:     time.Since(rp.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  rp.memStats.HeapAlloc,
		NumGC:      rp.memStats.NumGC,
		Metrics:    make(map[string]MetricStats, len(rp.metrics)),
		Operations: make(map[string]OperationStats, len(rp.operations)),
	}
	for name, m := range rp.metrics {
		if len(m.values) == 0 {
			continue
		}
		snap.Metrics[name] = MetricStats{
			Avg:     m.sum / float64(len(m.values)),
			Min:     m.min,
			Max:     m.max,
			Samples: len(m.values),
			Count:   m.count,
		}
	}
	for name, op := range rp.operations {
		if len(op.durations) == 0 {
			continue
		}
		snap.Operations[name] = OperationStats{
			Avg:   op.total / time.Duration(len(op.durations)),
			Min:   op.min,
			Max:   op.max,
			Count: op.count,
		}
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "B"
}
