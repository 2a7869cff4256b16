// Package metrics holds the Prometheus collectors shared by pools, dispatch,
// the supervisor, the process registry and producers. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warren"

// Metrics groups every collector the framework exports.
type Metrics struct {
	mu sync.RWMutex

	consumers map[string]*ConsumerStats

	poolInUse         *prometheus.GaugeVec
	poolAvailable     *prometheus.GaugeVec
	poolAcquireTime   *prometheus.HistogramVec
	poolTimeouts      *prometheus.CounterVec
	poolDiscarded     *prometheus.CounterVec
	deliveriesTotal   *prometheus.CounterVec
	deliveryErrors    *prometheus.CounterVec
	deliveryDuration  *prometheus.HistogramVec
	errorQueueTotal   *prometheus.CounterVec
	retryCountHist    *prometheus.HistogramVec
	workersRunning    prometheus.Gauge
	workerRestarts    *prometheus.CounterVec
	heartbeatsTotal   *prometheus.CounterVec
	prunedTotal       prometheus.Counter
	publishedTotal    *prometheus.CounterVec
	publishSuppressed *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// ConsumerStats is the in-process view of one consumer's deliveries.
type ConsumerStats struct {
	Results       map[string]uint64 `json:"results"`
	Errors        uint64            `json:"errors"`
	DeadLettered  uint64            `json:"dead_lettered"`
	AvgRetryCount float64           `json:"avg_retry_count"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

// Snapshot is a point-in-time copy of the per-consumer stats.
type Snapshot struct {
	Consumers   map[string]*ConsumerStats `json:"consumers"`
	CollectedAt time.Time                 `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer uses the Prometheus default
// registry. Call Register before exposing them.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	return &Metrics{
		consumers:  make(map[string]*ConsumerStats),
		registerer: registerer,
		gatherer:   gatherer,

		poolInUse:       newGaugeVec("pool", "connections_in_use", "Connections currently lent out by the pool", []string{"pool"}),
		poolAvailable:   newGaugeVec("pool", "connections_available", "Idle connections held by the pool", []string{"pool"}),
		poolAcquireTime: newHistogramVec("pool", "acquire_seconds", "Time spent waiting to acquire a connection", prometheus.DefBuckets, []string{"pool"}),
		poolTimeouts:    newCounterVec("pool", "acquire_timeouts_total", "Acquisitions that exceeded the pool timeout", []string{"pool"}),
		poolDiscarded:   newCounterVec("pool", "connections_discarded_total", "Unhealthy connections closed instead of reused", []string{"pool"}),

		deliveriesTotal:  newCounterVec("dispatch", "deliveries_total", "Deliveries processed by result", []string{"consumer", "result"}),
		deliveryErrors:   newCounterVec("dispatch", "errors_total", "Errors caught at the dispatch boundary", []string{"consumer"}),
		deliveryDuration: newHistogramVec("dispatch", "duration_seconds", "Time spent in the middleware chain", prometheus.DefBuckets, []string{"consumer"}),
		errorQueueTotal:  newCounterVec("dispatch", "error_queue_total", "Messages redirected to an error queue", []string{"consumer", "queue"}),
		retryCountHist:   newHistogramVec("dispatch", "retry_count", "Death count of messages redirected to an error queue", []float64{1, 2, 3, 5, 10, 20}, []string{"consumer"}),

		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "workers_running",
			Help:      "Worker processes currently supervised",
		}),
		workerRestarts: newCounterVec("supervisor", "worker_restarts_total", "Workers replaced after an unexpected exit", []string{"worker"}),

		heartbeatsTotal: newCounterVec("registry", "heartbeats_total", "Heartbeats written by result", []string{"kind", "status"}),
		prunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pruned_total",
			Help:      "Process records removed by pruning",
		}),

		publishedTotal:    newCounterVec("producer", "published_total", "Messages published", []string{"exchange"}),
		publishSuppressed: newCounterVec("producer", "suppressed_total", "Publishes skipped because publishing is disabled", []string{"exchange"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.poolInUse,
		m.poolAvailable,
		m.poolAcquireTime,
		m.poolTimeouts,
		m.poolDiscarded,
		m.deliveriesTotal,
		m.deliveryErrors,
		m.deliveryDuration,
		m.errorQueueTotal,
		m.retryCountHist,
		m.workersRunning,
		m.workerRestarts,
		m.heartbeatsTotal,
		m.prunedTotal,
		m.publishedTotal,
		m.publishSuppressed,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetPoolState records how many connections a pool has lent out and holds idle.
func (m *Metrics) SetPoolState(pool string, inUse, available int) {
	if m == nil {
		return
	}
	m.poolInUse.WithLabelValues(pool).Set(float64(inUse))
	m.poolAvailable.WithLabelValues(pool).Set(float64(available))
}

// ObservePoolAcquire records a successful acquisition and its wait time.
func (m *Metrics) ObservePoolAcquire(pool string, waited time.Duration) {
	if m == nil {
		return
	}
	m.poolAcquireTime.WithLabelValues(pool).Observe(waited.Seconds())
}

// RecordPoolTimeout records an acquisition that timed out.
func (m *Metrics) RecordPoolTimeout(pool string) {
	if m == nil {
		return
	}
	m.poolTimeouts.WithLabelValues(pool).Inc()
}

// RecordPoolDiscard records an unhealthy connection being closed.
func (m *Metrics) RecordPoolDiscard(pool string) {
	if m == nil {
		return
	}
	m.poolDiscarded.WithLabelValues(pool).Inc()
}

// RecordDelivery records the terminal result of one delivery.
func (m *Metrics) RecordDelivery(consumer, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(consumer)
	stats.Results[result]++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.deliveriesTotal.WithLabelValues(consumer, result).Inc()
	m.deliveryDuration.WithLabelValues(consumer).Observe(took.Seconds())
}

// RecordDeliveryError records an error caught at the dispatch boundary.
func (m *Metrics) RecordDeliveryError(consumer string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(consumer)
	stats.Errors++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.deliveryErrors.WithLabelValues(consumer).Inc()
}

// RecordErrorQueue records a message redirected to an error queue after
// retryCount deaths.
func (m *Metrics) RecordErrorQueue(consumer, queue string, retryCount int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.statsFor(consumer)
	stats.DeadLettered++
	total := stats.DeadLettered
	stats.AvgRetryCount = ((stats.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.errorQueueTotal.WithLabelValues(consumer, queue).Inc()
	m.retryCountHist.WithLabelValues(consumer).Observe(float64(retryCount))
}

// SetWorkersRunning records the number of supervised worker processes.
func (m *Metrics) SetWorkersRunning(n int) {
	if m == nil {
		return
	}
	m.workersRunning.Set(float64(n))
}

// RecordWorkerRestart records a worker being replaced.
func (m *Metrics) RecordWorkerRestart(worker string) {
	if m == nil {
		return
	}
	m.workerRestarts.WithLabelValues(worker).Inc()
}

// RecordHeartbeat records a heartbeat attempt; ok is false when it failed.
func (m *Metrics) RecordHeartbeat(kind string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.heartbeatsTotal.WithLabelValues(kind, status).Inc()
}

// RecordPruned records n records removed by pruning.
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedTotal.Add(float64(n))
}

// RecordPublish records a publish; suppressed is true when publishing was disabled.
func (m *Metrics) RecordPublish(exchange string, suppressed bool) {
	if m == nil {
		return
	}
	if suppressed {
		m.publishSuppressed.WithLabelValues(exchange).Inc()
		return
	}
	m.publishedTotal.WithLabelValues(exchange).Inc()
}

// Snapshot returns a point-in-time copy of the per-consumer stats.
func (m *Metrics) Snapshot() Snapshot {
	snapshot := Snapshot{
		Consumers:   make(map[string]*ConsumerStats),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, stats := range m.consumers {
		snapshot.Consumers[name] = stats.clone()
	}
	return snapshot
}

// Consumer returns a copy of the stats for one consumer, or nil.
func (m *Metrics) Consumer(name string) *ConsumerStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if stats, ok := m.consumers[name]; ok {
		return stats.clone()
	}
	return nil
}

func (m *Metrics) statsFor(consumer string) *ConsumerStats {
	if stats, ok := m.consumers[consumer]; ok {
		return stats
	}
	stats := &ConsumerStats{Results: make(map[string]uint64)}
	m.consumers[consumer] = stats
	return stats
}

func (s *ConsumerStats) clone() *ConsumerStats {
	results := make(map[string]uint64, len(s.Results))
	for k, v := range s.Results {
		results[k] = v
	}
	c := *s
	c.Results = results
	return &c
}

// Reset clears every collector (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumers = make(map[string]*ConsumerStats)
	m.poolInUse.Reset()
	m.poolAvailable.Reset()
	m.poolAcquireTime.Reset()
	m.poolTimeouts.Reset()
	m.poolDiscarded.Reset()
	m.deliveriesTotal.Reset()
	m.deliveryErrors.Reset()
	m.deliveryDuration.Reset()
	m.errorQueueTotal.Reset()
	m.retryCountHist.Reset()
	m.workersRunning.Set(0)
	m.workerRestarts.Reset()
	m.heartbeatsTotal.Reset()
	m.publishedTotal.Reset()
	m.publishSuppressed.Reset()
}
