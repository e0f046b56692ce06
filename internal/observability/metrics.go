// Package observability provides the Prometheus metric surface shared by the
// RevLens services. One Metrics value is constructed per process and injected
// into the stream consumer, queue engine, scheduler, and cache; the admin
// server exposes the registry at /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the pipeline emits. All methods are safe
// for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	eventsConsumed  *prometheus.CounterVec
	acceptDuration  *prometheus.HistogramVec
	pausedPartition *prometheus.GaugeVec

	jobsStarted     *prometheus.CounterVec
	jobsSettled     *prometheus.CounterVec
	jobsRequeued    *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	claimLatency    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	activeWorkers   *prometheus.GaugeVec

	scheduleFires *prometheus.CounterVec

	cacheOps         *prometheus.CounterVec
	flightOutcomes   *prometheus.CounterVec
	producerDuration prometheus.Histogram

	notifyDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on the given registry.
// Pass prometheus.NewRegistry() in tests to keep collectors isolated.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		eventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_ingest_events_total",
			Help: "Records observed by the stream consumer, by topic and processing status.",
		}, []string{"topic", "status"}),

		acceptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revlens_ingest_accept_duration_seconds",
			Help:    "Latency of the ingestion handler per record, by topic and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "outcome"}),

		pausedPartition: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "revlens_ingest_paused_partitions",
			Help: "Partitions currently paused for backpressure, by topic.",
		}, []string{"topic"}),

		jobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_queue_jobs_started_total",
			Help: "Job attempts started, by queue and kind.",
		}, []string{"queue", "kind"}),

		jobsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_queue_jobs_settled_total",
			Help: "Job attempts settled, by queue, kind, and outcome.",
		}, []string{"queue", "kind", "outcome"}),

		jobsRequeued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_queue_jobs_requeued_total",
			Help: "Jobs recovered by the janitor after a lease expired, by queue and kind.",
		}, []string{"queue", "kind"}),

		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_queue_dead_letters_total",
			Help: "Jobs moved to the dead state, by queue and kind.",
		}, []string{"queue", "kind"}),

		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revlens_queue_handler_duration_seconds",
			Help:    "Handler execution time, by queue and kind.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"queue", "kind"}),

		claimLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revlens_queue_claim_latency_seconds",
			Help:    "Time between a job becoming available and a worker claiming it.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"queue"}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "revlens_queue_depth",
			Help: "Jobs per queue and state, sampled periodically.",
		}, []string{"queue", "state"}),

		activeWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "revlens_queue_active_workers",
			Help: "Workers currently executing a job, by queue.",
		}, []string{"queue"}),

		scheduleFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_scheduler_fires_total",
			Help: "Schedule fires, by result (fired, collapsed, error).",
		}, []string{"result"}),

		cacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_cache_requests_total",
			Help: "Cache lookups, by result (hit, miss).",
		}, []string{"result"}),

		flightOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_cache_flight_total",
			Help: "Single-flight acquisitions, by role (winner, waiter, timeout).",
		}, []string{"role"}),

		producerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "revlens_cache_producer_duration_seconds",
			Help:    "Time spent computing cache values on miss.",
			Buckets: prometheus.DefBuckets,
		}),

		notifyDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "revlens_notify_deliveries_total",
			Help: "Alert notification deliveries, by channel and status (sent, failed, suppressed).",
		}, []string{"channel", "status"}),
	}
}

// Registry exposes the underlying registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveEventConsumed records one observed record.
func (m *Metrics) ObserveEventConsumed(topic, status string) {
	m.eventsConsumed.WithLabelValues(topic, status).Inc()
}

// ObserveAccept records one ingestion handler call.
func (m *Metrics) ObserveAccept(topic, outcome string, elapsed time.Duration) {
	m.acceptDuration.WithLabelValues(topic, outcome).Observe(elapsed.Seconds())
}

// PartitionPaused adjusts the paused-partition gauge for a topic.
func (m *Metrics) PartitionPaused(topic string, delta float64) {
	m.pausedPartition.WithLabelValues(topic).Add(delta)
}

// JobStarted records a claimed attempt and its claim latency.
func (m *Metrics) JobStarted(queue, kind string, claimLatency time.Duration) {
	m.jobsStarted.WithLabelValues(queue, kind).Inc()

	if claimLatency > 0 {
		m.claimLatency.WithLabelValues(queue).Observe(claimLatency.Seconds())
	}
}

// JobSettled records an attempt outcome: completed, retried, dead, abandoned,
// or discarded.
func (m *Metrics) JobSettled(queue, kind, outcome string, elapsed time.Duration) {
	m.jobsSettled.WithLabelValues(queue, kind, outcome).Inc()
	m.handlerDuration.WithLabelValues(queue, kind).Observe(elapsed.Seconds())
}

// JobRequeued records a janitor lease recovery.
func (m *Metrics) JobRequeued(queue, kind string) {
	m.jobsRequeued.WithLabelValues(queue, kind).Inc()
}

// DeadLetter records a job moved to the dead state.
func (m *Metrics) DeadLetter(queue, kind string) {
	m.deadLetters.WithLabelValues(queue, kind).Inc()
}

// SetQueueDepth records a sampled census for one queue state.
func (m *Metrics) SetQueueDepth(queue, state string, n int) {
	m.queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// WorkerActive adjusts the active-worker gauge for a queue.
func (m *Metrics) WorkerActive(queue string, delta float64) {
	m.activeWorkers.WithLabelValues(queue).Add(delta)
}

// ScheduleFire records a scheduler fire result.
func (m *Metrics) ScheduleFire(result string) {
	m.scheduleFires.WithLabelValues(result).Inc()
}

// CacheResult records a cache lookup result.
func (m *Metrics) CacheResult(result string) {
	m.cacheOps.WithLabelValues(result).Inc()
}

// FlightOutcome records a single-flight acquisition role.
func (m *Metrics) FlightOutcome(role string) {
	m.flightOutcomes.WithLabelValues(role).Inc()
}

// ObserveProducer records the duration of one cache value computation.
func (m *Metrics) ObserveProducer(elapsed time.Duration) {
	m.producerDuration.Observe(elapsed.Seconds())
}

// NotificationResult records one alert delivery attempt per channel.
func (m *Metrics) NotificationResult(channel, status string) {
	m.notifyDeliveries.WithLabelValues(channel, status).Inc()
}
