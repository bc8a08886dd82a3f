// Package metrics provides Prometheus metrics for the larder daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/larderhq/larder/internal/store"
)

// Registry is the Prometheus registry for all larder metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// DaemonMetrics holds all Prometheus metrics for the larder daemon.
type DaemonMetrics struct {
	// Cache outcomes (counters)
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	StaleServed prometheus.Counter

	// Origin fetches
	FetchRetries  prometheus.Counter
	FetchFailures *prometheus.CounterVec // per failure reason

	// Offline queue
	QueueDepth   prometheus.Gauge
	QueueReplays *prometheus.CounterVec // per replay outcome

	// Store lifecycle
	StoreWipes      prometheus.Counter
	StoreMigrations prometheus.Counter

	// Retention sweep
	SweepRemoved prometheus.Counter

	// Snapshot gauges (set by the Collector)
	CacheEntries prometheus.Gauge
	Online       prometheus.Gauge

	// Daemon info (constant labels exposed as a gauge)
	Info *prometheus.GaugeVec // labels: version
}

// InitMetrics initializes all daemon metrics on Registry.
func InitMetrics(version string) *DaemonMetrics {
	m := &DaemonMetrics{
		CacheHits: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "larder_cache_hits_total",
			Help: "Requests served from the cache without contacting the origin",
		}),
		CacheMisses: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "larder_cache_misses_total",
			Help: "Requests that went to the origin (cold, expired or invalidated entries)",
		}),
		StaleServed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "larder_cache_stale_served_total",
			Help: "Expired cached copies served because the origin was unreachable",
		}),

		FetchRetries: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "larder_fetch_retries_total",
			Help: "Origin fetch attempts beyond the first, across all requests",
		}),
		FetchFailures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "larder_fetch_failures_total",
			Help: "Origin fetches that failed after the full retry budget",
		}, []string{"reason"}),

		QueueDepth: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "larder_offline_queue_depth",
			Help: "Fetches waiting in the offline queue for a replay",
		}),
		QueueReplays: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "larder_queue_replays_total",
			Help: "Queued fetches replayed after connectivity returned",
		}, []string{"outcome"}),

		StoreWipes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "larder_store_wipes_total",
			Help: "Store resets caused by unrecoverable decryption failures",
		}),
		StoreMigrations: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "larder_store_migrations_total",
			Help: "Store format migrations that rewrote legacy values",
		}),

		SweepRemoved: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "larder_sweep_removed_total",
			Help: "Cache entries removed by the retention sweep",
		}),

		CacheEntries: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "larder_cache_entries",
			Help: "Cache entries currently held in the store",
		}),
		Online: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "larder_online",
			Help: "Whether the daemon considers the origin reachable (1) or not (0)",
		}),

		Info: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "larder_info",
			Help: "Daemon information (value is always 1)",
		}, []string{"version"}),
	}

	m.Info.WithLabelValues(version).Set(1)
	m.Online.Set(1)

	return m
}

// Handler returns an HTTP handler serving Registry in the Prometheus
// exposition formats.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Observer feeds cache and fetch lifecycle events into DaemonMetrics. It
// satisfies both the cache's and the fetch client's observer interfaces.
type Observer struct {
	m *DaemonMetrics
}

// Observer returns the metrics-backed event observer.
func (m *DaemonMetrics) Observer() *Observer {
	return &Observer{m: m}
}

func (o *Observer) CacheHit()    { o.m.CacheHits.Inc() }
func (o *Observer) CacheMiss()   { o.m.CacheMisses.Inc() }
func (o *Observer) StaleServed() { o.m.StaleServed.Inc() }

// QueuedOffline arrivals already move the depth gauge via QueueDepth.
func (o *Observer) QueuedOffline() {}

func (o *Observer) ReplayOutcome(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	o.m.QueueReplays.WithLabelValues(outcome).Inc()
}

func (o *Observer) SweepRemoved(n int) { o.m.SweepRemoved.Add(float64(n)) }
func (o *Observer) QueueDepth(n int)   { o.m.QueueDepth.Set(float64(n)) }

func (o *Observer) FetchRetry() { o.m.FetchRetries.Inc() }

func (o *Observer) FetchFailure(reason string) {
	o.m.FetchFailures.WithLabelValues(reason).Inc()
}

// StoreHooks returns store lifecycle callbacks feeding the wipe and
// migration counters.
func (m *DaemonMetrics) StoreHooks() store.Hooks {
	return store.Hooks{
		Wiped:    func() { m.StoreWipes.Inc() },
		Migrated: func(int) { m.StoreMigrations.Inc() },
	}
}
