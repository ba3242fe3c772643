package usecase

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsStore holds Prometheus metrics for the object store engine.
type metricsStore struct {
	once sync.Once

	posts   prometheus.Counter
	gets    prometheus.Counter
	deletes prometheus.Counter

	discoverStreams prometheus.Counter
	continuations   prometheus.Counter
	discoverEvents  prometheus.Counter

	scanDuration prometheus.Histogram
}

var storeMetrics metricsStore

func (m *metricsStore) init() {
	m.once.Do(func() {
		m.posts = prometheus.NewCounter(prometheus.CounterOpts{Name: "graffiti_store_posts_total", Help: "Objects posted"})
		m.gets = prometheus.NewCounter(prometheus.CounterOpts{Name: "graffiti_store_gets_total", Help: "Point reads served"})
		m.deletes = prometheus.NewCounter(prometheus.CounterOpts{Name: "graffiti_store_deletes_total", Help: "Objects tombstoned"})

		m.discoverStreams = prometheus.NewCounter(prometheus.CounterOpts{Name: "graffiti_store_discover_streams_total", Help: "Fresh discovery streams started"})
		m.continuations = prometheus.NewCounter(prometheus.CounterOpts{Name: "graffiti_store_continuations_total", Help: "Discovery continuations resumed"})
		m.discoverEvents = prometheus.NewCounter(prometheus.CounterOpts{Name: "graffiti_store_discover_events_total", Help: "Events emitted by discovery streams"})

		m.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graffiti_store_channel_scan_seconds",
			Help:    "Duration of single-channel index scans",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		})

		prometheus.MustRegister(
			m.posts, m.gets, m.deletes,
			m.discoverStreams, m.continuations, m.discoverEvents,
			m.scanDuration,
		)
	})
}
