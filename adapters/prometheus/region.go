package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codewandler/shardr-go/core/metrics"
	"github.com/codewandler/shardr-go/core/sharding"
)

type RegionMetrics struct {
	cacheHits     *prometheus.CounterVec
	cacheMisses   prometheus.Counter
	invalidations prometheus.Counter
	resolves      *prometheus.CounterVec
	resolveTime   prometheus.Histogram
	deliveries    *prometheus.CounterVec
	buffered      prometheus.Gauge
}

func NewRegionMetrics(cfg Config) *RegionMetrics {
	cfg = cfg.normalize()
	f := promauto.With(cfg.Registerer)
	return &RegionMetrics{
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "region",
			Name: "cache_hits_total", Help: "Shard location cache hits.",
		}, []string{"local"}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "region",
			Name: "cache_misses_total", Help: "Shard location cache misses.",
		}),
		invalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "region",
			Name: "cache_invalidations_total", Help: "Cached locations dropped after delivery failures.",
		}),
		resolves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "region",
			Name: "resolves_total", Help: "Shard home resolutions.",
		}, []string{"success"}),
		resolveTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "region",
			Name: "resolve_seconds", Help: "Shard home resolution latency.",
			Buckets: prometheus.DefBuckets,
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "region",
			Name: "deliveries_total", Help: "Entity message deliveries.",
		}, []string{"success"}),
		buffered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: "region",
			Name: "messages_buffered", Help: "Messages waiting on shard resolution.",
		}),
	}
}

func (m *RegionMetrics) CacheHit(local bool) { m.cacheHits.WithLabelValues(boolLabel(local)).Inc() }
func (m *RegionMetrics) CacheMiss()          { m.cacheMisses.Inc() }
func (m *RegionMetrics) CacheInvalidated()   { m.invalidations.Inc() }

func (m *RegionMetrics) ResolveDuration() metrics.Timer { return newTimer(m.resolveTime) }

func (m *RegionMetrics) ResolveCompleted(success bool) {
	m.resolves.WithLabelValues(boolLabel(success)).Inc()
}

func (m *RegionMetrics) DeliveryCompleted(success bool) {
	m.deliveries.WithLabelValues(boolLabel(success)).Inc()
}

func (m *RegionMetrics) MessagesBuffered(count int) { m.buffered.Set(float64(count)) }

var _ sharding.RegionMetrics = (*RegionMetrics)(nil)
