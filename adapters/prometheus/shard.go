package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codewandler/shardr-go/core/metrics"
	"github.com/codewandler/shardr-go/core/sharding"
)

type ShardMetrics struct {
	entities    *prometheus.GaugeVec
	passivated  prometheus.Counter
	recovered   prometheus.Counter
	handoffTime prometheus.Histogram
}

func NewShardMetrics(cfg Config) *ShardMetrics {
	cfg = cfg.normalize()
	f := promauto.With(cfg.Registerer)
	return &ShardMetrics{
		entities: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: "shard",
			Name: "entities_active", Help: "Live entities per shard.",
		}, []string{"shard"}),
		passivated: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "shard",
			Name: "entities_passivated_total", Help: "Entities stopped for idleness.",
		}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "shard",
			Name: "entities_recovered_total", Help: "Remembered entities restarted on shard start.",
		}),
		handoffTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "shard",
			Name: "handoff_drain_seconds", Help: "Time to drain a shard during handoff.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *ShardMetrics) EntitiesActive(shard string, count int) {
	m.entities.WithLabelValues(shard).Set(float64(count))
}

func (m *ShardMetrics) EntityPassivated()           { m.passivated.Inc() }
func (m *ShardMetrics) EntitiesRecovered(count int) { m.recovered.Add(float64(count)) }

func (m *ShardMetrics) HandoffDrainDuration() metrics.Timer { return newTimer(m.handoffTime) }

var _ sharding.ShardMetrics = (*ShardMetrics)(nil)
