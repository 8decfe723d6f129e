package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codewandler/shardr-go/core/metrics"
	"github.com/codewandler/shardr-go/core/sharding"
)

type CoordinatorMetrics struct {
	regions       prometheus.Gauge
	shards        prometheus.Gauge
	allocations   *prometheus.CounterVec
	rebalanced    prometheus.Counter
	handoffs      *prometheus.CounterVec
	journalAppend prometheus.Histogram
}

func NewCoordinatorMetrics(cfg Config) *CoordinatorMetrics {
	cfg = cfg.normalize()
	f := promauto.With(cfg.Registerer)
	return &CoordinatorMetrics{
		regions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: "coordinator",
			Name: "regions", Help: "Registered regions.",
		}),
		shards: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: "coordinator",
			Name: "shards_allocated", Help: "Shards with a recorded home.",
		}),
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "coordinator",
			Name: "allocations_total", Help: "Shard allocation decisions.",
		}, []string{"success"}),
		rebalanced: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "coordinator",
			Name: "shards_rebalanced_total", Help: "Shards picked for rebalancing.",
		}),
		handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: "coordinator",
			Name: "handoffs_total", Help: "Completed handoffs.",
		}, []string{"forced"}),
		journalAppend: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: "coordinator",
			Name: "journal_append_seconds", Help: "Journal append latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *CoordinatorMetrics) RegionsRegistered(count int) { m.regions.Set(float64(count)) }
func (m *CoordinatorMetrics) ShardsAllocated(count int)   { m.shards.Set(float64(count)) }

func (m *CoordinatorMetrics) AllocationCompleted(success bool) {
	m.allocations.WithLabelValues(boolLabel(success)).Inc()
}

func (m *CoordinatorMetrics) RebalanceRound(moved int) { m.rebalanced.Add(float64(moved)) }

func (m *CoordinatorMetrics) HandoffCompleted(forced bool) {
	m.handoffs.WithLabelValues(boolLabel(forced)).Inc()
}

func (m *CoordinatorMetrics) JournalAppendDuration() metrics.Timer {
	return newTimer(m.journalAppend)
}

var _ sharding.CoordinatorMetrics = (*CoordinatorMetrics)(nil)
