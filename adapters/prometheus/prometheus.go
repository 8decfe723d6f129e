// Package prometheus exports the sharding metric interfaces to a prometheus
// registry.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardr-go/core/metrics"
)

type Config struct {
	// Namespace prefixes all metric names, defaults to "shardr".
	Namespace string
	// Registerer receiving the collectors, defaults to the global registerer.
	Registerer prometheus.Registerer
}

func (c Config) normalize() Config {
	if c.Namespace == "" {
		c.Namespace = "shardr"
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	return c
}

// timer adapts prometheus.Timer to the metrics.Timer interface, dropping the
// returned duration.
type timer struct{ t *prometheus.Timer }

func (t timer) ObserveDuration() { t.t.ObserveDuration() }

func newTimer(o prometheus.Observer) metrics.Timer {
	return timer{t: prometheus.NewTimer(o)}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
