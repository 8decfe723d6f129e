// Package metrics provides the minimal instrumentation primitives shared by
// the sharding metric interfaces, so core packages stay decoupled from any
// concrete backend (see adapters/prometheus).
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when the
// operation completes to record the elapsed time:
//
//	defer m.HandoffDuration().ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
