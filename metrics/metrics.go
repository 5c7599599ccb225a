// Package metrics exposes key store activity as Prometheus collectors.
//
// A nil *Recorder is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dpapi"

// Keypair outcomes
const (
	OutcomeLoaded    = "loaded"
	OutcomeGenerated = "generated"
	OutcomeImported  = "imported"
	OutcomeRemoved   = "removed"
	OutcomeFailed    = "failed"
)

// Recorder holds the collectors of one key store
type Recorder struct {
	unprotect *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	keypairs  *prometheus.CounterVec
	cached    *prometheus.GaugeVec
}

// NewRecorder creates the collectors and registers them with reg
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		unprotect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unprotect_total",
			Help:      "Unprotect calls by scope and result.",
		}, []string{"scope", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unprotect_duration_seconds",
			Help:      "Time spent unsealing a blob, keypair materialization excluded.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"scope"}),
		keypairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keypair_operations_total",
			Help:      "Keypair loads, generations, imports, removals and failures by scope.",
		}, []string{"scope", "outcome"}),
		cached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keypair_cached",
			Help:      "1 when the scope's keypair is held in memory.",
		}, []string{"scope"}),
	}

	for _, c := range []prometheus.Collector{r.unprotect, r.duration, r.keypairs, r.cached} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return r, nil
}

// ObserveUnprotect records one unseal attempt
func (r *Recorder) ObserveUnprotect(scope string, ok bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "invalid"
	}
	r.unprotect.WithLabelValues(scope, result).Inc()
	r.duration.WithLabelValues(scope).Observe(elapsed.Seconds())
}

// ObserveKeypair records a keypair operation and whether the scope now holds a cached keypair
func (r *Recorder) ObserveKeypair(scope, outcome string, cached bool) {
	if r == nil {
		return
	}
	r.keypairs.WithLabelValues(scope, outcome).Inc()
	if outcome == OutcomeFailed {
		return
	}
	value := 0.0
	if cached {
		value = 1
	}
	r.cached.WithLabelValues(scope).Set(value)
}

// Evict marks the scope's keypair as no longer held in memory
func (r *Recorder) Evict(scope string) {
	if r == nil {
		return
	}
	r.cached.WithLabelValues(scope).Set(0)
}
