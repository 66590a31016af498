package shadowcode

// metrics.go is a thin abstraction over Prometheus, directly grounded on the
// teacher's metrics.go: a metricsSink interface with a noop and a Prometheus
// implementation, selected once at construction time so the hot path never
// branches on "is metrics enabled". Labels are by opcode instead of shard,
// matching spec.md §6's stats() shape
// (`per-opcode: hits, misses, slight_misses, uncacheable, entries`).
//
// © 2025 shadowcode authors. MIT License.

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shadowvm/shadowcode/internal/host"
)

// metricsSink is the internal interface Runtime's opcode handlers call
// into; not exposed outside the package.
type metricsSink interface {
	incHit(op host.Opcode)
	incMiss(op host.Opcode)
	incSlightMiss(op host.Opcode)
	incUncacheable(op host.Opcode)
	setEntries(op host.Opcode, n int)
}

type noopMetrics struct{}

func (noopMetrics) incHit(host.Opcode)          {}
func (noopMetrics) incMiss(host.Opcode)         {}
func (noopMetrics) incSlightMiss(host.Opcode)   {}
func (noopMetrics) incUncacheable(host.Opcode)  {}
func (noopMetrics) setEntries(host.Opcode, int) {}

type promMetrics struct {
	hits         *prometheus.CounterVec
	misses       *prometheus.CounterVec
	slightMisses *prometheus.CounterVec
	uncacheable  *prometheus.CounterVec
	entries      *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	label := []string{"opcode"}
	pm := &promMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowcode",
			Name:      "hits_total",
			Help:      "Number of inline-cache hits.",
		}, label),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowcode",
			Name:      "misses_total",
			Help:      "Number of inline-cache misses (guard failed, respecialized).",
		}, label),
		slightMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowcode",
			Name:      "slight_misses_total",
			Help:      "Number of lazy version-check refreshes (module/global caches).",
		}, label),
		uncacheable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowcode",
			Name:      "uncacheable_total",
			Help:      "Number of sites classified as uncacheable.",
		}, label),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shadowcode",
			Name:      "entries",
			Help:      "Number of live cache entries observed at last snapshot.",
		}, label),
	}
	reg.MustRegister(pm.hits, pm.misses, pm.slightMisses, pm.uncacheable, pm.entries)
	return pm
}

func (m *promMetrics) incHit(op host.Opcode) { m.hits.WithLabelValues(opcodeLabel(op)).Inc() }
func (m *promMetrics) incMiss(op host.Opcode) { m.misses.WithLabelValues(opcodeLabel(op)).Inc() }
func (m *promMetrics) incSlightMiss(op host.Opcode) {
	m.slightMisses.WithLabelValues(opcodeLabel(op)).Inc()
}
func (m *promMetrics) incUncacheable(op host.Opcode) {
	m.uncacheable.WithLabelValues(opcodeLabel(op)).Inc()
}
func (m *promMetrics) setEntries(op host.Opcode, n int) {
	m.entries.WithLabelValues(opcodeLabel(op)).Set(float64(n))
}

func opcodeLabel(op host.Opcode) string { return strconv.Itoa(int(op)) }

// newMetricsSink decides which implementation to use. reg == nil disables
// metrics.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
