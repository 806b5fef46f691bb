// Package metrics is the process-wide counter/gauge registry spec.md §9
// names as a design note: "a process-wide registry initialized at module
// load"; components "register(name, counter) / unregister(counter)" and
// "recyclers register their counters with PageRecycler_<name>_<metric>
// keys". Grounded on usecases/monitoring's PrometheusMetrics pattern
// (nil-receiver-safe methods, Collector fields), generalized to a thin
// wrapper over a prometheus.Registerer so any component can register
// without depending on a concrete metrics backend.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Registry wraps a prometheus.Registerer. DefaultRegistry stands in for
// the process-wide registry initialized at module load; components also
// accept an explicit *Registry at construction so registration itself
// remains an explicit call, not a hidden global lookup.
type Registry struct {
	reg    prometheus.Registerer
	logger *logrus.Entry
}

// DefaultRegistry is initialized at module load against Prometheus's
// default registerer, matching spec.md §9's "process-wide registry
// initialized at module load".
var DefaultRegistry = New(prometheus.DefaultRegisterer, logrus.StandardLogger())

// New wraps an arbitrary Registerer, e.g. a prometheus.NewRegistry() for
// test isolation.
func New(reg prometheus.Registerer, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{reg: reg, logger: logger.WithField("component", "metrics")}
}

// PageRecyclerMetricName builds the "PageRecycler_<name>_<metric>" key
// spec.md §9 mandates.
func PageRecyclerMetricName(instance, metric string) string {
	return fmt.Sprintf("PageRecycler_%s_%s", instance, metric)
}

// VolumeMetricName builds the "Volume_<name>_<metric>" key SPEC_FULL.md
// generalizes the recycler's naming convention to.
func VolumeMetricName(instance, metric string) string {
	return fmt.Sprintf("Volume_%s_%s", instance, metric)
}

// Register registers collector under name, logging (not failing) on
// duplicate registration so a second recovery of the same instance name
// doesn't abort the process.
func (r *Registry) Register(name string, collector prometheus.Collector) {
	if r == nil {
		return
	}
	if err := r.reg.Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			r.logger.WithField("metric", name).Debug("metric already registered")
			return
		}
		r.logger.WithError(err).WithField("metric", name).Warn("failed to register metric")
	}
}

// Unregister removes collector, called from PageRecycler/Volume
// destruction.
func (r *Registry) Unregister(collector prometheus.Collector) {
	if r == nil {
		return
	}
	r.reg.Unregister(collector)
}

// NewCounter is a small convenience constructor used by PageRecycler and
// Volume to build+register a counter in one call, matching the teacher's
// pattern of a struct of named collectors built at construction time.
func (r *Registry) NewCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: sanitize(name), Help: help})
	r.Register(name, c)
	return c
}

// NewGauge mirrors NewCounter for gauge metrics (e.g. pending_count).
func (r *Registry) NewGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitize(name), Help: help})
	r.Register(name, g)
	return g
}

// sanitize replaces characters Prometheus metric names disallow. Instance
// names (UUIDs) contain hyphens, which aren't valid in Prometheus metric
// names.
func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == ':' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
