package metrics

import "github.com/prometheus/client_golang/prometheus"

// BreakerStateSource is satisfied by resilience.Executor.
type BreakerStateSource interface {
	BreakerStates() map[string]string
}

var breakerStates = []string{"closed", "half-open", "open"}

type breakerCollector struct {
	service string
	source  BreakerStateSource
	desc    *prometheus.Desc
}

// RegisterBreakerStates exports one gauge per (operation, state), set to 1
// for the breaker's current state. Values are read at scrape time.
func RegisterBreakerStates(registry *prometheus.Registry, service string, source BreakerStateSource) {
	registry.MustRegister(&breakerCollector{
		service: service,
		source:  source,
		desc: prometheus.NewDesc(
			"paperless_dependency_breaker_state",
			"Circuit breaker state per outbound operation.",
			[]string{"service", "operation", "state"},
			nil,
		),
	})
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for op, current := range c.source.BreakerStates() {
		for _, state := range breakerStates {
			value := 0.0
			if state == current {
				value = 1
			}
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, value, c.service, op, state)
		}
	}
}
