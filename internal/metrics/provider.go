// Package metrics owns the Prometheus registry and the statesync collectors.
package metrics

import (
	ssmetrics "github.com/gxo-labs/statesync/pkg/statesync/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRegistryProvider implements RegistryProvider with a private
// Prometheus registry.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

// NewPrometheusRegistryProvider creates a provider with an empty registry.
func NewPrometheusRegistryProvider() *PrometheusRegistryProvider {
	return &PrometheusRegistryProvider{registry: prometheus.NewRegistry()}
}

// Registry returns the underlying registry.
func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

var _ ssmetrics.RegistryProvider = (*PrometheusRegistryProvider)(nil)

// Collectors are the counters driven by lifecycle events.
type Collectors struct {
	StateChanges     prometheus.Counter
	NavigationWrites *prometheus.CounterVec // label: mode (push|replace)
	SaveRequests     *prometheus.CounterVec // label: op (insert|update)
	SavesCoalesced   prometheus.Counter
	SaveOutcomes     *prometheus.CounterVec // label: status (success|error|conflict)
	RecordsLoaded    prometheus.Counter
	RecordsForked    prometheus.Counter
}

// NewCollectors creates the counters and registers them on registry.
func NewCollectors(registry prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		StateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_state_changes_total",
			Help: "Non-empty snapshot diffs published by the history controller.",
		}),
		NavigationWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statesync_navigation_writes_total",
			Help: "URLs written to the navigator, by mode.",
		}, []string{"mode"}),
		SaveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statesync_save_requests_total",
			Help: "Save requests issued to the transport, by operation.",
		}, []string{"op"}),
		SavesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_saves_coalesced_total",
			Help: "Save calls folded into a pending follow-up request.",
		}),
		SaveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statesync_save_outcomes_total",
			Help: "Terminal save outcomes, by status.",
		}, []string{"status"}),
		RecordsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_records_loaded_total",
			Help: "Records loaded through the save coordinator.",
		}),
		RecordsForked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_records_forked_total",
			Help: "Loaded records owned by another actor whose id was cleared.",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.StateChanges, c.NavigationWrites, c.SaveRequests, c.SavesCoalesced,
		c.SaveOutcomes, c.RecordsLoaded, c.RecordsForked,
	} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}
