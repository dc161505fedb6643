package events

import (
	"context"

	"github.com/gxo-labs/statesync/internal/metrics"
	"github.com/gxo-labs/statesync/pkg/statesync/v1/events"
	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"
)

// MetricsEventListener consumes a ChannelEventBus and updates the
// statesync counters.
type MetricsEventListener struct {
	bus        *ChannelEventBus
	log        sslog.Logger
	collectors *metrics.Collectors
}

// NewMetricsEventListener panics if any dependency is nil.
func NewMetricsEventListener(bus *ChannelEventBus, collectors *metrics.Collectors, log sslog.Logger) *MetricsEventListener {
	if bus == nil || collectors == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, Collectors and Logger")
	}
	return &MetricsEventListener{
		bus:        bus,
		log:        log.With("component", "MetricsEventListener"),
		collectors: collectors,
	}
}

// Start consumes events until the bus is closed or ctx is done. Run it in
// its own goroutine.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus closed, stopping metrics listener")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics listener")
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	c := l.collectors
	switch event.Type {
	case events.StateChanged:
		c.StateChanges.Inc()
	case events.NavigationWritten:
		c.NavigationWrites.WithLabelValues(payloadString(event, "mode", "push")).Inc()
	case events.SaveRequested:
		c.SaveRequests.WithLabelValues(payloadString(event, "op", "update")).Inc()
	case events.SaveCoalesced:
		c.SavesCoalesced.Inc()
	case events.SaveSucceeded:
		c.SaveOutcomes.WithLabelValues("success").Inc()
	case events.SaveFailed:
		status := "error"
		if conflict, _ := event.Payload["conflict"].(bool); conflict {
			status = "conflict"
		}
		c.SaveOutcomes.WithLabelValues(status).Inc()
	case events.RecordLoaded:
		c.RecordsLoaded.Inc()
	case events.RecordForked:
		c.RecordsForked.Inc()
	}
}

func payloadString(event events.Event, key, fallback string) string {
	if v, ok := event.Payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
