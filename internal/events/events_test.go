package events_test

import (
	"context"
	"testing"
	"time"

	busimpl "github.com/gxo-labs/statesync/internal/events"
	"github.com/gxo-labs/statesync/internal/logger"
	"github.com/gxo-labs/statesync/internal/metrics"
	"github.com/gxo-labs/statesync/pkg/statesync/v1/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEventBus_DropsWhenFull(t *testing.T) {
	bus := busimpl.NewChannelEventBus(1, logger.NewDiscardLogger())
	bus.Emit(events.Event{Type: events.StateChanged})
	bus.Emit(events.Event{Type: events.StateChanged})
	assert.Equal(t, uint64(1), bus.Dropped())

	bus.Close()
	bus.Close()
	bus.Emit(events.Event{Type: events.StateChanged})

	var n int
	for range bus.GetChannel() {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestChannelEventBus_RequiresLogger(t *testing.T) {
	assert.Panics(t, func() { busimpl.NewChannelEventBus(1, nil) })
}

func TestNoOpEventBus(t *testing.T) {
	assert.NotPanics(t, func() { busimpl.NewNoOpEventBus().Emit(events.Event{Type: events.SaveFailed}) })
}

func TestMetricsEventListener(t *testing.T) {
	log := logger.NewDiscardLogger()
	provider := metrics.NewPrometheusRegistryProvider()
	collectors, err := metrics.NewCollectors(provider.Registry())
	require.NoError(t, err)

	bus := busimpl.NewChannelEventBus(32, log)
	listener := busimpl.NewMetricsEventListener(bus, collectors, log)
	done := make(chan struct{})
	go func() {
		listener.Start(context.Background())
		close(done)
	}()

	bus.Emit(events.Event{Type: events.StateChanged})
	bus.Emit(events.Event{Type: events.NavigationWritten, Payload: map[string]interface{}{"mode": "replace"}})
	bus.Emit(events.Event{Type: events.NavigationWritten, Payload: map[string]interface{}{"mode": "push"}})
	bus.Emit(events.Event{Type: events.SaveRequested, Payload: map[string]interface{}{"op": "insert"}})
	bus.Emit(events.Event{Type: events.SaveCoalesced})
	bus.Emit(events.Event{Type: events.SaveSucceeded})
	bus.Emit(events.Event{Type: events.SaveFailed, Payload: map[string]interface{}{"conflict": true}})
	bus.Emit(events.Event{Type: events.SaveFailed, Payload: map[string]interface{}{"conflict": false}})
	bus.Emit(events.Event{Type: events.RecordLoaded})
	bus.Emit(events.Event{Type: events.RecordForked})
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after the bus closed")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.StateChanges))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.NavigationWrites.WithLabelValues("replace")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.NavigationWrites.WithLabelValues("push")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.SaveRequests.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.SavesCoalesced))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.SaveOutcomes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.SaveOutcomes.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.SaveOutcomes.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.RecordsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.RecordsForked))
}

func TestMetricsEventListener_StopsOnContext(t *testing.T) {
	log := logger.NewDiscardLogger()
	collectors, err := metrics.NewCollectors(metrics.NewPrometheusRegistryProvider().Registry())
	require.NoError(t, err)
	listener := busimpl.NewMetricsEventListener(busimpl.NewChannelEventBus(1, log), collectors, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	listener.Start(ctx)
}

func TestNewCollectors_DuplicateRegistration(t *testing.T) {
	reg := metrics.NewPrometheusRegistryProvider().Registry()
	_, err := metrics.NewCollectors(reg)
	require.NoError(t, err)
	_, err = metrics.NewCollectors(reg)
	assert.Error(t, err)
}
