// Package history keeps the application's canonical state snapshot in sync
// with a navigation history.
//
// Two triggers converge on one reconciliation routine: Set, which writes a
// new URL to the navigator, and navigator change notifications such as
// back/forward. Reconciliation re-derives the snapshot from the current URL
// and publishes the keys that changed, never an empty diff.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	busimpl "github.com/gxo-labs/statesync/internal/events"
	"github.com/gxo-labs/statesync/internal/logger"
	"github.com/gxo-labs/statesync/internal/snapshot"
	"github.com/gxo-labs/statesync/internal/tracing"
	v1 "github.com/gxo-labs/statesync/pkg/statesync/v1"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	"github.com/gxo-labs/statesync/pkg/statesync/v1/events"
	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"
	sstracing "github.com/gxo-labs/statesync/pkg/statesync/v1/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const componentName = "history"

// SetOptions control how Set writes to the navigator.
type SetOptions struct {
	// Replace rewrites the current entry instead of pushing a new one.
	Replace bool
	// Silent applies the new snapshot immediately and publishes nothing.
	// The navigator notification for the same URL then finds no change.
	Silent bool
}

type subscriber struct {
	id int
	fn func(snapshot.Diff)
}

// Controller owns the canonical snapshot. Create one with NewController and
// call Init before any other operation.
type Controller struct {
	nav      Navigator
	registry *snapshot.Registry
	log      sslog.Logger
	bus      events.Bus
	tracer   trace.Tracer

	// writeMu serializes the compute-and-write part of Set.
	writeMu sync.Mutex

	// mu guards the snapshot, lifecycle flags and the delivery queue.
	mu          sync.Mutex
	current     snapshot.Snapshot
	initialized bool
	closed      bool
	cancelNav   func()

	// Diffs are queued in the order they are computed and delivered by a
	// single drainer outside mu, so subscribers may call Set. Draining is
	// deferred while a Set is writing to the navigator.
	queue    []snapshot.Diff
	draining bool
	writing  bool

	subMu     sync.Mutex
	subs      []subscriber
	nextSubID int
}

var _ v1.Component = (*Controller)(nil)

// NewController creates a controller over nav. A nil registry means
// snapshot.DefaultRegistry and a nil log discards output.
func NewController(nav Navigator, registry *snapshot.Registry, log sslog.Logger, opts ...v1.Option) (*Controller, error) {
	if nav == nil {
		return nil, sserrors.NewConfigError("navigator cannot be nil", nil)
	}
	if registry == nil {
		registry = snapshot.DefaultRegistry()
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	c := &Controller{
		nav:      nav,
		registry: registry,
		log:      log.With("component", componentName),
		bus:      busimpl.NewNoOpEventBus(),
		tracer:   tracing.NewNoOpProvider().GetTracer(tracing.InstrumentationName),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetEventBus implements v1.Component.
func (c *Controller) SetEventBus(bus events.Bus) error {
	c.bus = bus
	return nil
}

// SetTracerProvider implements v1.Component.
func (c *Controller) SetTracerProvider(provider sstracing.TracerProvider) error {
	c.tracer = provider.GetTracer(tracing.InstrumentationName)
	return nil
}

// Init seeds the snapshot from the navigator URL, publishes it in full as
// the initial diff (every known key, defaults included) and starts listening
// for navigation changes.
func (c *Controller) Init() error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return sserrors.NewConfigError("history controller already initialized", nil)
	}
	c.current = c.readURL()
	c.initialized = true
	initial := snapshot.Diff(c.current.Clone())
	c.queue = append(c.queue, initial)
	c.mu.Unlock()

	c.log.Debugf("Initialized with keys %v", initial.Keys())
	c.emit(events.StateInitialized, map[string]interface{}{"keys": initial.Keys()})
	c.drain()

	cancel := c.nav.OnChange(func() { c.reconcile(context.Background(), "navigation") })
	c.mu.Lock()
	c.cancelNav = cancel
	c.mu.Unlock()
	return nil
}

// Close stops listening to the navigator. Reads keep working; Set fails.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancelNav
	c.cancelNav = nil
	c.closed = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Set replaces key with value and writes the resulting URL.
//
// value is coerced through the key's codec first. Setting a value equal to
// the current one, or one that canonicalizes to the current snapshot (for
// example a viewport move below the zoom's precision), writes nothing and
// publishes nothing. A nil value on an unknown key removes it.
func (c *Controller) Set(key string, value any, opts SetOptions) error {
	if key == "" {
		return sserrors.NewValidationError("state key cannot be empty", nil)
	}
	if owner := c.registry.ParamOwner(key); owner != "" && owner != key {
		return sserrors.NewValidationError(fmt.Sprintf("'%s' is a query parameter of '%s' and cannot be used as a key", key, owner), nil)
	}
	coerced, err := c.registry.Coerce(key, value)
	if err != nil {
		return sserrors.NewValidationError(fmt.Sprintf("invalid value for key '%s'", key), err)
	}

	c.writeMu.Lock()
	err = c.write(key, coerced, opts)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.drain()
	return nil
}

// write must be called with writeMu held.
func (c *Controller) write(key string, value any, opts SetOptions) error {
	c.mu.Lock()
	if !c.initialized || c.closed {
		c.mu.Unlock()
		return sserrors.NewConfigError("history controller is not active", nil)
	}
	cur, exists := c.current[key]
	if (value == nil && !exists) || (exists && value != nil && c.registry.Equal(key, cur, value)) {
		c.mu.Unlock()
		c.log.Debugf("Set of '%s' is a no-op", key)
		return nil
	}
	canonical, query := c.registry.Canonicalize(c.current.With(key, value))
	if len(c.registry.Diff(c.current, canonical)) == 0 {
		c.mu.Unlock()
		c.log.Debugf("Set of '%s' canonicalizes to the current state", key)
		return nil
	}
	base, _, fragment := snapshot.SplitURL(c.nav.URL())
	target := snapshot.JoinURL(base, query, fragment)
	if opts.Silent {
		c.current = canonical
	}
	c.writing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.writing = false
		c.mu.Unlock()
	}()

	mode := "push"
	if opts.Replace {
		mode = "replace"
		c.nav.Replace(target)
	} else {
		c.nav.Push(target)
	}
	c.log.Debugf("Wrote %s URL %q for key '%s' (silent=%t)", mode, target, key, opts.Silent)
	c.emit(events.NavigationWritten, map[string]interface{}{
		"mode":   mode,
		"url":    target,
		"key":    key,
		"silent": opts.Silent,
	})

	if !opts.Silent {
		c.applyURL(context.Background(), "set")
	}
	return nil
}

// Get returns a copy of the value held for key.
func (c *Controller) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.current[key]
	if !ok {
		return nil, false
	}
	return snapshot.Snapshot{key: v}.Clone()[key], true
}

// Search returns the search descriptor.
func (c *Controller) Search() snapshot.Search {
	v, _ := c.Get(snapshot.SearchKey)
	if s, ok := v.(snapshot.Search); ok {
		return s
	}
	return snapshot.EmptySearch()
}

// Snapshot returns a copy of the full canonical snapshot.
func (c *Controller) Snapshot() snapshot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// Subscribe registers fn for every published diff. Each call receives its
// own copy. The returned function unregisters fn.
func (c *Controller) Subscribe(fn func(snapshot.Diff)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// reconcile re-derives the snapshot from the navigator URL and delivers the
// changed keys. It runs on user navigation, so it must not panic.
func (c *Controller) reconcile(ctx context.Context, trigger string) {
	c.applyURL(ctx, trigger)
	c.drain()
}

// applyURL replaces the snapshot with the one read from the URL and queues
// the diff when it is non-empty.
func (c *Controller) applyURL(ctx context.Context, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Recovered from panic during reconciliation: %v", r)
		}
	}()

	_, span := c.tracer.Start(ctx, "statesync.history.reconcile",
		trace.WithAttributes(attribute.String("statesync.history.trigger", trigger)))
	defer span.End()

	diff := c.swapSnapshot()
	if len(diff) == 0 {
		return
	}
	keys := diff.Keys()
	span.SetAttributes(tracing.AttrChangedKeys.StringSlice(keys))
	c.log.Debugf("State changed (%s): %v", trigger, keys)
	c.emit(events.StateChanged, map[string]interface{}{"keys": keys, "trigger": trigger})
}

func (c *Controller) swapSnapshot() snapshot.Diff {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.closed {
		return nil
	}
	next := c.readURL()
	diff := c.registry.Diff(c.current, next)
	c.current = next
	if len(diff) > 0 {
		c.queue = append(c.queue, diff)
	}
	return diff
}

// drain delivers queued diffs unless another call is already draining or a
// Set is mid-write; in both cases that caller delivers them.
func (c *Controller) drain() {
	c.mu.Lock()
	if c.draining || c.writing {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		diff := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.publish(diff)
		c.mu.Lock()
	}
	c.queue = nil
	c.draining = false
	c.mu.Unlock()
}

// readURL must be called with mu held.
func (c *Controller) readURL() snapshot.Snapshot {
	_, query, _ := snapshot.SplitURL(c.nav.URL())
	return c.registry.DeserializeAll(snapshot.DecodeQuery(query))
}

func (c *Controller) publish(diff snapshot.Diff) {
	c.subMu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	for _, s := range subs {
		c.deliver(s, diff.Clone())
	}
}

func (c *Controller) deliver(s subscriber, diff snapshot.Diff) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Recovered from panic in state subscriber %d: %v", s.id, r)
		}
	}()
	s.fn(diff)
}

func (c *Controller) emit(t events.EventType, payload map[string]interface{}) {
	c.bus.Emit(events.Event{
		Type:      t,
		Timestamp: time.Now(),
		Component: componentName,
		Payload:   payload,
	})
}
