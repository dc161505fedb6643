// Package save serializes save intents against one record into an ordered
// sequence of transport requests.
//
// At most one request is in flight. Saves arriving meanwhile collapse into a
// single pending follow-up carrying only the latest payload, which is sent
// with the id and revision returned by the request before it. Each request
// chain ends with exactly one published Outcome.
package save

import (
	"context"
	"errors"
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

	"go.opentelemetry.io/otel/trace"
)

const componentName = "save"

type subscriber struct {
	id int
	fn func(Outcome)
}

// settlement is one finished chain awaiting delivery. out is nil for a load
// that ended without a follow-up save.
type settlement struct {
	out     *Outcome
	settled chan struct{}
}

// Coordinator is the per-record save state machine.
type Coordinator struct {
	transport Transport
	actor     string
	log       sslog.Logger
	bus       events.Bus
	tracer    trace.Tracer

	mu           sync.Mutex
	state        State
	record       Record
	pending      any
	pendingForce bool
	// settled is closed once the running chain's outcome has been
	// delivered. nil when nothing is running or awaiting delivery.
	settled chan struct{}

	// Finished chains are queued under mu and delivered in order by a
	// single drainer outside mu, so subscribers may call Save and Record.
	outbox     []settlement
	delivering bool

	subMu     sync.Mutex
	subs      []subscriber
	nextSubID int
}

var _ v1.Component = (*Coordinator)(nil)

// NewCoordinator creates a coordinator saving on behalf of actor, starting
// from an unsaved record owned by actor.
func NewCoordinator(transport Transport, actor string, log sslog.Logger, opts ...v1.Option) (*Coordinator, error) {
	if transport == nil {
		return nil, sserrors.NewConfigError("transport cannot be nil", nil)
	}
	if actor == "" {
		return nil, sserrors.NewConfigError("actor cannot be empty", nil)
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	c := &Coordinator{
		transport: transport,
		actor:     actor,
		log:       log.With("component", componentName, "actor", actor),
		bus:       busimpl.NewNoOpEventBus(),
		tracer:    tracing.NewNoOpProvider().GetTracer(tracing.InstrumentationName),
		record:    Record{Owner: actor},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetEventBus implements v1.Component.
func (c *Coordinator) SetEventBus(bus events.Bus) error {
	c.bus = bus
	return nil
}

// SetTracerProvider implements v1.Component.
func (c *Coordinator) SetTracerProvider(provider sstracing.TracerProvider) error {
	c.tracer = provider.GetTracer(tracing.InstrumentationName)
	return nil
}

// Actor returns the identity saves are made for.
func (c *Coordinator) Actor() string { return c.actor }

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Record returns a copy of the local record, payload included.
func (c *Coordinator) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.record
	rec.Payload = snapshot.CloneValue(rec.Payload)
	return rec
}

// Save records a save intent and returns the resulting state.
//
// From Idle the request is issued at once (insert without an id, update
// otherwise). While a request is in flight the payload replaces any pending
// one and is sent when the current request succeeds; a superseded payload
// never gets an outcome of its own. ctx only carries trace context: the
// request is not cancelled with it.
func (c *Coordinator) Save(ctx context.Context, payload any, opts SaveOptions) State {
	c.mu.Lock()
	if c.state == Idle {
		c.state = Posted
		c.settled = make(chan struct{})
		req := c.requestLocked(payload, opts.Force)
		c.mu.Unlock()
		go c.run(context.WithoutCancel(ctx), req)
		return Posted
	}

	superseded := c.state == Needed
	c.state = Needed
	c.pending = payload
	c.pendingForce = c.pendingForce || opts.Force
	recordID := c.record.ID
	c.mu.Unlock()

	c.log.Debugf("Save coalesced into pending follow-up (superseded=%t)", superseded)
	c.emit(events.SaveCoalesced, recordID, map[string]interface{}{"superseded": superseded})
	return Needed
}

// Wait blocks until no request chain is running and the last outcome has
// been delivered. It must not be called from an outcome subscriber.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		settled := c.settled
		c.mu.Unlock()
		if settled == nil {
			return nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Load fetches record id and makes it the local record. If the record
// belongs to another actor its id and revision are cleared, so the next Save
// inserts a new record instead of overwriting theirs.
//
// Load occupies the in-flight slot: it fails with ErrSaveInFlight unless the
// coordinator is Idle, and a Save arriving during the load is sent once the
// load completes.
func (c *Coordinator) Load(ctx context.Context, id string) (Record, error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return Record{}, sserrors.ErrSaveInFlight
	}
	c.state = Posted
	c.settled = make(chan struct{})
	c.mu.Unlock()

	loaded, err := c.load(ctx, id)

	c.mu.Lock()
	forked := false
	if err == nil {
		c.record = loaded
		if loaded.Owner != c.actor {
			forked = true
			c.record.ID = ""
			c.record.Revision = 0
			c.record.Owner = c.actor
		}
	}
	if c.state == Needed {
		req := c.requestLocked(c.pending, c.pendingForce)
		c.state = Posted
		c.pending, c.pendingForce = nil, false
		c.mu.Unlock()
		go c.run(context.WithoutCancel(ctx), req)
	} else {
		c.state = Idle
		c.outbox = append(c.outbox, settlement{settled: c.settled})
		c.mu.Unlock()
		c.drain()
	}

	if err != nil {
		return Record{}, err
	}
	c.log.Infof("Loaded record '%s' (owner=%s, revision=%d)", loaded.ID, loaded.Owner, loaded.Revision)
	c.emit(events.RecordLoaded, loaded.ID, map[string]interface{}{"owner": loaded.Owner, "revision": loaded.Revision})
	if forked {
		c.log.Infof("Record '%s' is owned by '%s'; next save creates a new record", loaded.ID, loaded.Owner)
		c.emit(events.RecordForked, loaded.ID, map[string]interface{}{"owner": loaded.Owner})
	}
	return loaded, nil
}

// Subscribe registers fn for every outcome. Outcomes arrive in issue order,
// outside the coordinator's lock, so fn may call Save.
func (c *Coordinator) Subscribe(fn func(Outcome)) func() {
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

// requestLocked builds a request from the current record. mu must be held.
func (c *Coordinator) requestLocked(payload any, force bool) Request {
	return Request{
		ID:       c.record.ID,
		Owner:    c.actor,
		Revision: c.record.Revision,
		Payload:  payload,
		Force:    force,
	}
}

// run owns one request chain until it reaches Idle.
func (c *Coordinator) run(ctx context.Context, req Request) {
	for {
		resp, err := c.send(ctx, req)

		c.mu.Lock()
		if err != nil {
			dropped := c.state == Needed
			c.state = Idle
			c.pending, c.pendingForce = nil, false
			if dropped {
				c.log.Warnf("Discarding pending save after failed %s", req.Op())
			}
			c.finishLocked(Outcome{Request: req, Err: err})
			return
		}

		if resp.ID != "" {
			c.record.ID = resp.ID
		} else {
			c.record.ID = req.ID
		}
		c.record.Revision = resp.Revision
		c.record.Owner = c.actor
		c.record.Payload = req.Payload
		if resp.ID == "" {
			resp.ID = c.record.ID
		}

		if c.state == Needed {
			req = c.requestLocked(c.pending, c.pendingForce)
			c.state = Posted
			c.pending, c.pendingForce = nil, false
			c.mu.Unlock()
			c.log.Debugf("Issuing pending save against revision %d", req.Revision)
			continue
		}
		c.state = Idle
		c.finishLocked(Outcome{Request: req, Response: resp})
		return
	}
}

// finishLocked queues the chain's outcome and delivers it. mu must be held;
// it is released before anything is delivered.
func (c *Coordinator) finishLocked(out Outcome) {
	c.outbox = append(c.outbox, settlement{out: &out, settled: c.settled})
	c.mu.Unlock()
	c.drain()
}

// drain delivers queued settlements unless another call is already
// draining, in which case that caller delivers them.
func (c *Coordinator) drain() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.outbox) > 0 {
		next := c.outbox[0]
		c.outbox[0] = settlement{}
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		if next.out != nil {
			c.report(*next.out)
		}

		c.mu.Lock()
		if c.settled == next.settled {
			c.settled = nil
		}
		if next.settled != nil {
			close(next.settled)
		}
	}
	c.outbox = nil
	c.delivering = false
	c.mu.Unlock()
}

func (c *Coordinator) report(out Outcome) {
	if out.Err != nil {
		c.log.Errorf("Save failed: %v", out.Err)
		c.emit(events.SaveFailed, out.Request.ID, map[string]interface{}{
			"op":       out.Request.Op(),
			"error":    out.Err.Error(),
			"conflict": sserrors.IsConflict(out.Err),
		})
	} else {
		c.log.Infof("Saved record '%s' at revision %d", out.Response.ID, out.Response.Revision)
		c.emit(events.SaveSucceeded, out.Response.ID, map[string]interface{}{
			"op":       out.Request.Op(),
			"revision": out.Response.Revision,
		})
	}
	c.publish(out)
}

// send issues req under a span. Transport errors are wrapped in a
// TransportError and panics become errors, so the chain always terminates.
func (c *Coordinator) send(ctx context.Context, req Request) (resp Response, err error) {
	op := req.Op()
	ctx, span := c.tracer.Start(ctx, "statesync.save."+op, trace.WithAttributes(
		tracing.AttrRecordID.String(req.ID),
		tracing.AttrRevision.Int64(req.Revision),
		tracing.AttrForce.Bool(req.Force),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panicked: %v", r)
		}
		if err != nil {
			err = wrapTransportError(op, req.ID, err)
			tracing.RecordError(span, err)
		}
	}()

	c.log.Debugf("Issuing %s (id=%q revision=%d force=%t)", op, req.ID, req.Revision, req.Force)
	c.emit(events.SaveRequested, req.ID, map[string]interface{}{"op": op, "force": req.Force})
	if req.IsInsert() {
		return c.transport.Insert(ctx, req)
	}
	return c.transport.Update(ctx, req)
}

func (c *Coordinator) load(ctx context.Context, id string) (rec Record, err error) {
	ctx, span := c.tracer.Start(ctx, "statesync.record.load", trace.WithAttributes(tracing.AttrRecordID.String(id)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panicked: %v", r)
		}
		if err != nil {
			err = wrapTransportError("load", id, err)
			tracing.RecordError(span, err)
		}
	}()
	return c.transport.Load(ctx, id)
}

func wrapTransportError(op, id string, err error) error {
	var te *sserrors.TransportError
	if errors.As(err, &te) {
		return err
	}
	return sserrors.NewTransportError(op, id, err)
}

func (c *Coordinator) publish(out Outcome) {
	c.subMu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	for _, s := range subs {
		c.deliver(s, out)
	}
}

func (c *Coordinator) deliver(s subscriber, out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Recovered from panic in outcome subscriber %d: %v", s.id, r)
		}
	}()
	s.fn(out)
}

func (c *Coordinator) emit(t events.EventType, recordID string, payload map[string]interface{}) {
	c.bus.Emit(events.Event{
		Type:      t,
		Timestamp: time.Now(),
		Component: componentName,
		RecordID:  recordID,
		Payload:   payload,
	})
}
