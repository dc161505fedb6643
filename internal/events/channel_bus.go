// Package events holds the in-process implementations of events.Bus.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/gxo-labs/statesync/pkg/statesync/v1/events"
	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"
)

const defaultBufferSize = 100

// ChannelEventBus delivers events through a buffered channel. Emit never
// blocks: when the buffer is full the event is dropped and a warning logged,
// since the history controller emits from its write path.
type ChannelEventBus struct {
	channel chan events.Event
	log     sslog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewChannelEventBus creates a bus with the given buffer size (100 when
// non-positive). It panics on a nil logger.
func NewChannelEventBus(bufferSize int, log sslog.Logger) *ChannelEventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}
	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit queues event without blocking. Events emitted after Close are ignored.
func (c *ChannelEventBus) Emit(event events.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.channel <- event:
	default:
		c.dropped.Add(1)
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (c *ChannelEventBus) Dropped() uint64 {
	return c.dropped.Load()
}

// GetChannel exposes the receive side for in-process listeners.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the channel so listeners drain and stop. Safe to call twice.
func (c *ChannelEventBus) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.channel)
}

var _ events.Bus = (*ChannelEventBus)(nil)
