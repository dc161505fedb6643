// Package transport provides save.Transport implementations: an in-memory
// store for tests and scripted sessions, and a SQLite-backed store.
package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gxo-labs/statesync/internal/save"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
)

// MemoryTransport keeps records in a map. Revisions start at 1 and increase
// by one per update; an update with a stale revision fails with a
// ConflictError unless forced.
type MemoryTransport struct {
	mu      sync.Mutex
	records map[string]save.Record
	newID   func() string
}

// MemoryOption configures a MemoryTransport.
type MemoryOption func(*MemoryTransport)

// WithIDGenerator replaces the default random UUID ids.
func WithIDGenerator(fn func() string) MemoryOption {
	return func(m *MemoryTransport) { m.newID = fn }
}

// NewMemoryTransport creates an empty store.
func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	m := &MemoryTransport{
		records: make(map[string]save.Record),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed stores rec as-is, for example a record owned by another actor.
func (m *MemoryTransport) Seed(rec save.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
}

// Get returns the stored record.
func (m *MemoryTransport) Get(id string) (save.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Len returns the number of stored records.
func (m *MemoryTransport) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Insert implements save.Transport.
func (m *MemoryTransport) Insert(ctx context.Context, req save.Request) (save.Response, error) {
	if err := ctx.Err(); err != nil {
		return save.Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.records[id] = save.Record{ID: id, Owner: req.Owner, Revision: 1, Payload: req.Payload}
	return save.Response{ID: id, Revision: 1}, nil
}

// Update implements save.Transport.
func (m *MemoryTransport) Update(ctx context.Context, req save.Request) (save.Response, error) {
	if err := ctx.Err(); err != nil {
		return save.Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[req.ID]
	if !ok {
		return save.Response{}, sserrors.ErrRecordNotFound
	}
	if !req.Force && req.Revision != rec.Revision {
		return save.Response{}, sserrors.NewConflictError(req.ID, req.Revision, rec.Revision)
	}
	rec.Revision++
	rec.Payload = req.Payload
	m.records[req.ID] = rec
	return save.Response{ID: rec.ID, Revision: rec.Revision}, nil
}

// Load implements save.Transport.
func (m *MemoryTransport) Load(ctx context.Context, id string) (save.Record, error) {
	if err := ctx.Err(); err != nil {
		return save.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return save.Record{}, sserrors.ErrRecordNotFound
	}
	return rec, nil
}

var _ save.Transport = (*MemoryTransport)(nil)
