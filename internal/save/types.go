package save

import "context"

// State is the save coordinator's position in its state machine.
type State int

const (
	// Idle: no request in flight.
	Idle State = iota
	// Posted: one request in flight.
	Posted
	// Needed: one request in flight and a follow-up is pending.
	Needed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Posted:
		return "Posted"
	case Needed:
		return "Needed"
	default:
		return "Unknown"
	}
}

// Record is the locally held view of a persisted record. An empty ID means
// the record has not been stored yet.
type Record struct {
	ID       string `json:"id,omitempty"`
	Owner    string `json:"owner"`
	Revision int64  `json:"revision"`
	Payload  any    `json:"payload,omitempty"`
}

// Persisted reports whether the record has a server id.
func (r Record) Persisted() bool { return r.ID != "" }

// Request is what the coordinator hands to a Transport. ID is empty for
// inserts. Revision is the last revision the client saw.
type Request struct {
	ID       string
	Owner    string
	Revision int64
	Payload  any
	// Force bypasses the store's revision check for this request.
	Force bool
}

// IsInsert reports whether the request creates a new record.
func (r Request) IsInsert() bool { return r.ID == "" }

// Op is "insert" or "update".
func (r Request) Op() string {
	if r.IsInsert() {
		return "insert"
	}
	return "update"
}

// Response is a successful transport reply. Updates may leave ID empty.
type Response struct {
	ID       string
	Revision int64
	// Body carries any extra fields the store returned.
	Body map[string]any
}

// Outcome is the terminal result of a request chain. Err is nil on success.
type Outcome struct {
	Request  Request
	Response Response
	Err      error
}

// SaveOptions adjust a single Save call.
type SaveOptions struct {
	// Force is the "forceUpdate" flag: skip the optimistic concurrency check
	// for the request that carries this payload.
	Force bool
}

// Transport performs the actual record operations. Implementations own
// timeouts; the coordinator never cancels a request it has issued.
type Transport interface {
	Insert(ctx context.Context, req Request) (Response, error)
	Update(ctx context.Context, req Request) (Response, error)
	Load(ctx context.Context, id string) (Record, error)
}
