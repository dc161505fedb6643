package events

import "time"

// EventType represents the type of a statesync event.
type EventType string

const (
	StateInitialized  EventType = "StateInitialized"  // Controller seeded from the initial URL
	StateChanged      EventType = "StateChanged"      // Non-empty diff published
	NavigationWritten EventType = "NavigationWritten" // URL pushed or replaced
	SaveRequested     EventType = "SaveRequested"     // Insert/update issued to the transport
	SaveCoalesced     EventType = "SaveCoalesced"     // Save folded into the pending follow-up
	SaveSucceeded     EventType = "SaveSucceeded"
	SaveFailed        EventType = "SaveFailed"
	RecordLoaded      EventType = "RecordLoaded"
	RecordForked      EventType = "RecordForked" // Loaded record owned by another actor
)

// Event represents a lifecycle occurrence in the history controller or the
// save coordinator.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Component is "history" or "save".
	Component string `json:"component"`
	// RecordID is set for save-side events once the record has an id.
	RecordID string `json:"record_id,omitempty"`
	// Payload carries event-specific details such as changed keys or the
	// navigation mode. Record payloads are never copied here.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus publishes events. Implementations must not block the caller for long,
// since the controller emits from its write path.
type Bus interface {
	Emit(event Event)
}
