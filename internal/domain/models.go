package domain

import (
	"time"
)

// TrackingEvent is one discrete occurrence headed for the remote collector.
// Identity for storage and removal is the (ID, Timestamp) pair, not ID alone:
// two events sharing a caller-supplied id but captured at different times are
// distinct.
type TrackingEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // epoch milliseconds, capture time
	Context   map[string]any `json:"context"`
}

// Identity returns the composite storage identity of the event.
func (e TrackingEvent) Identity() EventIdentity {
	return EventIdentity{ID: e.ID, Timestamp: e.Timestamp}
}

// EventIdentity is the composite key events are stored and removed under.
type EventIdentity struct {
	ID        string
	Timestamp int64
}

// EventBatch is the wire format of one delivery request body.
type EventBatch struct {
	Events []TrackingEvent `json:"events"`
}

// PipelineStats represents pipeline processing statistics
type PipelineStats struct {
	EventsTracked    int64
	EventsDelivered  int64
	BatchesDelivered int64
	DeliveryErrors   int64
	MiddlewareErrors int64
	StorageErrors    int64
	FlushCycles      int64
	LastActivity     time.Time
	StartedAt        time.Time
}
