package broadcast

import (
	"context"
	"time"
)

// Event names delivered to subscribers.
const (
	QueueUpdated     = "queue:updated"
	StudentCheckedIn = "student:checked-in"
	StudentCalled    = "student:called"
	StudentReleased  = "student:released"
	StudentDismissed = "student:dismissed"
)

// Event is a change notification for one student's queue entry, or for the
// session when EntryID is empty. Subscribers treat it as a cue to re-fetch,
// never as the new state.
type Event struct {
	Name       string    `json:"event"`
	SchoolID   string    `json:"school_id"`
	SessionID  string    `json:"session_id"`
	EntryID    string    `json:"entry_id"`
	StudentID  string    `json:"student_id"`
	HomeroomID string    `json:"homeroom_id,omitempty"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// Bus is the abstraction over the fan-out backends. Delivery is best effort
// and at most once: slow or disconnected subscribers miss events.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe streams events for the given rooms until ctx is done, then
	// closes the channel.
	Subscribe(ctx context.Context, rooms ...Room) (<-chan Event, error)
}
