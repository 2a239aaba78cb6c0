package session

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event names.
const (
	EventCreated      = "session:created"
	EventExpired      = "session:expired"
	EventInactive     = "session:inactive"
	EventRefreshed    = "session:refreshed"
	EventDeleted      = "session:deleted"
	EventStateUpdated = "session:stateUpdated"
	EventEvicted      = "session:evicted"
)

// Event is a lifecycle notification about one principal. State is set for
// EventStateUpdated and EventCreated.
type Event struct {
	ID          uuid.UUID
	Name        string
	PrincipalID PrincipalID
	At          time.Time
	State       ConversationState
}

func (e Event) EventName() string { return e.Name }
