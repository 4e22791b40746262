package notify

import (
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// Kind classifies a notification
type Kind string

const (
	KindReminder Kind = "reminder" // A reminder wants to speak
	KindRoutine  Kind = "routine"  // A routine learned something new
	KindSystem   Kind = "system"   // Engine housekeeping
)

// Notification is a persisted message surfaced to the person
type Notification struct {
	ID        string            `json:"id"`
	PersonID  core.PersonID     `json:"person_id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateRequest carries the fields for a new notification
type CreateRequest struct {
	PersonID core.PersonID
	Kind     Kind
	Title    string
	Body     string
	Payload  map[string]string
}
