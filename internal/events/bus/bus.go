// Package bus decouples the session runtime from the client gateway: the
// orchestrator publishes session events on subjects, the gateway subscribes
// and fans out to attached connections.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject naming. Session-scoped events go to SessionSubject(id); global
// broadcasts (session list changes, usage snapshots) go to SubjectGlobal.
const SubjectGlobal = "agentdock.global"

// SessionSubject returns the subject carrying one session's events.
func SessionSubject(sessionID string) string {
	return "agentdock.session." + sessionID
}

// SubjectAllSessions matches every session subject.
const SubjectAllSessions = "agentdock.session.*"

// Event is a message on the bus. Payload holds the gateway frame to fan
// out; it must be JSON-marshalable for the NATS implementation.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, sessionID string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler handles one event. Handlers must not block: delivery for a
// subject is sequential so event order is preserved end to end.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus. Subjects support NATS-style wildcards
// (* for one token, > for the rest).
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
