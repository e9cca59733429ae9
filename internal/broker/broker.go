// Package broker correlates outstanding permission and question request ids
// with the party that must be woken when an answer arrives.
package broker

import (
	"sync"

	"go.uber.org/zap"

	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session"
)

// PermissionWaiter resolves the upstream permission call: a control_response
// on the agent's stdin, or a permission_result frame to the requesting peer.
// err is non-nil only for cancellation.
type PermissionWaiter func(resp session.PermissionResponse, err error)

// QuestionWaiter resolves a question prompt. On cancellation the answers map
// is nil and nothing is written back to the agent.
type QuestionWaiter func(answers map[string]string, err error)

type permissionEntry struct {
	sessionID string
	waiter    PermissionWaiter
}

type questionEntry struct {
	sessionID string
	waiter    QuestionWaiter
}

// Broker enforces at-most-one outstanding permission and question per
// session and routes responses to their waiters exactly once.
type Broker struct {
	mu sync.Mutex

	permissions       map[string]permissionEntry // request id -> waiter
	sessionPermission map[string]string          // session id -> request id

	questions       map[string]questionEntry
	sessionQuestion map[string]string

	logger *logger.Logger
}

// New creates an empty broker.
func New(log *logger.Logger) *Broker {
	return &Broker{
		permissions:       make(map[string]permissionEntry),
		sessionPermission: make(map[string]string),
		questions:         make(map[string]questionEntry),
		sessionQuestion:   make(map[string]string),
		logger:            log.WithFields(zap.String("component", "broker")),
	}
}

// RegisterPermission remembers the waiter for a permission request. A
// request already outstanding for the session is rejected with busy.
func (b *Broker) RegisterPermission(sessionID, requestID string, waiter PermissionWaiter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessionPermission[sessionID]; exists {
		return dockerrors.Busy("a permission request is already pending for this session")
	}
	if _, exists := b.sessionQuestion[sessionID]; exists {
		return dockerrors.Busy("a question is already pending for this session")
	}
	b.permissions[requestID] = permissionEntry{sessionID: sessionID, waiter: waiter}
	b.sessionPermission[sessionID] = requestID
	return nil
}

// ResolvePermission sends the verbatim response to the waiter and deletes
// the mapping. A missing waiter or a session mismatch yields not_found and
// leaves state untouched.
func (b *Broker) ResolvePermission(sessionID, requestID string, resp session.PermissionResponse) error {
	b.mu.Lock()
	entry, ok := b.permissions[requestID]
	if !ok || entry.sessionID != sessionID {
		b.mu.Unlock()
		return dockerrors.NotFound("permission request", requestID)
	}
	delete(b.permissions, requestID)
	delete(b.sessionPermission, sessionID)
	b.mu.Unlock()

	entry.waiter(resp, nil)
	return nil
}

// CancelPermission resolves the session's outstanding permission waiter, if
// any, with cancelled.
func (b *Broker) CancelPermission(sessionID string) {
	b.mu.Lock()
	requestID, ok := b.sessionPermission[sessionID]
	var entry permissionEntry
	if ok {
		entry = b.permissions[requestID]
		delete(b.permissions, requestID)
		delete(b.sessionPermission, sessionID)
	}
	b.mu.Unlock()

	if ok {
		b.logger.Debug("cancelled permission waiter",
			zap.String("session_id", sessionID),
			zap.String("request_id", requestID))
		entry.waiter(session.PermissionResponse{}, dockerrors.Cancelled("permission request cancelled"))
	}
}

// RegisterQuestion remembers the waiter for a question prompt.
func (b *Broker) RegisterQuestion(sessionID, requestID string, waiter QuestionWaiter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessionQuestion[sessionID]; exists {
		return dockerrors.Busy("a question is already pending for this session")
	}
	if _, exists := b.sessionPermission[sessionID]; exists {
		return dockerrors.Busy("a permission request is already pending for this session")
	}
	b.questions[requestID] = questionEntry{sessionID: sessionID, waiter: waiter}
	b.sessionQuestion[sessionID] = requestID
	return nil
}

// ResolveQuestion delivers the answers to the waiter. Orphaned or duplicate
// responses yield not_found and leave state untouched.
func (b *Broker) ResolveQuestion(sessionID, requestID string, answers map[string]string) error {
	b.mu.Lock()
	entry, ok := b.questions[requestID]
	if !ok || entry.sessionID != sessionID {
		b.mu.Unlock()
		return dockerrors.NotFound("question", requestID)
	}
	delete(b.questions, requestID)
	delete(b.sessionQuestion, sessionID)
	b.mu.Unlock()

	entry.waiter(answers, nil)
	return nil
}

// CancelQuestion discards the session's outstanding question waiter, if
// any; nothing is written back to the agent.
func (b *Broker) CancelQuestion(sessionID string) {
	b.mu.Lock()
	requestID, ok := b.sessionQuestion[sessionID]
	var entry questionEntry
	if ok {
		entry = b.questions[requestID]
		delete(b.questions, requestID)
		delete(b.sessionQuestion, sessionID)
	}
	b.mu.Unlock()

	if ok {
		entry.waiter(nil, dockerrors.Cancelled("question cancelled"))
	}
}

// CancelSession drops both kinds of waiters for a session.
func (b *Broker) CancelSession(sessionID string) {
	b.CancelPermission(sessionID)
	b.CancelQuestion(sessionID)
}
