// Package errors provides the error taxonomy shared by the session runtime.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced to a client carries one of these codes.
const (
	KindNotFound  = "not_found"
	KindBusy      = "busy"
	KindWorkspace = "workspace"
	KindProtocol  = "protocol"
	KindAgentExit = "agent_exit"
	KindCancelled = "cancelled"
	KindInternal  = "internal"
)

// DockError is an error with a machine-readable kind, a human-readable
// message and an optional session scope.
type DockError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *DockError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *DockError) Unwrap() error {
	return e.Err
}

// WithSession returns a copy of the error scoped to a session.
func (e *DockError) WithSession(sessionID string) *DockError {
	clone := *e
	clone.SessionID = sessionID
	return &clone
}

// NotFound creates a not_found error for a resource.
func NotFound(resource, id string) *DockError {
	return &DockError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// Busy creates a busy error: the session state forbids the command.
func Busy(message string) *DockError {
	return &DockError{Kind: KindBusy, Message: message}
}

// Workspace creates a workspace provisioning error.
func Workspace(message string, err error) *DockError {
	return &DockError{Kind: KindWorkspace, Message: message, Err: err}
}

// Protocol creates a protocol error for a malformed frame or agent line.
func Protocol(message string) *DockError {
	return &DockError{Kind: KindProtocol, Message: message}
}

// AgentExit creates an agent_exit error for an unexpected child termination.
func AgentExit(message string) *DockError {
	return &DockError{Kind: KindAgentExit, Message: message}
}

// Cancelled creates a cancelled error for deletion or shutdown aborts.
func Cancelled(message string) *DockError {
	return &DockError{Kind: KindCancelled, Message: message}
}

// Internal wraps a bug; surfaced to clients as a generic error message.
func Internal(message string, err error) *DockError {
	return &DockError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of the error, or internal if it is not a DockError.
func KindOf(err error) string {
	var de *DockError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// MessageOf returns the user-visible message of the error. Non-DockError
// values are masked behind a generic message so bugs never leak details.
func MessageOf(err error) string {
	var de *DockError
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// IsNotFound reports whether the error is a not_found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsBusy reports whether the error is a busy error.
func IsBusy(err error) bool {
	return KindOf(err) == KindBusy
}
