// Package ws defines the framed channel protocol between clients and the
// gateway. Every frame is one JSON object with a type discriminator;
// session-scoped frames carry sessionId.
package ws

import "encoding/json"

// Client -> server command types.
const (
	CmdListSessions       = "list_sessions"
	CmdCreateSession      = "create_session"
	CmdAttachSession      = "attach_session"
	CmdDeleteSession      = "delete_session"
	CmdRenameSession      = "rename_session"
	CmdSetPermissionMode  = "set_permission_mode"
	CmdSetModel           = "set_model"
	CmdUserMessage        = "user_message"
	CmdInterrupt          = "interrupt"
	CmdCompactSession     = "compact_session"
	CmdPermissionRequest  = "permission_request"
	CmdPermissionResponse = "permission_response"
	CmdQuestionResponse   = "question_response"
)

// Server -> client event types.
const (
	EvSessionList          = "session_list"
	EvSessionCreated       = "session_created"
	EvSessionAttached      = "session_attached"
	EvSessionDeleted       = "session_deleted"
	EvSessionStatusChanged = "session_status_changed"
	EvTextOutput           = "text_output"
	EvThinkingOutput       = "thinking_output"
	EvToolUse              = "tool_use"
	EvToolResult           = "tool_result"
	EvAskUserQuestion      = "ask_user_question"
	EvPermissionRequest    = "permission_request"
	EvPermissionResult     = "permission_result"
	EvResult               = "result"
	EvSystemInfo           = "system_info"
	EvUsageInfo            = "usage_info"
	EvSystemMessage        = "system_message"
	EvGlobalUsage          = "global_usage"
	EvError                = "error"
)

// Frame is the decoded envelope of one inbound frame. Raw holds the full
// original object so command handlers can decode their own shapes.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// ParseFrame decodes the envelope of an inbound frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return &f, nil
}

// Decode unmarshals the full frame into a command struct.
func (f *Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// --- Command payloads ---

// CreateSessionCmd creates a session.
type CreateSessionCmd struct {
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	WorkingDir string          `json:"workingDir"`
	Model      string          `json:"model,omitempty"`
	Repo       json.RawMessage `json:"repo,omitempty"`
}

// SessionCmd addresses a session without further arguments
// (attach_session, delete_session, interrupt, compact_session).
type SessionCmd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// RenameSessionCmd renames a session.
type RenameSessionCmd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// SetPermissionModeCmd changes the session's permission mode.
type SetPermissionModeCmd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

// SetModelCmd changes the session's model.
type SetModelCmd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
	OldModel  string `json:"oldModel,omitempty"`
}

// UserMessageCmd submits a user turn.
type UserMessageCmd struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	Content   string  `json:"content"`
	Images    []Image `json:"images,omitempty"`
}

// Image is an inline image attachment on a user message.
type Image struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// PermissionRequestCmd arrives from the external permission service acting
// as a peer.
type PermissionRequestCmd struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

// PermissionResponseCmd is a client's verdict on a permission request.
type PermissionResponseCmd struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId"`
	RequestID string             `json:"requestId"`
	Response  PermissionDecision `json:"response"`
}

// PermissionDecision is forwarded verbatim to the upstream waiter.
type PermissionDecision struct {
	Behavior     string `json:"behavior"` // allow or deny
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
}

// QuestionResponseCmd answers an ask_user_question prompt. Answers maps
// each question header to the selected option.
type QuestionResponseCmd struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	RequestID string            `json:"requestId"`
	Answers   map[string]string `json:"answers"`
}

// --- Server events ---

// Event is one outbound frame. Payload fields are flattened next to the
// discriminator during marshaling.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"-"`
}

// MarshalJSON flattens Payload's fields into the envelope object.
func (e *Event) MarshalJSON() ([]byte, error) {
	base := map[string]any{"type": e.Type}
	if e.SessionID != "" {
		base["sessionId"] = e.SessionID
	}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			if _, taken := base[k]; !taken {
				base[k] = v
			}
		}
	}
	return json.Marshal(base)
}

// NewEvent builds an outbound frame.
func NewEvent(eventType, sessionID string, payload any) *Event {
	return &Event{Type: eventType, SessionID: sessionID, Payload: payload}
}

// SessionListPayload carries the session list.
type SessionListPayload struct {
	Sessions any `json:"sessions"`
}

// SessionCreatedPayload carries the new session record.
type SessionCreatedPayload struct {
	Session any `json:"session"`
}

// SessionAttachedPayload is the attach replay snapshot.
type SessionAttachedPayload struct {
	Session           any  `json:"session"`
	History           any  `json:"history"`
	IsRunning         bool `json:"isRunning"`
	Usage             any  `json:"usage,omitempty"`
	ModelUsage        any  `json:"modelUsage,omitempty"`
	PendingPermission any  `json:"pendingPermission,omitempty"`
	PendingQuestion   any  `json:"pendingQuestion,omitempty"`
}

// StatusChangedPayload carries a session status transition.
type StatusChangedPayload struct {
	Status string `json:"status"`
}

// TextOutputPayload carries streamed assistant text.
type TextOutputPayload struct {
	Text string `json:"text"`
}

// ThinkingOutputPayload carries streamed assistant thinking.
type ThinkingOutputPayload struct {
	Thinking string `json:"thinking"`
}

// ToolUsePayload announces the start of a tool invocation.
type ToolUsePayload struct {
	ToolName  string         `json:"toolName"`
	ToolUseID string         `json:"toolUseId"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolResultPayload pairs a result with a prior tool use.
type ToolResultPayload struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// AskUserQuestionPayload publishes a question prompt.
type AskUserQuestionPayload struct {
	RequestID string `json:"requestId"`
	Questions any    `json:"questions"`
}

// PermissionRequestPayload publishes a permission prompt.
type PermissionRequestPayload struct {
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

// PermissionResultPayload returns the client's verdict to the requesting
// permission-service peer.
type PermissionResultPayload struct {
	RequestID string             `json:"requestId"`
	Response  PermissionDecision `json:"response"`
}

// ResultPayload signals turn completion.
type ResultPayload struct {
	Result string `json:"result"`
}

// SystemInfoPayload carries agent metadata.
type SystemInfoPayload struct {
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// UsageInfoPayload carries incremental token accounting.
type UsageInfoPayload struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int64 `json:"cacheReadTokens,omitempty"`
}

// SystemMessagePayload carries a system notice.
type SystemMessagePayload struct {
	Content string `json:"content"`
}

// GlobalUsagePayload is the usage reporter's periodic snapshot.
type GlobalUsagePayload struct {
	Today  any `json:"today"`
	Totals any `json:"totals"`
	Daily  any `json:"daily"`
	Blocks any `json:"blocks"`
}

// ErrorPayload reports a failure to the originating client.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
