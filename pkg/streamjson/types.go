// Package streamjson implements the newline-delimited JSON protocol spoken
// by the agent CLI over stdin/stdout (--input-format/--output-format
// stream-json). It parses the agent's stdout into typed events and encodes
// outbound user and control frames.
package streamjson

import "encoding/json"

// Message types on the wire.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeUsage           = "usage"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// AskUserQuestionTool is the tool name the agent uses to pose an interactive
// question; the orchestrator turns it into a question prompt instead of a
// tool invocation.
const AskUserQuestionTool = "AskUserQuestion"

// rawMessage is the superset envelope for every stdout line. The type field
// determines which of the remaining fields are populated.
type rawMessage struct {
	Type string `json:"type"`

	// control_request (agent -> server, e.g. permission prompts)
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response (reply to a control_request we sent)
	Response *ControlResponse `json:"response,omitempty"`

	// system
	Subtype        string   `json:"subtype,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`

	// assistant / user
	Message *MessageBody `json:"message,omitempty"`

	// usage
	InputTokens              int64 `json:"input_tokens,omitempty"`
	OutputTokens             int64 `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`

	// result. Result can be either a string or a ResultData object.
	Result     json.RawMessage            `json:"result,omitempty"`
	IsError    bool                       `json:"is_error,omitempty"`
	Errors     []string                   `json:"errors,omitempty"`
	ModelUsage map[string]ModelUsageStats `json:"model_usage,omitempty"`
}

// MessageBody is the body of an assistant or user message. Content may be a
// plain string or a list of content blocks.
type MessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Usage   *UsageSample    `json:"usage,omitempty"`
}

// ContentBlocks attempts to parse Content as []ContentBlock. Returns nil if
// Content is a string or cannot be parsed.
func (m *MessageBody) ContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentBlock represents one block of an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// UsageSample contains token usage counters.
type UsageSample struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another sample into the receiver.
func (u *UsageSample) Add(other UsageSample) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// ModelUsageStats contains per-model usage from a result message.
type ModelUsageStats struct {
	InputTokens              int64  `json:"input_tokens,omitempty"`
	OutputTokens             int64  `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens,omitempty"`
	ContextWindow            *int64 `json:"context_window,omitempty"`
}

// resultData is the object form of a result message's result field.
type resultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ControlRequest is a control request from the agent (permission prompts).
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponse is the body of a control_response message in either
// direction.
type ControlResponse struct {
	Subtype   string            `json:"subtype"` // success or error
	RequestID string            `json:"request_id"`
	Result    *PermissionResult `json:"result,omitempty"`
	Response  map[string]any    `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PermissionResult carries the verdict for a can_use_tool request.
type PermissionResult struct {
	Behavior     string `json:"behavior"` // allow or deny
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
}

// controlResponseMessage is the stdin frame responding to a control request.
type controlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// controlRequestMessage is the stdin frame carrying a control request we
// originate (interrupt, set_permission_mode).
type controlRequestMessage struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// userMessage is the stdin frame carrying a user prompt.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ImagePart-style blocks
}

// ImagePart is a content block carrying an inline image for the first user
// frame of an image-bearing turn.
type ImagePart struct {
	Type   string      `json:"type"` // "image"
	Source ImageSource `json:"source"`
}

// ImageSource is the base64 payload of an image part.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextPart is a text content block for mixed image+text user frames.
type TextPart struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// EventKind discriminates decoded agent events.
type EventKind string

// Event kinds produced by the decoder.
const (
	EventText            EventKind = "assistant.text"
	EventThinking        EventKind = "assistant.thinking"
	EventToolUse         EventKind = "assistant.tool_use"
	EventToolResult      EventKind = "user.tool_result"
	EventResult          EventKind = "result"
	EventSystem          EventKind = "system"
	EventUsage           EventKind = "usage"
	EventControlResponse EventKind = "control_response"
	EventProtocolError   EventKind = "protocol_error"
)

// Event is one typed event decoded from the agent's stdout.
type Event struct {
	Kind EventKind

	// EventText / EventThinking
	Text string

	// EventToolUse
	ToolUse *ToolUse

	// EventToolResult
	ToolResult *ToolResult

	// EventResult
	Result *Result

	// EventSystem
	System *SystemInfo

	// EventUsage: incremental token accounting, also attached to assistant
	// messages that carry usage.
	Usage *UsageSample

	// EventControlResponse
	ControlResponse *ControlResponse

	// EventProtocolError
	Err string
}

// ToolUse is the start of a tool invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult pairs a result with a prior tool_use id.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Result is the turn terminator.
type Result struct {
	Text           string
	AgentSessionID string
	IsError        bool
	Errors         []string
	ModelUsage     map[string]ModelUsageStats
}

// SystemInfo is agent metadata; the first occurrence binds the agent session
// id.
type SystemInfo struct {
	Subtype        string
	AgentSessionID string
	Model          string
	PermissionMode string
	CWD            string
	Tools          []string
}
