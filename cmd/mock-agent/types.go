package main

import "encoding/json"

// Message types
const (
	TypeSystem          = "system"
	TypeAssistant       = "assistant"
	TypeUser            = "user"
	TypeUsage           = "usage"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Content block types
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Tool names matching the agent CLI conventions.
const (
	ToolBash            = "Bash"
	ToolEdit            = "Edit"
	ToolRead            = "Read"
	ToolGrep            = "Grep"
	ToolWrite           = "Write"
	ToolAskUserQuestion = "AskUserQuestion"
)

// IncomingMessage is a minimal struct for parsing stdin frames.
type IncomingMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Request   *IncomingRequest `json:"request,omitempty"`
	Message   *IncomingBody    `json:"message,omitempty"`
	Response  *IncomingControl `json:"response,omitempty"`
}

// IncomingRequest is the body of a control_request frame from the server.
type IncomingRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// IncomingBody is the message body of a user frame. Content may be a plain
// string or a block list (image-bearing turns).
type IncomingBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text returns the user content as a string, flattening block lists.
func (b *IncomingBody) Text() string {
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		for _, block := range blocks {
			if block.Type == BlockText {
				return block.Text
			}
		}
	}
	return ""
}

// IncomingControl is the response body of a control_response frame.
type IncomingControl struct {
	Subtype   string           `json:"subtype"`
	RequestID string           `json:"request_id,omitempty"`
	Result    *PermissionReply `json:"result,omitempty"`
}

// PermissionReply carries the permission verdict.
type PermissionReply struct {
	Behavior string `json:"behavior"`
}

// --- Outgoing frames (written to stdout) ---

// SystemMsg is the metadata frame emitted at the start of each turn.
type SystemMsg struct {
	Type           string   `json:"type"`
	Subtype        string   `json:"subtype"`
	SessionID      string   `json:"session_id"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// AssistantMsg is an assistant frame with content blocks.
type AssistantMsg struct {
	Type    string        `json:"type"`
	Message AssistantBody `json:"message"`
}

// AssistantBody is the body of an assistant frame.
type AssistantBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block of an assistant or user frame.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage carries token counters.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// UserMsg is a user frame carrying tool results.
type UserMsg struct {
	Type    string      `json:"type"`
	Message UserMsgBody `json:"message"`
}

// UserMsgBody is the body of a tool-result user frame.
type UserMsgBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UsageMsg is a standalone incremental usage frame.
type UsageMsg struct {
	Type                     string `json:"type"`
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens,omitempty"`
}

// ResultMsg is the turn terminator.
type ResultMsg struct {
	Type       string                     `json:"type"`
	Result     json.RawMessage            `json:"result"`
	IsError    bool                       `json:"is_error"`
	Errors     []string                   `json:"errors,omitempty"`
	ModelUsage map[string]ModelUsageStats `json:"model_usage,omitempty"`
}

// ModelUsageStats is the per-model accounting on a result frame.
type ModelUsageStats struct {
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	ContextWindow int64 `json:"context_window"`
}

// ResultData is the object form of a successful result.
type ResultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ControlRequestMsg is an agent-originated control request (permissions).
type ControlRequestMsg struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of a control request.
type ControlRequestBody struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMsg answers a server-originated control request.
type ControlResponseMsg struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the body of a control response.
type ControlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}
