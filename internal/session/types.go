// Package session defines the session runtime's core entities: sessions,
// their histories, pending prompts and usage accounting.
package session

import (
	"time"

	"github.com/agentdock/agentdock/internal/workspace"
	"github.com/agentdock/agentdock/pkg/streamjson"
)

// Status is the session state machine's current state.
type Status string

// Session statuses.
const (
	StatusIdle              Status = "idle"
	StatusRunning           Status = "running"
	StatusWaitingPermission Status = "waiting_permission"
	StatusWaitingInput      Status = "waiting_input"
)

// Session is the primary entity: one conversation thread with its own child
// agent process, workspace and history.
type Session struct {
	// ID is server-assigned and stable across restarts.
	ID string `json:"id" db:"id"`
	// AgentSessionID is the agent's own id, captured the first time the
	// agent reports it; used to resume the agent's context.
	AgentSessionID string `json:"agentSessionId,omitempty" db:"agent_session_id"`

	Name           string    `json:"name" db:"name"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	WorkingDir     string    `json:"workingDir" db:"working_dir"`
	Status         Status    `json:"status" db:"status"`
	Model          string    `json:"model,omitempty" db:"model"`
	PermissionMode string    `json:"permissionMode,omitempty" db:"permission_mode"`

	// Repo, when set, drives workspace provisioning on first turn instead
	// of running directly in WorkingDir.
	Repo *workspace.Descriptor `json:"repo,omitempty"`

	PendingPermission *PendingPermission `json:"pendingPermission,omitempty"`
	PendingQuestion   *PendingQuestion   `json:"pendingQuestion,omitempty"`

	Usage      streamjson.UsageSample            `json:"usage"`
	ModelUsage map[string]streamjson.UsageSample `json:"modelUsage,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	clone := *s
	if s.Repo != nil {
		repo := *s.Repo
		clone.Repo = &repo
	}
	if s.PendingPermission != nil {
		pp := *s.PendingPermission
		clone.PendingPermission = &pp
	}
	if s.PendingQuestion != nil {
		pq := *s.PendingQuestion
		pq.Questions = append([]Question(nil), s.PendingQuestion.Questions...)
		clone.PendingQuestion = &pq
	}
	if s.ModelUsage != nil {
		clone.ModelUsage = make(map[string]streamjson.UsageSample, len(s.ModelUsage))
		for k, v := range s.ModelUsage {
			clone.ModelUsage[k] = v
		}
	}
	return &clone
}

// PermissionOrigin identifies the upstream waiter to notify when a
// permission response arrives.
type PermissionOrigin string

// Permission origins.
const (
	// OriginAgent means the request arrived as a control_request on the
	// agent's stdout; the answer is a control_response on its stdin.
	OriginAgent PermissionOrigin = "agent"
	// OriginPeer means the request arrived from the external permission
	// service over the gateway; the answer goes back to that connection.
	OriginPeer PermissionOrigin = "peer"
)

// PendingPermission is an in-flight permission request blocking the turn.
type PendingPermission struct {
	RequestID string           `json:"requestId"`
	ToolName  string           `json:"toolName"`
	Input     map[string]any   `json:"input,omitempty"`
	Origin    PermissionOrigin `json:"origin"`
}

// PendingQuestion is an in-flight AskUserQuestion prompt blocking the turn.
type PendingQuestion struct {
	RequestID string     `json:"requestId"`
	Questions []Question `json:"questions"`
}

// Question is one prompt inside an AskUserQuestion request.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// PermissionResponse is a client's verdict on a permission request,
// forwarded verbatim to the upstream waiter.
type PermissionResponse struct {
	Behavior     string `json:"behavior"` // allow or deny
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
}

// EntryKind discriminates history entries.
type EntryKind string

// History entry kinds.
const (
	EntryUser           EntryKind = "user"
	EntryAssistant      EntryKind = "assistant"
	EntryThinking       EntryKind = "thinking"
	EntryToolUse        EntryKind = "tool_use"
	EntryToolResult     EntryKind = "tool_result"
	EntryQuestion       EntryKind = "question"
	EntryQuestionAnswer EntryKind = "question_answer"
	EntrySystem         EntryKind = "system"
)

// Entry is one turn entry. Entries are append-only and never mutated once
// appended.
type Entry struct {
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// user, assistant, thinking, system
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// tool_use / tool_result. A tool_result entry carries the same
	// ToolUseID as its tool_use so renderers can merge them.
	ToolUseID    string         `json:"toolUseId,omitempty"`
	ToolName     string         `json:"toolName,omitempty"`
	ToolInput    map[string]any `json:"toolInput,omitempty"`
	ToolOutput   string         `json:"toolOutput,omitempty"`
	ToolComplete bool           `json:"toolComplete,omitempty"`
	ToolIsError  bool           `json:"toolIsError,omitempty"`

	// question / question_answer
	RequestID string            `json:"requestId,omitempty"`
	Questions []Question        `json:"questions,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`
}

// Attachment is an image carried on a user message.
type Attachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// Seed is the input to session creation.
type Seed struct {
	Name       string                `json:"name"`
	WorkingDir string                `json:"workingDir"`
	Model      string                `json:"model,omitempty"`
	Repo       *workspace.Descriptor `json:"repo,omitempty"`
}
