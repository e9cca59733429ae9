// Package main implements the out-of-process permission prompt tool. The
// agent CLI invokes it via --permission-prompt-tool; each call dials the
// AgentDock gateway as a peer, raises a permission_request, and returns the
// client's verdict to the agent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	var (
		flagServerURL = flag.String("server-url", "ws://127.0.0.1:8844/ws", "AgentDock gateway websocket URL")
		flagSessionID = flag.String("session-id", "", "session this tool instance belongs to")
	)
	flag.Parse()

	if *flagSessionID == "" {
		fmt.Fprintln(os.Stderr, "permission-mcp: --session-id is required")
		os.Exit(1)
	}

	s := server.NewMCPServer("agentdock", "1.0.0")

	tool := mcp.NewTool("permission_prompt",
		mcp.WithDescription("Ask the AgentDock client whether a tool call is allowed"),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Name of the tool being invoked")),
		mcp.WithObject("input", mcp.Description("The tool's input")),
		mcp.WithString("tool_use_id", mcp.Description("The tool use id, if known")),
	)

	prompter := &prompter{serverURL: *flagServerURL, sessionID: *flagSessionID}
	s.AddTool(tool, prompter.handle)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "permission-mcp: %v\n", err)
		os.Exit(1)
	}
}

type prompter struct {
	serverURL string
	sessionID string
}

// verdict is the shape the agent CLI expects back from a permission prompt
// tool.
type verdict struct {
	Behavior     string `json:"behavior"`
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
}

// handle performs one permission round-trip through the gateway.
func (p *prompter) handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	toolName, _ := args["tool_name"].(string)
	input, _ := args["input"].(map[string]any)

	decision, err := p.roundTrip(ctx, toolName, input)
	if err != nil {
		// A broken gateway must not hang the agent: deny with the reason.
		decision = &verdict{Behavior: "deny", Message: err.Error()}
	}

	data, err := json.Marshal(decision)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// gatewayFrame is the envelope of frames exchanged with the gateway.
type gatewayFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// roundTrip dials the gateway, sends permission_request and waits for the
// matching permission_result. Modal prompts may persist indefinitely, so
// only the dial has a timeout; cancellation comes from the agent side.
func (p *prompter) roundTrip(ctx context.Context, toolName string, input map[string]any) (*verdict, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer conn.Close()

	requestID := uuid.New().String()
	if err := conn.WriteJSON(gatewayFrame{
		Type:      "permission_request",
		SessionID: p.sessionID,
		RequestID: requestID,
		ToolName:  toolName,
		Input:     input,
	}); err != nil {
		return nil, fmt.Errorf("failed to send permission request: %w", err)
	}

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("gateway connection lost: %w", err)
		}
		switch frame.Type {
		case "permission_result":
			if frame.RequestID != requestID {
				continue
			}
			var v verdict
			if err := json.Unmarshal(frame.Response, &v); err != nil {
				return nil, fmt.Errorf("malformed permission result: %w", err)
			}
			return &v, nil
		case "error":
			return nil, fmt.Errorf("gateway error: %s", frame.Message)
		}
	}
}
