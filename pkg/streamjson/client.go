package streamjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// MaxLineBytes is the per-line limit on agent stdout. Lines beyond it raise
// a protocol error event; the remainder of the oversized line is discarded
// and decoding resumes at the next newline.
const MaxLineBytes = 10 * 1024 * 1024

// ControlRequestHandler handles control requests originated by the agent
// (permission prompts). The handler is responsible for eventually calling
// SendControlResponse with the same request id.
type ControlRequestHandler func(requestID string, req *ControlRequest)

// Client decodes the agent's stdout into typed events and serializes frames
// onto its stdin. One Client is bound to one child process.
type Client struct {
	stdout io.Reader
	logger *logger.Logger

	stdin   io.Writer
	writeMu sync.Mutex

	events chan Event

	mu             sync.RWMutex
	requestHandler ControlRequestHandler

	done     chan struct{}
	doneOnce sync.Once
}

// NewClient creates a codec bound to the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "streamjson")),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// SetControlRequestHandler sets the handler for agent-originated control
// requests. Without a handler, requests are answered with an error response.
func (c *Client) SetControlRequestHandler(handler ControlRequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// Events returns the decoded event stream. The channel is closed when the
// agent's stdout reaches EOF or the client is stopped.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Start begins decoding stdout in a goroutine.
func (c *Client) Start() {
	go c.readLoop()
}

// Stop stops delivery of further events. It does not close the underlying
// pipes; the supervisor owns those.
func (c *Client) Stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// SendUserText writes a plain user prompt frame.
func (c *Client) SendUserText(content string) error {
	return c.send(&userMessage{
		Type:    MessageTypeUser,
		Message: userMessageBody{Role: "user", Content: content},
	})
}

// SendUserParts writes a user frame whose content is a list of blocks
// (image parts plus text). Used for the synthetic first frame of an
// image-bearing turn.
func (c *Client) SendUserParts(parts []any) error {
	return c.send(&userMessage{
		Type:    MessageTypeUser,
		Message: userMessageBody{Role: "user", Content: parts},
	})
}

// SendInterrupt writes an interrupt control request (soft cancel).
func (c *Client) SendInterrupt() (string, error) {
	return c.sendControlRequest(controlRequestBody{Subtype: SubtypeInterrupt})
}

// SendSetPermissionMode writes a set_permission_mode control request and
// returns its request id so the caller can correlate the control_response.
func (c *Client) SendSetPermissionMode(mode string) (string, error) {
	return c.sendControlRequest(controlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode})
}

func (c *Client) sendControlRequest(body controlRequestBody) (string, error) {
	requestID := uuid.New().String()
	err := c.send(&controlRequestMessage{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// SendControlResponse answers an agent-originated control request.
func (c *Client) SendControlResponse(requestID string, resp *ControlResponse) error {
	resp.RequestID = requestID
	return c.send(&controlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
}

// send serializes one frame as a single line with a trailing newline. The
// write mutex guarantees no interleaving between concurrent emitters.
func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readLoop splits stdout into newline-terminated lines, buffering incomplete
// tails across reads, and decodes each complete line.
func (c *Client) readLoop() {
	defer close(c.events)

	reader := bufio.NewReaderSize(c.stdout, 64*1024)
	var tail bytes.Buffer
	skipping := false

	for {
		select {
		case <-c.done:
			return
		default:
		}

		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 && !skipping {
			tail.Write(chunk)
			if tail.Len() > MaxLineBytes {
				c.emit(Event{
					Kind: EventProtocolError,
					Err:  fmt.Sprintf("agent output line exceeds %d bytes", MaxLineBytes),
				})
				tail.Reset()
				skipping = true
			}
		}

		switch err {
		case nil:
			if skipping {
				// End of the oversized line; resume normal decoding.
				skipping = false
				continue
			}
			line := bytes.TrimRight(tail.Bytes(), "\r\n")
			if len(line) > 0 {
				c.handleLine(line)
			}
			tail.Reset()
		case bufio.ErrBufferFull:
			// Partial line; keep accumulating.
			continue
		default:
			// EOF or read error: a trailing unterminated line is still
			// decoded so a crashing agent's last event is not lost.
			if !skipping {
				if line := bytes.TrimRight(tail.Bytes(), "\r\n"); len(line) > 0 {
					c.handleLine(line)
				}
			}
			if err != io.EOF {
				c.logger.Warn("agent stdout read error", zap.Error(err))
			}
			return
		}
	}
}

// handleLine decodes one complete line. Malformed lines are discarded with a
// warning and never terminate the stream.
func (c *Client) handleLine(line []byte) {
	var msg rawMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("discarding malformed agent line",
			zap.Error(err),
			zap.Int("len", len(line)))
		return
	}

	switch msg.Type {
	case MessageTypeSystem:
		c.emit(Event{Kind: EventSystem, System: &SystemInfo{
			Subtype:        msg.Subtype,
			AgentSessionID: msg.SessionID,
			Model:          msg.Model,
			PermissionMode: msg.PermissionMode,
			CWD:            msg.CWD,
			Tools:          msg.Tools,
		}})

	case MessageTypeAssistant:
		c.handleAssistant(&msg)

	case MessageTypeUser:
		c.handleUser(&msg)

	case MessageTypeUsage:
		c.emit(Event{Kind: EventUsage, Usage: &UsageSample{
			InputTokens:              msg.InputTokens,
			OutputTokens:             msg.OutputTokens,
			CacheCreationInputTokens: msg.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.CacheReadInputTokens,
		}})

	case MessageTypeResult:
		c.handleResult(&msg)

	case MessageTypeControlRequest:
		if msg.Request != nil {
			c.handleControlRequest(msg.RequestID, msg.Request)
		}

	case MessageTypeControlResponse:
		if msg.Response != nil {
			c.emit(Event{Kind: EventControlResponse, ControlResponse: msg.Response})
		}

	default:
		c.logger.Debug("unhandled agent message type", zap.String("type", msg.Type))
	}
}

func (c *Client) handleAssistant(msg *rawMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.ContentBlocks() {
		switch block.Type {
		case "text":
			if block.Text != "" {
				c.emit(Event{Kind: EventText, Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				c.emit(Event{Kind: EventThinking, Text: block.Thinking})
			}
		case "tool_use":
			c.emit(Event{Kind: EventToolUse, ToolUse: &ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			}})
		}
	}
	if msg.Message.Usage != nil {
		u := *msg.Message.Usage
		c.emit(Event{Kind: EventUsage, Usage: &u})
	}
}

func (c *Client) handleUser(msg *rawMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.ContentBlocks() {
		if block.Type != "tool_result" {
			continue
		}
		c.emit(Event{Kind: EventToolResult, ToolResult: &ToolResult{
			ToolUseID: block.ToolUseID,
			Content:   block.Content,
			IsError:   block.IsError,
		}})
	}
}

func (c *Client) handleResult(msg *rawMessage) {
	result := &Result{
		IsError:    msg.IsError,
		Errors:     msg.Errors,
		ModelUsage: msg.ModelUsage,
	}

	if len(msg.Result) > 0 {
		var data resultData
		if err := json.Unmarshal(msg.Result, &data); err == nil {
			result.Text = data.Text
			result.AgentSessionID = data.SessionID
		} else {
			var s string
			if err := json.Unmarshal(msg.Result, &s); err == nil {
				result.Text = s
			}
		}
	}
	if result.AgentSessionID == "" {
		result.AgentSessionID = msg.SessionID
	}

	c.emit(Event{Kind: EventResult, Result: result})
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Warn("control request with no handler registered",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.SendControlResponse(requestID, &ControlResponse{
			Subtype: "error",
			Error:   "no handler registered",
		}); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

// emit delivers an event, blocking until the consumer accepts it so event
// order is preserved end to end.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
