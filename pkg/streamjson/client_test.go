package streamjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func collectEvents(t *testing.T, stdout string) []Event {
	t.Helper()
	client := NewClient(&bytes.Buffer{}, strings.NewReader(stdout), logger.Default())
	client.Start()

	var events []Event
	for ev := range client.Events() {
		events = append(events, ev)
	}
	return events
}

func TestDecodeBasicTurn(t *testing.T) {
	stdout := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"a1","model":"m1","permission_mode":"ask","cwd":"/tmp/w"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":10,"output_tokens":2}}}`,
		`{"type":"result","result":{"text":"done","session_id":"a1"}}`,
	}, "\n") + "\n"

	events := collectEvents(t, stdout)
	require.Len(t, events, 4)

	assert.Equal(t, EventSystem, events[0].Kind)
	assert.Equal(t, "a1", events[0].System.AgentSessionID)
	assert.Equal(t, "m1", events[0].System.Model)

	assert.Equal(t, EventText, events[1].Kind)
	assert.Equal(t, "hello", events[1].Text)

	assert.Equal(t, EventUsage, events[2].Kind)
	assert.Equal(t, int64(10), events[2].Usage.InputTokens)

	assert.Equal(t, EventResult, events[3].Kind)
	assert.Equal(t, "done", events[3].Result.Text)
	assert.Equal(t, "a1", events[3].Result.AgentSessionID)
}

func TestDecodeThinkingAndToolBlocks(t *testing.T) {
	stdout := strings.Join([]string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"x"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"data","is_error":false}]}}`,
	}, "\n") + "\n"

	events := collectEvents(t, stdout)
	require.Len(t, events, 3)

	assert.Equal(t, EventThinking, events[0].Kind)
	assert.Equal(t, "hmm", events[0].Text)

	assert.Equal(t, EventToolUse, events[1].Kind)
	assert.Equal(t, "t1", events[1].ToolUse.ID)
	assert.Equal(t, "Read", events[1].ToolUse.Name)

	assert.Equal(t, EventToolResult, events[2].Kind)
	assert.Equal(t, "t1", events[2].ToolResult.ToolUseID)
	assert.Equal(t, "data", events[2].ToolResult.Content)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	stdout := "not json at all\n" +
		`{"type":"result","result":"oops","is_error":true,"errors":["boom"]}` + "\n"

	events := collectEvents(t, stdout)
	require.Len(t, events, 1)
	assert.Equal(t, EventResult, events[0].Kind)
	assert.True(t, events[0].Result.IsError)
	assert.Equal(t, "oops", events[0].Result.Text)
	assert.Equal(t, []string{"boom"}, events[0].Result.Errors)
}

func TestOversizedLineRaisesProtocolError(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"type":"assistant","pad":"`)
	sb.WriteString(strings.Repeat("x", MaxLineBytes+1024))
	sb.WriteString("\"}\n")
	sb.WriteString(`{"type":"result","result":{"text":"after"}}` + "\n")

	events := collectEvents(t, sb.String())
	require.Len(t, events, 2)
	assert.Equal(t, EventProtocolError, events[0].Kind)
	assert.Contains(t, events[0].Err, "exceeds")

	// Decoding resumes at the next line.
	assert.Equal(t, EventResult, events[1].Kind)
	assert.Equal(t, "after", events[1].Result.Text)
}

func TestTrailingUnterminatedLineIsDecoded(t *testing.T) {
	stdout := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"last words"}]}}`

	events := collectEvents(t, stdout)
	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "last words", events[0].Text)
}

func TestControlRequestRoutedToHandler(t *testing.T) {
	var stdin bytes.Buffer
	stdout := `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"f"}}}` + "\n"

	client := NewClient(&stdin, strings.NewReader(stdout), logger.Default())

	requests := make(chan string, 1)
	client.SetControlRequestHandler(func(requestID string, req *ControlRequest) {
		assert.Equal(t, SubtypeCanUseTool, req.Subtype)
		assert.Equal(t, "Write", req.ToolName)
		requests <- requestID
	})
	client.Start()

	select {
	case id := <-requests:
		assert.Equal(t, "r1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("control request handler was not invoked")
	}
}

func TestControlRequestWithoutHandlerIsRejected(t *testing.T) {
	var stdin threadSafeBuffer
	stdout := `{"type":"control_request","request_id":"r9","request":{"subtype":"can_use_tool"}}` + "\n"

	client := NewClient(&stdin, strings.NewReader(stdout), logger.Default())
	client.Start()
	for range client.Events() {
	}

	var frame map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &frame))
	assert.Equal(t, "control_response", frame["type"])
	assert.Equal(t, "r9", frame["request_id"])
}

func TestSendFramesAreSingleLines(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(""), logger.Default())

	require.NoError(t, client.SendUserText("hi there"))
	requestID, err := client.SendSetPermissionMode("plan")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	scanner := bufio.NewScanner(&stdin)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var user map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &user))
	assert.Equal(t, "user", user["type"])

	var control map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &control))
	assert.Equal(t, "control_request", control["type"])
	req := control["request"].(map[string]any)
	assert.Equal(t, SubtypeSetPermissionMode, req["subtype"])
	assert.Equal(t, "plan", req["mode"])
}

func TestResultSessionIDFallsBackToEnvelope(t *testing.T) {
	stdout := `{"type":"result","session_id":"env-id","result":{"text":"ok"}}` + "\n"
	events := collectEvents(t, stdout)
	require.Len(t, events, 1)
	assert.Equal(t, "env-id", events[0].Result.AgentSessionID)
}

// threadSafeBuffer guards writes from the codec's goroutines.
type threadSafeBuffer struct {
	mu  chan struct{}
	buf bytes.Buffer
}

func (b *threadSafeBuffer) init() {
	if b.mu == nil {
		b.mu = make(chan struct{}, 1)
	}
}

func (b *threadSafeBuffer) Write(p []byte) (int, error) {
	b.init()
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) Bytes() []byte {
	b.init()
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	return append([]byte(nil), b.buf.Bytes()...)
}

var _ io.Writer = (*threadSafeBuffer)(nil)
