package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameKeepsRaw(t *testing.T) {
	data := []byte(`{"type":"user_message","sessionId":"s1","content":"hi"}`)
	frame, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, CmdUserMessage, frame.Type)
	assert.Equal(t, "s1", frame.SessionID)

	var cmd UserMessageCmd
	require.NoError(t, frame.Decode(&cmd))
	assert.Equal(t, "hi", cmd.Content)
}

func TestParseFrameRejectsMalformedJSON(t *testing.T) {
	_, err := ParseFrame([]byte("{nope"))
	assert.Error(t, err)
}

func TestEventMarshalFlattensPayload(t *testing.T) {
	event := NewEvent(EvTextOutput, "s1", &TextOutputPayload{Text: "hello"})
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "text_output", decoded["type"])
	assert.Equal(t, "s1", decoded["sessionId"])
	assert.Equal(t, "hello", decoded["text"])
}

func TestGlobalEventOmitsSessionID(t *testing.T) {
	event := NewEvent(EvSessionList, "", &SessionListPayload{Sessions: []string{}})
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, hasSession := decoded["sessionId"]
	assert.False(t, hasSession)
}

func TestPayloadCannotOverrideDiscriminator(t *testing.T) {
	event := NewEvent(EvError, "s1", map[string]any{"type": "sneaky", "message": "m"})
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EvError, decoded["type"])
	assert.Equal(t, "m", decoded["message"])
}

func TestDispatcherRouting(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(CmdListSessions, func(ctx context.Context, frame *Frame) ([]*Event, error) {
		return []*Event{NewEvent(EvSessionList, "", nil)}, nil
	})

	frame, err := ParseFrame([]byte(`{"type":"list_sessions"}`))
	require.NoError(t, err)

	ctx := context.Background()
	events, err, handled := d.Dispatch(ctx, frame)
	require.NoError(t, err)
	assert.True(t, handled)
	require.Len(t, events, 1)
	assert.Equal(t, EvSessionList, events[0].Type)

	frame2, err := ParseFrame([]byte(`{"type":"unknown_cmd"}`))
	require.NoError(t, err)
	_, _, handled = d.Dispatch(ctx, frame2)
	assert.False(t, handled)
}
