package main

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// requestPermission raises a can_use_tool control request and blocks until
// the matching control_response arrives on stdin. Returns true when
// allowed.
func requestPermission(enc *json.Encoder, scanner *bufio.Scanner, toolName, toolUseID string, input map[string]any) bool {
	requestID := fmt.Sprintf("mock-perm-%s", toolUseID)

	_ = enc.Encode(ControlRequestMsg{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request: ControlRequestBody{
			Subtype:   "can_use_tool",
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg IncomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == TypeControlResponse && msg.Response != nil {
			if msg.Response.Result != nil {
				return msg.Response.Result.Behavior == "allow"
			}
			return false
		}
	}
	return false
}
