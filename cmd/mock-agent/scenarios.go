package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// handleUserPrompt routes a user prompt to the matching scenario. Prompts
// starting with "/" select a named scenario; anything else echoes.
func handleUserPrompt(enc *json.Encoder, scanner *bufio.Scanner, prompt, model string, script *Script) {
	prompt = strings.TrimSpace(prompt)

	emitSystem(enc, model)

	if script != nil {
		script.Replay(enc, model)
		return
	}

	customResult := false
	switch {
	case strings.EqualFold(prompt, "/error"):
		emitErrorScenario(enc, model)
		customResult = true
	case strings.EqualFold(prompt, "/thinking"):
		emitThinkingScenario(enc, model)
	case strings.EqualFold(prompt, "/tool"):
		emitToolScenario(enc, model)
	case strings.EqualFold(prompt, "/permission"):
		emitPermissionScenario(enc, scanner, model)
	case strings.EqualFold(prompt, "/question"):
		emitQuestionScenario(enc, scanner, model)
	case strings.HasPrefix(strings.ToLower(prompt), "/slow"):
		emitSlowScenario(enc, prompt, model)
	default:
		emitEchoScenario(enc, prompt, model)
	}

	if !customResult {
		emitResult(enc, model, false, "")
	}
}

// emitSystem writes the metadata frame opening each turn.
func emitSystem(enc *json.Encoder, model string) {
	_ = enc.Encode(SystemMsg{
		Type:           TypeSystem,
		Subtype:        "init",
		SessionID:      sessionID,
		Model:          model,
		PermissionMode: "ask",
		CWD:            ".",
		Tools:          []string{ToolBash, ToolRead, ToolEdit, ToolGrep, ToolWrite},
	})
}

// emitText writes one assistant text frame with token accounting.
func emitText(enc *json.Encoder, model, text string) {
	_ = enc.Encode(AssistantMsg{
		Type: TypeAssistant,
		Message: AssistantBody{
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{{Type: BlockText, Text: text}},
			Usage:   &Usage{InputTokens: 120, OutputTokens: int64(len(text) / 4)},
		},
	})
}

// emitResult terminates the turn. text is the error message of an error
// result, or the text of a successful one (a default text when empty).
func emitResult(enc *json.Encoder, model string, isError bool, text string) {
	var resultJSON json.RawMessage
	var errs []string
	if isError {
		resultJSON, _ = json.Marshal(text)
		errs = []string{text}
	} else {
		if text == "" {
			text = "Mock agent completed successfully."
		}
		resultJSON, _ = json.Marshal(ResultData{
			Text:      text,
			SessionID: sessionID,
		})
	}
	_ = enc.Encode(ResultMsg{
		Type:    TypeResult,
		Result:  resultJSON,
		IsError: isError,
		Errors:  errs,
		ModelUsage: map[string]ModelUsageStats{
			model: {InputTokens: 1500, OutputTokens: 500, ContextWindow: 200000},
		},
	})
}

func emitEchoScenario(enc *json.Encoder, prompt, model string) {
	emitText(enc, model, "You said: "+prompt)
}

func emitThinkingScenario(enc *json.Encoder, model string) {
	_ = enc.Encode(AssistantMsg{
		Type: TypeAssistant,
		Message: AssistantBody{
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{{Type: BlockThinking, Thinking: "Considering the request carefully..."}},
		},
	})
	emitText(enc, model, "Done thinking; here is the answer.")
}

// emitToolScenario runs one Read tool invocation with a paired result.
func emitToolScenario(enc *json.Encoder, model string) {
	toolUseID := "mock-tool-1"
	_ = enc.Encode(AssistantMsg{
		Type: TypeAssistant,
		Message: AssistantBody{
			Role:  "assistant",
			Model: model,
			Content: []ContentBlock{{
				Type:  BlockToolUse,
				ID:    toolUseID,
				Name:  ToolRead,
				Input: map[string]any{"file_path": "README.md"},
			}},
		},
	})
	_ = enc.Encode(UserMsg{
		Type: TypeUser,
		Message: UserMsgBody{
			Role: "user",
			Content: []ContentBlock{{
				Type:      BlockToolResult,
				ToolUseID: toolUseID,
				Content:   "# Mock project\n",
			}},
		},
	})
	emitText(enc, model, "I read the file.")
}

// emitPermissionScenario raises a can_use_tool control request and honours
// the verdict.
func emitPermissionScenario(enc *json.Encoder, scanner *bufio.Scanner, model string) {
	toolUseID := "mock-tool-perm-1"
	input := map[string]any{"file_path": "notes.txt", "content": "hello"}

	if requestPermission(enc, scanner, ToolWrite, toolUseID, input) {
		_ = enc.Encode(AssistantMsg{
			Type: TypeAssistant,
			Message: AssistantBody{
				Role:  "assistant",
				Model: model,
				Content: []ContentBlock{{
					Type: BlockToolUse, ID: toolUseID, Name: ToolWrite, Input: input,
				}},
			},
		})
		_ = enc.Encode(UserMsg{
			Type: TypeUser,
			Message: UserMsgBody{
				Role:    "user",
				Content: []ContentBlock{{Type: BlockToolResult, ToolUseID: toolUseID, Content: "ok"}},
			},
		})
		emitText(enc, model, "File written.")
		return
	}
	emitText(enc, model, "Permission denied; skipping the write.")
}

// emitQuestionScenario poses an AskUserQuestion and waits for the answer,
// which arrives as a plain user frame.
func emitQuestionScenario(enc *json.Encoder, scanner *bufio.Scanner, model string) {
	_ = enc.Encode(AssistantMsg{
		Type: TypeAssistant,
		Message: AssistantBody{
			Role:  "assistant",
			Model: model,
			Content: []ContentBlock{{
				Type: BlockToolUse,
				ID:   "mock-question-1",
				Name: ToolAskUserQuestion,
				Input: map[string]any{
					"questions": []any{map[string]any{
						"question":    "Which approach should I take?",
						"header":      "Approach",
						"options":     []any{"quick", "thorough"},
						"multiSelect": false,
					}},
				},
			}},
		},
	})

	answer := waitForUserFrame(scanner)
	emitText(enc, model, "Proceeding with: "+answer)
}

// waitForUserFrame blocks until the next user frame and returns its text.
func waitForUserFrame(scanner *bufio.Scanner) string {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg IncomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == TypeUser && msg.Message != nil {
			return msg.Message.Text()
		}
	}
	return ""
}

func emitErrorScenario(enc *json.Encoder, model string) {
	emitText(enc, model, "Simulating an error condition...")
	emitResult(enc, model, true, "mock failure")
}

// emitSlowScenario streams chunks with delays; "/slow 2s" controls the
// total duration.
func emitSlowScenario(enc *json.Encoder, prompt, model string) {
	total := 2 * time.Second
	if fields := strings.Fields(prompt); len(fields) > 1 {
		if d, err := time.ParseDuration(fields[1]); err == nil {
			total = d
		}
	}
	const chunks = 5
	for i := 0; i < chunks; i++ {
		emitText(enc, model, fmt.Sprintf("chunk %d/%d ", i+1, chunks))
		time.Sleep(total / chunks)
	}
}
