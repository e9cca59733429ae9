package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is a YAML-defined frame sequence replayed on every user turn,
// for e2e tests that need exact timing and content.
//
// Example:
//
//	steps:
//	  - kind: text
//	    text: "hello"
//	    delayMs: 100
//	  - kind: thinking
//	    text: "pondering"
//	  - kind: result
//	    text: "done"
type Script struct {
	Steps []ScriptStep `yaml:"steps"`
}

// ScriptStep is one frame in a scripted turn.
type ScriptStep struct {
	Kind    string `yaml:"kind"` // text, thinking, usage, result, error
	Text    string `yaml:"text,omitempty"`
	DelayMs int    `yaml:"delayMs,omitempty"`

	InputTokens  int64 `yaml:"inputTokens,omitempty"`
	OutputTokens int64 `yaml:"outputTokens,omitempty"`
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, err
	}
	if len(script.Steps) == 0 {
		return nil, fmt.Errorf("script has no steps")
	}
	for i, step := range script.Steps {
		switch step.Kind {
		case "text", "thinking", "usage", "result", "error":
		default:
			return nil, fmt.Errorf("step %d: unknown kind %q", i, step.Kind)
		}
	}
	return &script, nil
}

// Replay emits the scripted frames. A script without a result/error step
// gets a default successful result so turns always terminate.
func (s *Script) Replay(enc *json.Encoder, model string) {
	terminated := false
	for _, step := range s.Steps {
		if step.DelayMs > 0 {
			time.Sleep(time.Duration(step.DelayMs) * time.Millisecond)
		}
		switch step.Kind {
		case "text":
			emitText(enc, model, step.Text)
		case "thinking":
			_ = enc.Encode(AssistantMsg{
				Type: TypeAssistant,
				Message: AssistantBody{
					Role:    "assistant",
					Model:   model,
					Content: []ContentBlock{{Type: BlockThinking, Thinking: step.Text}},
				},
			})
		case "usage":
			_ = enc.Encode(UsageMsg{
				Type:         TypeUsage,
				InputTokens:  step.InputTokens,
				OutputTokens: step.OutputTokens,
			})
		case "result":
			emitResult(enc, model, false, step.Text)
			terminated = true
		case "error":
			emitResult(enc, model, true, step.Text)
			terminated = true
		}
	}
	if !terminated {
		emitResult(enc, model, false, "")
	}
}
