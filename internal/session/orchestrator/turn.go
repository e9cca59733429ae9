package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/agent/process"
	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/tracing"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/pkg/streamjson"
	"github.com/agentdock/agentdock/pkg/ws"
)

// run is the live turn runtime for one session: the supervised child, its
// codec and the turn accumulator.
type run struct {
	sessionID     string
	handle        *process.Handle
	client        *streamjson.Client
	mcpConfigPath string

	deleted atomic.Bool

	mu          sync.Mutex
	textBuf     strings.Builder
	thinkingBuf strings.Builder
	sawResult   bool
	modeChanges map[string]modeChange // control request id -> change
}

type modeChange struct {
	oldMode string
	newMode string
}

func (r *run) appendText(s string) {
	r.mu.Lock()
	r.textBuf.WriteString(s)
	r.mu.Unlock()
}

func (r *run) appendThinking(s string) {
	r.mu.Lock()
	r.thinkingBuf.WriteString(s)
	r.mu.Unlock()
}

// takeBuffers drains the turn accumulator.
func (r *run) takeBuffers() (text, thinking string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text = r.textBuf.String()
	thinking = r.thinkingBuf.String()
	r.textBuf.Reset()
	r.thinkingBuf.Reset()
	return text, thinking
}

func (r *run) markResult() {
	r.mu.Lock()
	r.sawResult = true
	r.mu.Unlock()
}

func (r *run) hadResult() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sawResult
}

func (r *run) trackModeChange(requestID, oldMode, newMode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modeChanges == nil {
		r.modeChanges = make(map[string]modeChange)
	}
	r.modeChanges[requestID] = modeChange{oldMode: oldMode, newMode: newMode}
}

func (r *run) takeModeChange(requestID string) (modeChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc, ok := r.modeChanges[requestID]
	if ok {
		delete(r.modeChanges, requestID)
	}
	return mc, ok
}

// startTurn provisions the workspace if needed, spawns the child, wires the
// codec and writes the first user frame. Caller holds the session lock and
// has verified status == idle.
func (o *Orchestrator) startTurn(ctx context.Context, sess *session.Session, content string, images []session.Attachment) error {
	ctx, span := tracing.Tracer("agentdock-orchestrator").Start(ctx, "orchestrator.turn")
	defer span.End()

	id := sess.ID

	if err := o.appendUserEntry(ctx, id, content, images); err != nil {
		return err
	}

	workDir, err := o.ensureWorkspace(ctx, sess)
	if err != nil {
		o.publishError(id, err)
		return err
	}

	args, mcpConfigPath := o.buildAgentArgs(sess)
	handle, err := o.supervisor.Spawn(process.Spec{
		Command: o.cfg.AgentCommand,
		Args:    args,
		Dir:     workDir,
	})
	if err != nil {
		if mcpConfigPath != "" {
			_ = os.Remove(mcpConfigPath)
		}
		derr := dockerrors.AgentExit("failed to start agent: " + err.Error()).WithSession(id)
		o.publishError(id, derr)
		return derr
	}

	client := streamjson.NewClient(handle.Stdin(), handle.Stdout(), o.logger.WithSessionID(id))
	r := &run{
		sessionID:     id,
		handle:        handle,
		client:        client,
		mcpConfigPath: mcpConfigPath,
	}
	client.SetControlRequestHandler(func(requestID string, req *streamjson.ControlRequest) {
		o.handleAgentControlRequest(r, requestID, req)
	})
	client.Start()

	o.mu.Lock()
	o.runs[id] = r
	o.mu.Unlock()

	o.setStatus(ctx, id, session.StatusRunning)

	go o.consumeEvents(r)

	if err := o.writeFirstFrame(client, content, images); err != nil {
		o.logger.Error("failed to write initial user frame",
			zap.String("session_id", id),
			zap.Error(err))
		handle.Terminate()
		return dockerrors.Internal("failed to write user frame", err)
	}
	return nil
}

// ensureWorkspace provisions the session's working directory on first use.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, sess *session.Session) (string, error) {
	if sess.Repo == nil {
		if sess.WorkingDir == "" {
			return "", dockerrors.Workspace("session has no working directory", nil).WithSession(sess.ID)
		}
		return sess.WorkingDir, nil
	}

	o.mu.Lock()
	_, provisioned := o.cleanups[sess.ID]
	o.mu.Unlock()
	if provisioned && sess.WorkingDir != "" {
		return sess.WorkingDir, nil
	}

	path, cleanup, err := o.provisioner.Provision(ctx, *sess.Repo, sess.ID)
	if err != nil {
		var derr *dockerrors.DockError
		if de, ok := err.(*dockerrors.DockError); ok {
			derr = de.WithSession(sess.ID)
		} else {
			derr = dockerrors.Workspace("workspace provisioning failed", err).WithSession(sess.ID)
		}
		return "", derr
	}

	if err := o.store.SetWorkingDir(ctx, sess.ID, path); err != nil {
		if cleanup != nil {
			cleanup()
		}
		return "", err
	}
	if cleanup != nil {
		o.mu.Lock()
		o.cleanups[sess.ID] = cleanup
		o.mu.Unlock()
	}
	return path, nil
}

// buildAgentArgs assembles the child's invocation: protocol flags, resume
// hint, permission routing, then the positional (empty) prompt.
func (o *Orchestrator) buildAgentArgs(sess *session.Session) ([]string, string) {
	args := append([]string{}, o.cfg.AgentArgs...)
	args = append(args,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	)
	if sess.AgentSessionID != "" {
		args = append(args, "--resume", sess.AgentSessionID)
	}
	if sess.Model != "" {
		args = append(args, "--model", sess.Model)
	}

	var mcpConfigPath string
	if o.cfg.PermissionTool != "" && o.cfg.PermissionToolCommand != "" {
		path, err := o.writeMCPConfig(sess.ID)
		if err != nil {
			o.logger.Warn("failed to write MCP config, permission tool disabled for this turn",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		} else {
			mcpConfigPath = path
			args = append(args,
				"--permission-prompt-tool", o.cfg.PermissionTool,
				"--mcp-config", path,
			)
		}
	}

	args = append(args, "")
	return args, mcpConfigPath
}

// writeMCPConfig writes the transient permission-tool config consumed by
// the agent; it is deleted on child exit.
func (o *Orchestrator) writeMCPConfig(sessionID string) (string, error) {
	dir := filepath.Join(os.TempDir(), "agent-dock-mcp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "mcp-config-"+sessionID+".json")

	cfg := map[string]any{
		"mcpServers": map[string]any{
			"agentdock": map[string]any{
				"command": o.cfg.PermissionToolCommand,
				"args": []string{
					"--server-url", o.cfg.ServerURL,
					"--session-id", sessionID,
				},
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// writeFirstFrame writes the initial user message. Image-bearing turns send
// a synthetic user frame with image parts followed by the text.
func (o *Orchestrator) writeFirstFrame(client *streamjson.Client, content string, images []session.Attachment) error {
	if len(images) == 0 {
		return client.SendUserText(content)
	}
	parts := make([]any, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, streamjson.ImagePart{
			Type: "image",
			Source: streamjson.ImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	parts = append(parts, streamjson.TextPart{Type: "text", Text: content})
	return client.SendUserParts(parts)
}

// consumeEvents drains the codec's event stream, then handles the child's
// exit.
func (o *Orchestrator) consumeEvents(r *run) {
	for ev := range r.client.Events() {
		o.handleAgentEvent(r, ev)
	}
	<-r.handle.Done()
	o.handleExit(r, r.handle.Exit())
}

// handleAgentEvent routes one decoded agent event through the state
// machine.
func (o *Orchestrator) handleAgentEvent(r *run, ev streamjson.Event) {
	ctx := context.Background()
	id := r.sessionID

	switch ev.Kind {
	case streamjson.EventText:
		r.appendText(ev.Text)
		o.publishSession(id, ws.EvTextOutput, &ws.TextOutputPayload{Text: ev.Text})

	case streamjson.EventThinking:
		r.appendThinking(ev.Text)
		o.publishSession(id, ws.EvThinkingOutput, &ws.ThinkingOutputPayload{Thinking: ev.Text})

	case streamjson.EventToolUse:
		if ev.ToolUse.Name == streamjson.AskUserQuestionTool {
			o.handleQuestionPrompt(ctx, r, ev.ToolUse)
			return
		}
		if err := o.store.AppendHistory(ctx, id, session.Entry{
			Kind:      session.EntryToolUse,
			ToolUseID: ev.ToolUse.ID,
			ToolName:  ev.ToolUse.Name,
			ToolInput: ev.ToolUse.Input,
		}); err != nil {
			o.logger.Warn("failed to append tool_use entry", zap.Error(err))
		}
		o.publishSession(id, ws.EvToolUse, &ws.ToolUsePayload{
			ToolName:  ev.ToolUse.Name,
			ToolUseID: ev.ToolUse.ID,
			Input:     ev.ToolUse.Input,
		})

	case streamjson.EventToolResult:
		// A result for an unknown tool-use id is kept as a standalone
		// entry; renderers merge by id when they can.
		if err := o.store.AppendHistory(ctx, id, session.Entry{
			Kind:        session.EntryToolResult,
			ToolUseID:   ev.ToolResult.ToolUseID,
			ToolOutput:  ev.ToolResult.Content,
			ToolIsError: ev.ToolResult.IsError,
			ToolComplete: true,
		}); err != nil {
			o.logger.Warn("failed to append tool_result entry", zap.Error(err))
		}
		o.publishSession(id, ws.EvToolResult, &ws.ToolResultPayload{
			ToolUseID: ev.ToolResult.ToolUseID,
			Content:   ev.ToolResult.Content,
			IsError:   ev.ToolResult.IsError,
		})

	case streamjson.EventUsage:
		if err := o.store.AddUsage(ctx, id, *ev.Usage); err != nil {
			o.logger.Warn("failed to accumulate usage", zap.Error(err))
		}
		o.publishSession(id, ws.EvUsageInfo, &ws.UsageInfoPayload{
			InputTokens:         ev.Usage.InputTokens,
			OutputTokens:        ev.Usage.OutputTokens,
			CacheCreationTokens: ev.Usage.CacheCreationInputTokens,
			CacheReadTokens:     ev.Usage.CacheReadInputTokens,
		})

	case streamjson.EventSystem:
		o.handleSystemEvent(ctx, id, ev.System)

	case streamjson.EventResult:
		o.handleResultEvent(ctx, r, ev.Result)

	case streamjson.EventControlResponse:
		o.handleControlResponse(ctx, r, ev.ControlResponse)

	case streamjson.EventProtocolError:
		o.publishError(id, dockerrors.Protocol(ev.Err).WithSession(id))
	}
}

// handleSystemEvent binds agent metadata. The reported permission mode
// always overrides the locally stored one.
func (o *Orchestrator) handleSystemEvent(ctx context.Context, id string, info *streamjson.SystemInfo) {
	if info.AgentSessionID != "" {
		sess, err := o.store.Get(id)
		if err == nil && sess.AgentSessionID != info.AgentSessionID {
			if err := o.store.SetAgentSessionID(ctx, id, info.AgentSessionID); err != nil {
				o.logger.Warn("failed to bind agent session id", zap.Error(err))
			}
		}
	}
	if info.Model != "" {
		if err := o.store.SetModel(ctx, id, info.Model); err != nil {
			o.logger.Warn("failed to record model", zap.Error(err))
		}
	}
	if info.PermissionMode != "" {
		if err := o.store.SetPermissionMode(ctx, id, info.PermissionMode); err != nil {
			o.logger.Warn("failed to record permission mode", zap.Error(err))
		}
	}
	o.publishSession(id, ws.EvSystemInfo, &ws.SystemInfoPayload{
		Model:          info.Model,
		PermissionMode: info.PermissionMode,
		CWD:            info.CWD,
		Tools:          info.Tools,
	})
}

// handleResultEvent flushes the turn accumulator to history, emits result
// and transitions to idle.
func (o *Orchestrator) handleResultEvent(ctx context.Context, r *run, result *streamjson.Result) {
	id := r.sessionID
	r.markResult()

	if result.AgentSessionID != "" {
		sess, err := o.store.Get(id)
		if err == nil && sess.AgentSessionID != result.AgentSessionID {
			// Agents may rotate ids; the newest wins.
			if err := o.store.SetAgentSessionID(ctx, id, result.AgentSessionID); err != nil {
				o.logger.Warn("failed to rotate agent session id", zap.Error(err))
			}
		}
	}

	for model, stats := range result.ModelUsage {
		if err := o.store.AddModelUsage(ctx, id, model, streamjson.UsageSample{
			InputTokens:              stats.InputTokens,
			OutputTokens:             stats.OutputTokens,
			CacheCreationInputTokens: stats.CacheCreationInputTokens,
			CacheReadInputTokens:     stats.CacheReadInputTokens,
		}); err != nil {
			o.logger.Warn("failed to accumulate model usage", zap.Error(err))
		}
	}

	o.flushBuffers(ctx, r)
	o.publishSession(id, ws.EvResult, &ws.ResultPayload{Result: result.Text})
	o.setStatus(ctx, id, session.StatusIdle)

	if result.IsError {
		msg := result.Text
		if len(result.Errors) > 0 {
			msg = strings.Join(result.Errors, "; ")
		}
		if msg == "" {
			msg = "agent reported an error"
		}
		o.publishError(id, dockerrors.AgentExit(msg).WithSession(id))
	}
}

// handleControlResponse corrects an optimistic permission-mode change when
// the agent rejects it.
func (o *Orchestrator) handleControlResponse(ctx context.Context, r *run, resp *streamjson.ControlResponse) {
	mc, ok := r.takeModeChange(resp.RequestID)
	if !ok {
		return
	}
	if resp.Subtype == "error" {
		o.logger.Warn("permission mode change rejected, reverting",
			zap.String("session_id", r.sessionID),
			zap.String("mode", mc.newMode),
			zap.String("error", resp.Error))
		if err := o.store.SetPermissionMode(ctx, r.sessionID, mc.oldMode); err != nil {
			o.logger.Warn("failed to revert permission mode", zap.Error(err))
		}
		o.publishSession(r.sessionID, ws.EvSystemInfo, &ws.SystemInfoPayload{PermissionMode: mc.oldMode})
		return
	}
	o.publishSession(r.sessionID, ws.EvSystemInfo, &ws.SystemInfoPayload{PermissionMode: mc.newMode})
}

// flushBuffers appends the accumulated thinking then assistant entries,
// skipping empty ones.
func (o *Orchestrator) flushBuffers(ctx context.Context, r *run) {
	text, thinking := r.takeBuffers()
	if thinking != "" {
		if err := o.store.AppendHistory(ctx, r.sessionID, session.Entry{Kind: session.EntryThinking, Text: thinking}); err != nil {
			o.logger.Warn("failed to append thinking entry", zap.Error(err))
		}
	}
	if text != "" {
		if err := o.store.AppendHistory(ctx, r.sessionID, session.Entry{Kind: session.EntryAssistant, Text: text}); err != nil {
			o.logger.Warn("failed to append assistant entry", zap.Error(err))
		}
	}
}

// handleExit detaches the run, flushes any partial output and forces the
// session back to idle. A dirty exit before any result synthesizes a
// visible error turn.
func (o *Orchestrator) handleExit(r *run, status process.ExitStatus) {
	ctx := context.Background()
	id := r.sessionID

	o.mu.Lock()
	if o.runs[id] == r {
		delete(o.runs, id)
	}
	o.mu.Unlock()

	if r.mcpConfigPath != "" {
		_ = os.Remove(r.mcpConfigPath)
	}

	if r.deleted.Load() {
		return
	}

	o.broker.CancelSession(id)

	o.flushBuffers(ctx, r)

	dirty := !r.hadResult() && status.Code != 0
	if dirty {
		msg := fmt.Sprintf("Claude process exited unexpectedly (code: %d)", status.Code)
		notice := msg
		if stderr := r.handle.RecentStderr(); len(stderr) > 0 {
			notice = msg + "\n" + strings.Join(stderr, "\n")
		}
		if err := o.store.AppendHistory(ctx, id, session.Entry{Kind: session.EntrySystem, Text: notice}); err != nil {
			o.logger.Warn("failed to append exit notice", zap.Error(err))
		}
		o.publishError(id, dockerrors.AgentExit(msg).WithSession(id))
	}

	sess, err := o.store.Get(id)
	if err != nil {
		return
	}
	if sess.PendingPermission != nil {
		_ = o.store.SetPendingPermission(ctx, id, nil)
	}
	if sess.PendingQuestion != nil {
		_ = o.store.SetPendingQuestion(ctx, id, nil)
	}
	if sess.Status != session.StatusIdle {
		o.setStatus(ctx, id, session.StatusIdle)
	}
}
