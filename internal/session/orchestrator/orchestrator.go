// Package orchestrator drives the per-session state machine: it accepts
// user input, spawns and supervises the agent child, accumulates partial
// output, persists history and broadcasts events.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/agent/process"
	"github.com/agentdock/agentdock/internal/broker"
	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/internal/workspace"
	"github.com/agentdock/agentdock/pkg/ws"
)

// compactPrompt is the synthetic user turn injected by Compact.
const compactPrompt = "Summarize the conversation so far into a compact recap, preserving all decisions, open items and file references."

// Config holds the agent invocation settings.
type Config struct {
	// AgentCommand is the agent CLI binary; AgentArgs are prepended before
	// the protocol flags.
	AgentCommand string
	AgentArgs    []string

	// PermissionTool and PermissionToolCommand route permission prompts
	// through the named out-of-process MCP tool. Empty disables the route;
	// agents then raise can_use_tool control requests on stdout instead.
	PermissionTool        string
	PermissionToolCommand string

	// ServerURL is the gateway websocket URL handed to the permission tool.
	ServerURL string
}

// Orchestrator owns the live sessions.
type Orchestrator struct {
	cfg         Config
	store       *store.Store
	provisioner *workspace.Provisioner
	supervisor  *process.Supervisor
	broker      *broker.Broker
	bus         bus.Bus
	logger      *logger.Logger

	mu       sync.Mutex
	runs     map[string]*run
	cleanups map[string]workspace.CleanupFunc
	locks    map[string]*sync.Mutex
}

// New creates the orchestrator.
func New(cfg Config, st *store.Store, prov *workspace.Provisioner, sup *process.Supervisor, brk *broker.Broker, b bus.Bus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		provisioner: prov,
		supervisor:  sup,
		broker:      brk,
		bus:         b,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		runs:        make(map[string]*run),
		cleanups:    make(map[string]workspace.CleanupFunc),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Store exposes the session store for read paths (gateway snapshots).
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// lock returns the per-session orchestration mutex. All state transitions
// for one session serialize on it; the store adds its own per-session
// write serialization underneath.
func (o *Orchestrator) lock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[id] = mu
	}
	return mu
}

func (o *Orchestrator) activeRun(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

// IsRunning reports whether a supervised child is attached to the session.
func (o *Orchestrator) IsRunning(id string) bool {
	return o.activeRun(id) != nil
}

// Create creates a session and broadcasts session_created plus the updated
// list.
func (o *Orchestrator) Create(ctx context.Context, seed session.Seed) (*session.Session, error) {
	sess, err := o.store.Create(ctx, seed)
	if err != nil {
		return nil, err
	}
	o.publishGlobal(ws.EvSessionCreated, sess.ID, &ws.SessionCreatedPayload{Session: sess})
	o.publishSessionList()
	return sess, nil
}

// Rename changes the session's name and broadcasts the updated list.
func (o *Orchestrator) Rename(ctx context.Context, id, name string) error {
	if err := o.store.Rename(ctx, id, name); err != nil {
		return err
	}
	o.publishSessionList()
	return nil
}

// UserMessage accepts a user turn. From idle it starts a turn; while
// running it streams an additional user frame; while waiting on a prompt it
// is rejected with busy.
func (o *Orchestrator) UserMessage(ctx context.Context, id, content string, images []session.Attachment) error {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.store.Get(id)
	if err != nil {
		return err
	}

	switch sess.Status {
	case session.StatusRunning:
		return o.streamUserMessage(ctx, id, content, images)
	case session.StatusWaitingPermission, session.StatusWaitingInput:
		return dockerrors.Busy("session is waiting for a prompt response").WithSession(id)
	}

	return o.startTurn(ctx, sess, content, images)
}

// streamUserMessage appends a further user frame to the running child.
func (o *Orchestrator) streamUserMessage(ctx context.Context, id, content string, images []session.Attachment) error {
	r := o.activeRun(id)
	if r == nil {
		return dockerrors.Busy("session is busy").WithSession(id)
	}
	if err := o.appendUserEntry(ctx, id, content, images); err != nil {
		return err
	}
	if err := r.client.SendUserText(content); err != nil {
		return dockerrors.Internal("failed to write user frame", err)
	}
	return nil
}

// Interrupt soft-cancels the running child: an interrupt control_request on
// stdin, with a signal as fallback when the frame cannot be written. The
// exit path flushes partial buffers and returns the session to idle.
func (o *Orchestrator) Interrupt(ctx context.Context, id string) error {
	r := o.activeRun(id)
	if r == nil {
		return dockerrors.Busy("session has no running agent").WithSession(id)
	}
	if _, err := r.client.SendInterrupt(); err != nil {
		return r.handle.SignalInterrupt()
	}
	return nil
}

// Compact injects a synthetic summarisation turn; otherwise an ordinary
// turn.
func (o *Orchestrator) Compact(ctx context.Context, id string) error {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusIdle {
		return dockerrors.Busy("compact requires an idle session").WithSession(id)
	}
	return o.startTurn(ctx, sess, compactPrompt, nil)
}

// SetModel records a model change; it appears as a system history entry
// "<old> → <new>". Accepted only when idle or running.
func (o *Orchestrator) SetModel(ctx context.Context, id, model, oldModel string) error {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusIdle && sess.Status != session.StatusRunning {
		return dockerrors.Busy("model change requires an idle or running session").WithSession(id)
	}
	if oldModel == "" {
		oldModel = sess.Model
	}
	if err := o.store.SetModel(ctx, id, model); err != nil {
		return err
	}
	notice := fmt.Sprintf("%s → %s", oldModel, model)
	if err := o.store.AppendHistory(ctx, id, session.Entry{Kind: session.EntrySystem, Text: notice}); err != nil {
		return err
	}
	o.publishSession(id, ws.EvSystemMessage, &ws.SystemMessagePayload{Content: notice})
	return nil
}

// SetPermissionMode changes the permission mode. While running the change
// is written as a control_request and applied optimistically; the
// control_response corrects it on error. Accepted only when idle or
// running.
func (o *Orchestrator) SetPermissionMode(ctx context.Context, id, mode string) error {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusIdle && sess.Status != session.StatusRunning {
		return dockerrors.Busy("permission mode change requires an idle or running session").WithSession(id)
	}

	if r := o.activeRun(id); r != nil {
		requestID, err := r.client.SendSetPermissionMode(mode)
		if err != nil {
			return dockerrors.Internal("failed to write control frame", err)
		}
		r.trackModeChange(requestID, sess.PermissionMode, mode)
	}

	if err := o.store.SetPermissionMode(ctx, id, mode); err != nil {
		return err
	}
	o.publishSession(id, ws.EvSystemInfo, &ws.SystemInfoPayload{PermissionMode: mode})
	return nil
}

// Delete terminates the child, drops pending prompts without a response,
// runs workspace cleanup and removes the session from all indexes.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := o.store.Get(id); err != nil {
		return err
	}

	o.broker.CancelSession(id)

	o.mu.Lock()
	r := o.runs[id]
	delete(o.runs, id)
	cleanup := o.cleanups[id]
	delete(o.cleanups, id)
	o.mu.Unlock()

	if r != nil {
		r.deleted.Store(true)
		r.handle.Terminate()
	}
	if cleanup != nil {
		cleanup()
	}

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}

	o.publishGlobal(ws.EvSessionDeleted, id, nil)
	o.publishSessionList()
	return nil
}

// Shutdown terminates all children and cancels outstanding waiters.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		o.broker.CancelSession(r.sessionID)
		r.handle.Terminate()
	}
}

// appendUserEntry persists a user history entry with its attachments.
func (o *Orchestrator) appendUserEntry(ctx context.Context, id, content string, images []session.Attachment) error {
	return o.store.AppendHistory(ctx, id, session.Entry{
		Kind:        session.EntryUser,
		Text:        content,
		Attachments: images,
	})
}

// joinAnswers flattens a question's answers into the single user frame
// written back to the agent.
func joinAnswers(answers map[string]string) string {
	if len(answers) == 1 {
		for _, v := range answers {
			return v
		}
	}
	parts := make([]string, 0, len(answers))
	for header, selected := range answers {
		parts = append(parts, fmt.Sprintf("%s: %s", header, selected))
	}
	return strings.Join(parts, "\n")
}

// --- event publication ---

func (o *Orchestrator) publishSession(id, eventType string, payload any) {
	ev := bus.NewEvent(eventType, id, payload)
	if err := o.bus.Publish(context.Background(), bus.SessionSubject(id), ev); err != nil {
		o.logger.Warn("failed to publish session event",
			zap.String("session_id", id),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishGlobal(eventType, sessionID string, payload any) {
	ev := bus.NewEvent(eventType, sessionID, payload)
	if err := o.bus.Publish(context.Background(), bus.SubjectGlobal, ev); err != nil {
		o.logger.Warn("failed to publish global event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// publishStatus broadcasts a status transition. Callers publish the cause
// event first; bus delivery is synchronous so attached clients never see a
// status ahead of its cause.
func (o *Orchestrator) publishStatus(id string, status session.Status) {
	o.publishGlobal(ws.EvSessionStatusChanged, id, &ws.StatusChangedPayload{Status: string(status)})
}

func (o *Orchestrator) publishSessionList() {
	o.publishGlobal(ws.EvSessionList, "", &ws.SessionListPayload{Sessions: o.store.List()})
}

func (o *Orchestrator) publishError(id string, err error) {
	o.publishSession(id, ws.EvError, &ws.ErrorPayload{
		Code:    dockerrors.KindOf(err),
		Message: dockerrors.MessageOf(err),
	})
}

// setStatus persists and broadcasts a status transition.
func (o *Orchestrator) setStatus(ctx context.Context, id string, status session.Status) {
	if err := o.store.SetStatus(ctx, id, status); err != nil {
		o.logger.Warn("failed to persist status",
			zap.String("session_id", id),
			zap.Error(err))
		return
	}
	o.publishStatus(id, status)
}
