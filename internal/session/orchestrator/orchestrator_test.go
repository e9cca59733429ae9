package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/agent/process"
	"github.com/agentdock/agentdock/internal/broker"
	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/internal/workspace"
	"github.com/agentdock/agentdock/pkg/ws"
)

// eventRecorder collects every bus event in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) record(ctx context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) has(eventType string) bool {
	for _, typ := range r.types() {
		if typ == eventType {
			return true
		}
	}
	return false
}

// writeAgentScript writes an executable fake agent speaking stream-json.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fake agent requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestOrchestrator(t *testing.T, agentCommand string) (*Orchestrator, *eventRecorder) {
	t.Helper()
	log := logger.Default()

	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st, err := store.Open(context.Background(), database, log)
	require.NoError(t, err)

	prov, err := workspace.NewProvisioner(workspace.Config{
		SessionsBaseDir: filepath.Join(t.TempDir(), "sessions"),
		CacheDir:        filepath.Join(t.TempDir(), "cache"),
	}, log)
	require.NoError(t, err)

	eventBus := bus.NewMemoryBus(log)
	t.Cleanup(eventBus.Close)

	recorder := &eventRecorder{}
	_, err = eventBus.Subscribe(bus.SubjectAllSessions, recorder.record)
	require.NoError(t, err)
	_, err = eventBus.Subscribe(bus.SubjectGlobal, recorder.record)
	require.NoError(t, err)

	orch := New(Config{AgentCommand: agentCommand}, st, prov, process.NewSupervisor(log), broker.New(log), eventBus, log)
	t.Cleanup(orch.Shutdown)
	return orch, recorder
}

func createIdleSession(t *testing.T, orch *Orchestrator) *session.Session {
	t.Helper()
	sess, err := orch.Create(context.Background(), session.Seed{Name: "demo", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	return sess
}

func waitForStatus(t *testing.T, orch *Orchestrator, id string, want session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := orch.Store().Get(id)
		return err == nil && sess.Status == want
	}, 10*time.Second, 10*time.Millisecond, "session never reached status %s", want)
}

func TestBasicTurn(t *testing.T) {
	script := writeAgentScript(t, `
read line
echo '{"type":"system","subtype":"init","session_id":"a1","model":"m1"}'
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}'
echo '{"type":"result","result":{"text":"done","session_id":"a1"}}'
`)
	orch, recorder := newTestOrchestrator(t, script)
	sess := createIdleSession(t, orch)

	require.NoError(t, orch.UserMessage(context.Background(), sess.ID, "hi", nil))
	waitForStatus(t, orch, sess.ID, session.StatusIdle)

	// The child exits after result; wait for the run to detach.
	require.Eventually(t, func() bool { return !orch.IsRunning(sess.ID) }, 5*time.Second, 10*time.Millisecond)

	// History: user then assistant.
	entries, err := orch.Store().History(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, session.EntryUser, entries[0].Kind)
	assert.Equal(t, "hi", entries[0].Text)
	assert.Equal(t, session.EntryAssistant, entries[1].Kind)
	assert.Equal(t, "hello", entries[1].Text)

	// Agent session id was captured.
	got, err := orch.Store().Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AgentSessionID)
	assert.Equal(t, "m1", got.Model)

	// Event order: running before text, text before result, result before
	// the idle transition.
	types := recorder.types()
	running := indexOf(types, ws.EvSessionStatusChanged)
	require.GreaterOrEqual(t, running, 0)
	assert.Less(t, running, indexOf(types, ws.EvTextOutput))
	assert.Less(t, indexOf(types, ws.EvTextOutput), indexOf(types, ws.EvResult))
	assert.Less(t, indexOf(types, ws.EvResult), lastIndexOf(types, ws.EvSessionStatusChanged))
}

func TestDirtyExitSynthesizesErrorTurn(t *testing.T) {
	script := writeAgentScript(t, `
read line
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}'
exit 1
`)
	orch, recorder := newTestOrchestrator(t, script)
	sess := createIdleSession(t, orch)

	require.NoError(t, orch.UserMessage(context.Background(), sess.ID, "go", nil))
	waitForStatus(t, orch, sess.ID, session.StatusIdle)
	require.Eventually(t, func() bool { return recorder.has(ws.EvError) }, 5*time.Second, 10*time.Millisecond)

	entries, err := orch.Store().History(context.Background(), sess.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, session.EntryAssistant, entries[1].Kind)
	assert.Equal(t, "partial", entries[1].Text)
	assert.Equal(t, session.EntrySystem, entries[2].Kind)
	assert.Contains(t, entries[2].Text, "Claude process exited unexpectedly (code: 1)")
}

func TestQuestionRoundTrip(t *testing.T) {
	script := writeAgentScript(t, `
read line
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{"questions":[{"question":"Which?","header":"Approach","options":["quick","thorough"]}]}}]}}'
read answer
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"proceeding"}]}}'
echo '{"type":"result","result":{"text":"done"}}'
`)
	orch, recorder := newTestOrchestrator(t, script)
	sess := createIdleSession(t, orch)

	require.NoError(t, orch.UserMessage(context.Background(), sess.ID, "choose", nil))
	waitForStatus(t, orch, sess.ID, session.StatusWaitingInput)

	// The pending question is on the session for attach replay.
	got, err := orch.Store().Get(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingQuestion)
	assert.Equal(t, "q1", got.PendingQuestion.RequestID)
	require.Len(t, got.PendingQuestion.Questions, 1)
	assert.Equal(t, "Approach", got.PendingQuestion.Questions[0].Header)

	// While waiting, further user messages are rejected with busy.
	err = orch.UserMessage(context.Background(), sess.ID, "another", nil)
	assert.True(t, dockerrors.IsBusy(err))

	require.NoError(t, orch.ResolveQuestion(context.Background(), sess.ID, "q1", map[string]string{"Approach": "quick"}))
	waitForStatus(t, orch, sess.ID, session.StatusIdle)

	// A second answer is orphaned.
	err = orch.ResolveQuestion(context.Background(), sess.ID, "q1", map[string]string{"Approach": "quick"})
	assert.True(t, dockerrors.IsNotFound(err))

	got, err = orch.Store().Get(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingQuestion)

	entries, err := orch.Store().History(context.Background(), sess.ID)
	require.NoError(t, err)
	kinds := make([]session.EntryKind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	assert.Contains(t, kinds, session.EntryQuestion)
	assert.Contains(t, kinds, session.EntryQuestionAnswer)
	assert.True(t, recorder.has(ws.EvAskUserQuestion))
}

func TestPermissionRoundTripFromPeer(t *testing.T) {
	script := writeAgentScript(t, `
read line
sleep 2
echo '{"type":"result","result":{"text":"done"}}'
`)
	orch, recorder := newTestOrchestrator(t, script)
	sess := createIdleSession(t, orch)

	require.NoError(t, orch.UserMessage(context.Background(), sess.ID, "write foo", nil))
	waitForStatus(t, orch, sess.ID, session.StatusRunning)

	verdicts := make(chan session.PermissionResponse, 1)
	require.NoError(t, orch.OnPermissionRequest(context.Background(), sess.ID, "r1", "Write",
		map[string]any{"path": "/tmp/w/foo"}, session.OriginPeer,
		func(resp session.PermissionResponse, err error) {
			require.NoError(t, err)
			verdicts <- resp
		}))

	waitForStatus(t, orch, sess.ID, session.StatusWaitingPermission)
	got, err := orch.Store().Get(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingPermission)
	assert.Equal(t, "Write", got.PendingPermission.ToolName)
	assert.True(t, recorder.has(ws.EvPermissionRequest))

	require.NoError(t, orch.ResolvePermission(context.Background(), sess.ID, "r1", ws.PermissionDecision{Behavior: "allow"}))
	assert.Equal(t, "allow", (<-verdicts).Behavior)
	waitForStatus(t, orch, sess.ID, session.StatusRunning)

	// The permission service observes the reply exactly once; a duplicate
	// yields not_found and does not disturb state.
	err = orch.ResolvePermission(context.Background(), sess.ID, "r1", ws.PermissionDecision{Behavior: "deny"})
	assert.True(t, dockerrors.IsNotFound(err))
	got, err = orch.Store().Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status)

	waitForStatus(t, orch, sess.ID, session.StatusIdle)
}

func TestModelChangeRecordsSystemEntry(t *testing.T) {
	orch, _ := newTestOrchestrator(t, "true")
	sess := createIdleSession(t, orch)

	require.NoError(t, orch.SetModel(context.Background(), sess.ID, "new-model", "old-model"))

	entries, err := orch.Store().History(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, session.EntrySystem, entries[0].Kind)
	assert.Equal(t, "old-model → new-model", entries[0].Text)
}

func TestDeleteRunsWorkspaceCleanup(t *testing.T) {
	script := writeAgentScript(t, `
read line
echo '{"type":"result","result":{"text":"done"}}'
`)
	orch, recorder := newTestOrchestrator(t, script)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("x"), 0o644))

	sess, err := orch.Create(context.Background(), session.Seed{
		Name: "ws",
		Repo: &workspace.Descriptor{Kind: workspace.KindLocalCopy, Source: src},
	})
	require.NoError(t, err)

	require.NoError(t, orch.UserMessage(context.Background(), sess.ID, "hi", nil))
	waitForStatus(t, orch, sess.ID, session.StatusIdle)

	got, err := orch.Store().Get(sess.ID)
	require.NoError(t, err)
	workDir := got.WorkingDir
	require.NotEmpty(t, workDir)
	_, err = os.Stat(workDir)
	require.NoError(t, err)

	require.NoError(t, orch.Delete(context.Background(), sess.ID))

	_, err = os.Stat(workDir)
	assert.True(t, os.IsNotExist(err), "workspace subtree must be removed on delete")

	_, err = orch.Store().Get(sess.ID)
	assert.True(t, dockerrors.IsNotFound(err))
	assert.True(t, recorder.has(ws.EvSessionDeleted))
}

func TestUserMessageUnknownSession(t *testing.T) {
	orch, _ := newTestOrchestrator(t, "true")
	err := orch.UserMessage(context.Background(), "missing", "hi", nil)
	assert.True(t, dockerrors.IsNotFound(err))
}

func indexOf(haystack []string, needle string) int {
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	return -1
}

func lastIndexOf(haystack []string, needle string) int {
	last := -1
	for i, s := range haystack {
		if s == needle {
			last = i
		}
	}
	return last
}

