package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/pkg/streamjson"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentdock.db")
	database, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st, err := Open(context.Background(), database, logger.Default())
	require.NoError(t, err)
	return st, path
}

func TestCreateAndGet(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, session.Seed{Name: "demo", WorkingDir: "/tmp/w"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StatusIdle, sess.Status)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "/tmp/w", got.WorkingDir)

	_, err = st.Get("missing")
	assert.True(t, dockerrors.IsNotFound(err))
}

func TestListOrderedByCreationDescending(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	first, err := st.Create(ctx, session.Seed{Name: "first", WorkingDir: "/tmp"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := st.Create(ctx, session.Seed{Name: "second", WorkingDir: "/tmp"})
	require.NoError(t, err)

	list := st.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestHistoryAppendOrder(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, session.Seed{Name: "h", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, st.AppendHistory(ctx, sess.ID, session.Entry{Kind: session.EntryUser, Text: "hi"}))
	require.NoError(t, st.AppendHistory(ctx, sess.ID, session.Entry{Kind: session.EntryAssistant, Text: "hello"}))
	require.NoError(t, st.AppendHistory(ctx, sess.ID, session.Entry{
		Kind: session.EntryToolUse, ToolUseID: "t1", ToolName: "Read",
		ToolInput: map[string]any{"file_path": "x"},
	}))

	entries, err := st.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, session.EntryUser, entries[0].Kind)
	assert.Equal(t, "hi", entries[0].Text)
	assert.Equal(t, session.EntryAssistant, entries[1].Kind)
	assert.Equal(t, "t1", entries[2].ToolUseID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestUsageAccumulation(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, session.Seed{Name: "u", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, st.AddUsage(ctx, sess.ID, streamjson.UsageSample{InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, st.AddModelUsage(ctx, sess.ID, "m1", streamjson.UsageSample{InputTokens: 7, CacheReadInputTokens: 3}))
	require.NoError(t, st.AddModelUsage(ctx, sess.ID, "m1", streamjson.UsageSample{InputTokens: 1}))

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(18), got.Usage.InputTokens)
	assert.Equal(t, int64(5), got.Usage.OutputTokens)
	assert.Equal(t, int64(8), got.ModelUsage["m1"].InputTokens)
	assert.Equal(t, int64(3), got.ModelUsage["m1"].CacheReadInputTokens)

	samples, err := st.UsageSamplesSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}

func TestUpdateSerializesAndPersists(t *testing.T) {
	st, path := openTestStore(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, session.Seed{Name: "s", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, st.SetStatus(ctx, sess.ID, session.StatusRunning))
	require.NoError(t, st.SetAgentSessionID(ctx, sess.ID, "agent-1"))
	require.NoError(t, st.SetModel(ctx, sess.ID, "m2"))
	require.NoError(t, st.SetPermissionMode(ctx, sess.ID, "plan"))
	require.NoError(t, st.SetPendingPermission(ctx, sess.ID, &session.PendingPermission{
		RequestID: "r1", ToolName: "Write", Origin: session.OriginAgent,
	}))

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status)
	assert.Equal(t, "agent-1", got.AgentSessionID)
	assert.Equal(t, "m2", got.Model)
	assert.Equal(t, "plan", got.PermissionMode)
	require.NotNil(t, got.PendingPermission)
	assert.Equal(t, "r1", got.PendingPermission.RequestID)

	// A second store over the same file rehydrates with forced idle and
	// cleared pending prompts, but keeps the rest.
	database2, err := db.OpenSQLite(path)
	require.NoError(t, err)
	defer database2.Close()
	st2, err := Open(ctx, database2, logger.Default())
	require.NoError(t, err)

	re, err := st2.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, re.Status)
	assert.Nil(t, re.PendingPermission)
	assert.Nil(t, re.PendingQuestion)
	assert.Equal(t, "agent-1", re.AgentSessionID)
	assert.Equal(t, "m2", re.Model)
}

func TestDeleteRemovesEverything(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, session.Seed{Name: "d", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, st.AppendHistory(ctx, sess.ID, session.Entry{Kind: session.EntryUser, Text: "x"}))

	require.NoError(t, st.Delete(ctx, sess.ID))

	_, err = st.Get(sess.ID)
	assert.True(t, dockerrors.IsNotFound(err))
	assert.True(t, dockerrors.IsNotFound(st.Delete(ctx, sess.ID)))
}

func TestWorkingDirIsWriteOnce(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, session.Seed{Name: "w"})
	require.NoError(t, err)

	require.NoError(t, st.SetWorkingDir(ctx, sess.ID, "/first"))
	require.NoError(t, st.SetWorkingDir(ctx, sess.ID, "/second"))

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "/first", got.WorkingDir)
}
