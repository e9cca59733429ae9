package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/pkg/streamjson"
	"github.com/agentdock/agentdock/pkg/ws"
)

func newTestReporter(t *testing.T) (*Reporter, *store.Store, *bus.MemoryBus) {
	t.Helper()
	log := logger.Default()

	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st, err := store.Open(context.Background(), database, log)
	require.NoError(t, err)

	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	return NewReporter(st, b, time.Second, log), st, b
}

func TestSnapshotAggregatesTotalsAndToday(t *testing.T) {
	reporter, st, _ := newTestReporter(t)
	ctx := context.Background()

	s1, err := st.Create(ctx, session.Seed{Name: "a", WorkingDir: "/tmp"})
	require.NoError(t, err)
	s2, err := st.Create(ctx, session.Seed{Name: "b", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, st.AddUsage(ctx, s1.ID, streamjson.UsageSample{InputTokens: 100, OutputTokens: 10}))
	require.NoError(t, st.AddModelUsage(ctx, s2.ID, "m1", streamjson.UsageSample{InputTokens: 50, CacheReadInputTokens: 5}))

	snapshot, err := reporter.Snapshot(ctx)
	require.NoError(t, err)

	totals := snapshot.Totals.(Totals)
	assert.Equal(t, int64(150), totals.InputTokens)
	assert.Equal(t, int64(10), totals.OutputTokens)
	assert.Equal(t, int64(5), totals.CacheReadTokens)

	today := snapshot.Today.(Totals)
	assert.Equal(t, int64(150), today.InputTokens)

	daily := snapshot.Daily.([]DayUsage)
	require.Len(t, daily, dailyWindow)
	assert.Equal(t, int64(150), daily[dailyWindow-1].Usage.InputTokens)

	blocks := snapshot.Blocks.([]BlockUsage)
	require.NotEmpty(t, blocks)
	var blockTotal int64
	for _, b := range blocks {
		blockTotal += b.Usage.InputTokens
	}
	assert.Equal(t, int64(150), blockTotal)
}

func TestReportPublishesGlobalUsage(t *testing.T) {
	reporter, st, b := newTestReporter(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, session.Seed{Name: "a", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, st.AddUsage(ctx, sess.ID, streamjson.UsageSample{InputTokens: 1}))

	events := make(chan *bus.Event, 1)
	_, err = b.Subscribe(bus.SubjectGlobal, func(ctx context.Context, event *bus.Event) error {
		events <- event
		return nil
	})
	require.NoError(t, err)

	reporter.report(ctx)

	select {
	case ev := <-events:
		assert.Equal(t, ws.EvGlobalUsage, ev.Type)
	default:
		t.Fatal("no global_usage event published")
	}
}
