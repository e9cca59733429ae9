package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var got []string
	_, err := b.Subscribe(SessionSubject("s1"), func(ctx context.Context, event *Event) error {
		got = append(got, event.Type)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, typ := range []string{"text_output", "result", "session_status_changed"} {
		require.NoError(t, b.Publish(ctx, SessionSubject("s1"), NewEvent(typ, "s1", nil)))
	}

	assert.Equal(t, []string{"text_output", "result", "session_status_changed"}, got)
}

func TestWildcardSubscription(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var sessions []string
	_, err := b.Subscribe(SubjectAllSessions, func(ctx context.Context, event *Event) error {
		sessions = append(sessions, event.SessionID)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SessionSubject("s1"), NewEvent("x", "s1", nil)))
	require.NoError(t, b.Publish(ctx, SessionSubject("s2"), NewEvent("x", "s2", nil)))
	require.NoError(t, b.Publish(ctx, SubjectGlobal, NewEvent("x", "", nil)))

	assert.Equal(t, []string{"s1", "s2"}, sessions)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	count := 0
	sub, err := b.Subscribe(SubjectGlobal, func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectGlobal, NewEvent("a", "", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(ctx, SubjectGlobal, NewEvent("b", "", nil)))

	assert.Equal(t, 1, count)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), SubjectGlobal, NewEvent("x", "", nil)))
}
