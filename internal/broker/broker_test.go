package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session"
)

func TestPermissionRoundTrip(t *testing.T) {
	b := New(logger.Default())

	got := make(chan session.PermissionResponse, 1)
	require.NoError(t, b.RegisterPermission("s1", "r1", func(resp session.PermissionResponse, err error) {
		require.NoError(t, err)
		got <- resp
	}))

	require.NoError(t, b.ResolvePermission("s1", "r1", session.PermissionResponse{Behavior: "allow"}))
	assert.Equal(t, "allow", (<-got).Behavior)

	// A second response for the same request id is a not_found error.
	err := b.ResolvePermission("s1", "r1", session.PermissionResponse{Behavior: "deny"})
	assert.True(t, dockerrors.IsNotFound(err))
}

func TestPermissionSessionMismatchRejected(t *testing.T) {
	b := New(logger.Default())

	require.NoError(t, b.RegisterPermission("s1", "r1", func(session.PermissionResponse, error) {
		t.Fatal("waiter must not fire on a mismatched session")
	}))

	err := b.ResolvePermission("s2", "r1", session.PermissionResponse{Behavior: "allow"})
	assert.True(t, dockerrors.IsNotFound(err))
}

func TestAtMostOnePendingPromptPerSession(t *testing.T) {
	b := New(logger.Default())
	noopPerm := func(session.PermissionResponse, error) {}
	noopQ := func(map[string]string, error) {}

	require.NoError(t, b.RegisterPermission("s1", "r1", noopPerm))

	// Neither a second permission nor a question may be registered while
	// one is outstanding.
	assert.True(t, dockerrors.IsBusy(b.RegisterPermission("s1", "r2", noopPerm)))
	assert.True(t, dockerrors.IsBusy(b.RegisterQuestion("s1", "q1", noopQ)))

	// Another session is unaffected.
	assert.NoError(t, b.RegisterQuestion("s2", "q2", noopQ))
}

func TestCancelPermissionResolvesWithCancelled(t *testing.T) {
	b := New(logger.Default())

	errs := make(chan error, 1)
	require.NoError(t, b.RegisterPermission("s1", "r1", func(resp session.PermissionResponse, err error) {
		errs <- err
	}))

	b.CancelSession("s1")
	err := <-errs
	require.Error(t, err)
	assert.Equal(t, dockerrors.KindCancelled, dockerrors.KindOf(err))

	// The slot is free again afterwards.
	assert.NoError(t, b.RegisterPermission("s1", "r2", func(session.PermissionResponse, error) {}))
}

func TestQuestionRoundTrip(t *testing.T) {
	b := New(logger.Default())

	got := make(chan map[string]string, 1)
	require.NoError(t, b.RegisterQuestion("s1", "q1", func(answers map[string]string, err error) {
		require.NoError(t, err)
		got <- answers
	}))

	require.NoError(t, b.ResolveQuestion("s1", "q1", map[string]string{"Approach": "quick"}))
	assert.Equal(t, "quick", (<-got)["Approach"])

	// Orphaned answers are not_found and do not fire anything.
	assert.True(t, dockerrors.IsNotFound(b.ResolveQuestion("s1", "q1", nil)))
}

func TestCancelQuestionDiscardsAnswer(t *testing.T) {
	b := New(logger.Default())

	fired := make(chan error, 1)
	require.NoError(t, b.RegisterQuestion("s1", "q1", func(answers map[string]string, err error) {
		assert.Nil(t, answers)
		fired <- err
	}))

	b.CancelQuestion("s1")
	assert.Equal(t, dockerrors.KindCancelled, dockerrors.KindOf(<-fired))
}
