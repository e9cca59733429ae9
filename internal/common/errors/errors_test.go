package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedError(t *testing.T) {
	err := NotFound("session", "s1")
	wrapped := fmt.Errorf("while attaching: %w", err)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, "session 's1' not found", MessageOf(wrapped))
}

func TestInternalMasksDetails(t *testing.T) {
	plain := fmt.Errorf("sql: connection reset by peer")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.Equal(t, "internal error", MessageOf(plain))
}

func TestWithSessionClones(t *testing.T) {
	base := Busy("session is busy")
	scoped := base.WithSession("s1")

	assert.Equal(t, "s1", scoped.SessionID)
	assert.Empty(t, base.SessionID)
	assert.True(t, IsBusy(scoped))
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := fmt.Errorf("clone failed")
	err := Workspace("failed to clone repo", cause)
	assert.Contains(t, err.Error(), "workspace")
	assert.Contains(t, err.Error(), "clone failed")
	assert.ErrorIs(t, err, cause)
}
