//go:build !windows

package process

import (
	"bufio"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func TestSpawnEchoesAndExitsClean(t *testing.T) {
	sup := NewSupervisor(logger.Default())

	h, err := sup.Spawn(Spec{Command: "sh", Args: []string{"-c", "read line; echo \"$line\""}})
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	_, err = h.Stdin().Write([]byte("hello\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(h.Stdout())
	require.True(t, scanner.Scan())
	assert.Equal(t, "hello", scanner.Text())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.Equal(t, 0, h.Exit().Code)
}

func TestExitCodeReported(t *testing.T) {
	sup := NewSupervisor(logger.Default())

	h, err := sup.Spawn(Spec{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.Equal(t, 3, h.Exit().Code)
}

func TestTerminateClosesStdinFirst(t *testing.T) {
	sup := NewSupervisor(logger.Default())

	// cat exits on stdin EOF: the soft path should suffice.
	h, err := sup.Spawn(Spec{Command: "cat"})
	require.NoError(t, err)

	start := time.Now()
	h.Terminate()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.Less(t, time.Since(start), terminateGrace, "cat should exit on EOF without signals")
}

func TestTerminateEscalatesOnStubbornChild(t *testing.T) {
	sup := NewSupervisor(logger.Default())

	// Ignores stdin EOF and TERM; only KILL works.
	h, err := sup.Spawn(Spec{Command: "sh", Args: []string{"-c", "trap '' TERM; while true; do sleep 1; done"}})
	require.NoError(t, err)

	h.Terminate()

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("child survived escalation")
	}
	assert.Equal(t, "killed", h.Exit().Signal)
}

func TestStderrTailCaptured(t *testing.T) {
	sup := NewSupervisor(logger.Default())

	h, err := sup.Spawn(Spec{Command: "sh", Args: []string{"-c", "echo oops >&2; exit 1"}})
	require.NoError(t, err)

	<-h.Done()
	assert.Equal(t, 1, h.Exit().Code)
	assert.Contains(t, h.RecentStderr(), "oops")
}

func TestEnvPassedToChild(t *testing.T) {
	sup := NewSupervisor(logger.Default())

	h, err := sup.Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "printf '%s' \"$AGENTDOCK_TEST_VAR\""},
		Env:     map[string]string{"AGENTDOCK_TEST_VAR": "42"},
	})
	require.NoError(t, err)

	scanner := bufio.NewScanner(h.Stdout())
	require.True(t, scanner.Scan())
	assert.Equal(t, "42", scanner.Text())
	<-h.Done()
}
