// Package process spawns and supervises one agent child process per active
// session. The supervisor owns the child's pipes and lifetime; protocol
// decoding on top of the pipes belongs to pkg/streamjson.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// terminateGrace is how long Terminate waits after the soft signal before
// escalating to a hard kill of the process group.
const terminateGrace = 2 * time.Second

// ExitStatus describes how the child exited.
type ExitStatus struct {
	Code   int
	Signal string
}

// Spec describes the child to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Supervisor spawns agent children.
type Supervisor struct {
	logger *logger.Logger
}

// NewSupervisor creates a supervisor.
func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{logger: log.WithFields(zap.String("component", "supervisor"))}
}

// Handle is one running child. Stdin stays open for the session's lifetime
// so later control_request frames can be written.
type Handle struct {
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *stderrBuffer

	done chan struct{}

	mu     sync.Mutex
	exited bool
	exit   ExitStatus
}

// Spawn starts the child with stdin/stdout as plain pipes. The returned
// handle's Stdout/Stdin feed the stream-JSON codec.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("empty agent command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	h := &Handle{
		logger: s.logger.WithFields(zap.Int("pid", cmd.Process.Pid), zap.String("command", spec.Command)),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: newStderrBuffer(),
		done:   make(chan struct{}),
	}

	// Stderr is drained to EOF before Wait, so the tail is complete once
	// Done is closed.
	go func() {
		h.drainStderr(stderrPipe)
		h.reap()
	}()

	h.logger.Info("spawned agent process", zap.String("dir", spec.Dir))
	return h, nil
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Stdin returns the writer feeding the child's stdin.
func (h *Handle) Stdin() io.Writer {
	return h.stdin
}

// Stdout returns the reader over the child's stdout.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// Done returns a channel closed when the child has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit status; valid only after Done is closed.
func (h *Handle) Exit() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// RecentStderr returns the tail of the child's stderr for error context.
func (h *Handle) RecentStderr() []string {
	return h.stderr.lines()
}

// SignalInterrupt sends a platform-appropriate soft cancel to the child. It
// never reaps the process.
func (h *Handle) SignalInterrupt() error {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}
	h.logger.Debug("interrupting agent process")
	return signalInterrupt(h.cmd)
}

// Terminate closes stdin (stream-JSON agents exit on EOF), then escalates to
// a soft kill and finally a hard kill of the process group.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	_ = h.stdin.Close()

	select {
	case <-h.done:
		return
	case <-time.After(terminateGrace):
	}

	h.logger.Warn("agent did not exit on stdin close, sending termination signal")
	_ = signalTerminate(h.cmd)

	select {
	case <-h.done:
		return
	case <-time.After(terminateGrace):
	}

	h.logger.Warn("agent did not exit on termination signal, killing")
	_ = killProcessGroup(h.cmd)
}

// reap waits for the child and publishes the exit status.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	status := exitStatusFrom(h.cmd, err)

	h.mu.Lock()
	h.exited = true
	h.exit = status
	h.mu.Unlock()

	h.logger.Info("agent process exited",
		zap.Int("code", status.Code),
		zap.String("signal", status.Signal))

	close(h.done)
}

// exitStatusFrom derives the ExitStatus from the completed command.
func exitStatusFrom(cmd *exec.Cmd, err error) ExitStatus {
	status := ExitStatus{}
	if cmd.ProcessState != nil {
		status.Code = cmd.ProcessState.ExitCode()
		status.Signal = exitSignal(cmd.ProcessState)
	} else if err != nil {
		status.Code = -1
	}
	return status
}
