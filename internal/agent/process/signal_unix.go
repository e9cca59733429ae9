//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so Terminate can
// clean up any grandchildren it spawned.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalInterrupt delivers the soft cancel (SIGINT) to the child only.
func signalInterrupt(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

// signalTerminate delivers SIGTERM to the child's process group.
func signalTerminate(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// killProcessGroup delivers SIGKILL to the child's process group.
func killProcessGroup(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// exitSignal reports the terminating signal name, if any.
func exitSignal(state *os.ProcessState) string {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
