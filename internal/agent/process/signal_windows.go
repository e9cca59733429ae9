//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// signalInterrupt approximates a soft cancel on Windows; there is no
// SIGINT delivery to an unrelated console process.
func signalInterrupt(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

func signalTerminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func exitSignal(state *os.ProcessState) string {
	return ""
}
