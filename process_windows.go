//go:build windows

package clangdconn

import (
	"os"
	"os/exec"
)

func configureSysProcAttr(cmd *exec.Cmd) {}

func terminateProcess(proc *os.Process, logger *Logger) {
	// No graceful-terminate signal on Windows; go straight to Kill in
	// the caller's subsequent escalation step.
}

func killProcess(proc *os.Process, logger *Logger) {
	if err := proc.Kill(); err != nil {
		logger.Warn("killing process %d failed: %v", proc.Pid, err)
	}
}
