//go:build !windows

package clangdconn

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureSysProcAttr puts the child in its own process group so that
// terminateProcess/killProcess can signal any helper processes it
// spawns, not just the direct child.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(proc *os.Process, logger *Logger) {
	if err := unix.Kill(-proc.Pid, syscall.SIGTERM); err != nil {
		logger.Warn("SIGTERM to process group %d failed: %v", proc.Pid, err)
		_ = proc.Signal(syscall.SIGTERM)
	}
}

func killProcess(proc *os.Process, logger *Logger) {
	if err := unix.Kill(-proc.Pid, syscall.SIGKILL); err != nil {
		logger.Warn("SIGKILL to process group %d failed: %v", proc.Pid, err)
		_ = proc.Kill()
	}
}
