package cli

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const backgroundEnv = "SURFACE_DTX_BACKGROUND"

// InBackground reports whether this process was started by Detach.
func InBackground() bool {
	return os.Getenv(backgroundEnv) == "1"
}

// Detach starts a copy of the running binary with the same arguments in a
// new session and returns its pid. The copy keeps stderr for logging.
func Detach() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), backgroundEnv+"=1")
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start background process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release background process: %w", err)
	}
	return pid, nil
}
