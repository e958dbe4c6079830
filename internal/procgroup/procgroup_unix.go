//go:build unix && !linux

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set runs cmd in its own process group.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
