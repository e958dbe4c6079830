//go:build linux

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set runs cmd in its own process group. On Linux the child also receives
// SIGTERM if the server dies without stopping it.
//
// Pdeathsig is tied to the OS thread that forked the child, not to the
// process (golang/go#27505). Start children with Start so a caller that
// locked its thread cannot take the worker down when that thread exits.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
