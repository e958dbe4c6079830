//go:build unix

// Package procgroup starts subprocesses in their own process group and
// signals the whole group, so a worker's children stop and die with it.
package procgroup

import (
	"errors"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Signal delivers sig to the process group led by pid. When pid does not lead
// a group (it was started by someone else) the process itself is signalled.
func Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return unix.Kill(pid, sig)
	}
	return err
}

// Start starts cmd from a fresh goroutine. New goroutines are never locked to
// an OS thread, so the forking thread outlives the call regardless of what
// the caller has locked.
func Start(cmd *exec.Cmd) error {
	errc := make(chan error, 1)
	go func() { errc <- cmd.Start() }()
	return <-errc
}

// KillGroup sends SIGKILL to every remaining member of the group pgid. Unlike
// Signal it never falls back to the pid itself, so it is safe to call after
// the group leader has been reaped.
func KillGroup(pgid int) error {
	if pgid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(-pgid, unix.SIGKILL)
}

// KillOnCancel makes exec.CommandContext kill the whole group rather than
// only the direct child when the context ends.
func KillOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return Signal(cmd.Process.Pid, unix.SIGKILL)
	}
}

// SignalName returns the conventional name ("SIGKILL") for sig.
func SignalName(sig unix.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
