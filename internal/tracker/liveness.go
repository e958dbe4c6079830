package tracker

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid names a live process. Signal 0 checks
// existence; EPERM means the process exists but belongs to someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

func isExist(err error) bool {
	return errors.Is(err, fs.ErrExist) || os.IsExist(err)
}
