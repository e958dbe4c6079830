package tracker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// WritePID records the worker pid as plain decimal text.
func (w *Writer) WritePID(pid int) error {
	return WriteFileAtomic(w.fs, w.PIDPath, []byte(strconv.Itoa(pid)+"\n"))
}

// ReadPID returns the recorded pid, or 0 when no PID file exists.
func (w *Writer) ReadPID() (int, error) {
	b, err := afero.ReadFile(w.fs, w.PIDPath)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", w.PIDPath, err)
	}
	return pid, nil
}

func (w *Writer) RemovePID() error {
	if err := w.fs.Remove(w.PIDPath); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}
