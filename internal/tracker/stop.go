package tracker

import (
	"strings"

	"github.com/spf13/afero"
)

// RequestStop records that executionID was asked to stop, so whichever
// process reaps the worker reports a stop rather than a crash.
func (w *Writer) RequestStop(executionID string) error {
	return WriteFileAtomic(w.fs, w.StopPath, []byte(executionID+"\n"))
}

// StopRequested reports whether a stop was recorded for executionID.
func (w *Writer) StopRequested(executionID string) bool {
	if executionID == "" {
		return false
	}
	b, err := afero.ReadFile(w.fs, w.StopPath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == executionID
}

func (w *Writer) ClearStopRequest() error {
	if err := w.fs.Remove(w.StopPath); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}
