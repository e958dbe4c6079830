package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// WriteHeartbeat stamps the heartbeat file with t.
func (w *Writer) WriteHeartbeat(t time.Time) error {
	return WriteFileAtomic(w.fs, w.HeartbeatPath, []byte(t.UTC().Format(time.RFC3339Nano)+"\n"))
}

// ReadHeartbeat returns the last heartbeat. ok is false when none was written.
func (w *Writer) ReadHeartbeat() (t time.Time, ok bool, err error) {
	b, err := afero.ReadFile(w.fs, w.HeartbeatPath)
	if err != nil {
		if isNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	t, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(string(b)))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid heartbeat file: %w", err)
	}
	return t, true, nil
}

func (w *Writer) RemoveHeartbeat() error {
	if err := w.fs.Remove(w.HeartbeatPath); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}
