package tracker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Lock is the content of the per-project lock file. PID names the process
// that owns the execution: the server while it spawns, the worker afterwards.
type Lock struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
	PhaseID     string    `json:"phaseId"`
	ProjectPath string    `json:"projectPath"`
	ExecutionID string    `json:"executionId,omitempty"`
}

// LockStatus describes what CheckLock observed on disk.
type LockStatus struct {
	Exists bool
	Alive  bool
	Lock   *Lock
	raw    []byte
}

var ErrLockHeld = errors.New("ralph lock is held")

// AcquireLock creates the lock file exclusively. A lock left behind by a dead
// process is reclaimed once; a lock owned by a live process yields ErrLockHeld.
func (w *Writer) AcquireLock(l Lock) (func() error, error) {
	if l.ProjectPath == "" {
		l.ProjectPath = w.ProjectRoot
	}
	data, err := json.MarshalIndent(l, "", "    ")
	if err != nil {
		return nil, err
	}
	if err := w.fs.MkdirAll(w.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := w.createExclusive(w.LockPath, data)
		if err == nil {
			release := func() error {
				return w.RemoveLock()
			}
			return release, nil
		}
		if !isExist(err) {
			return nil, err
		}

		st, err := w.CheckLock()
		if err != nil {
			return nil, err
		}
		if !st.Exists {
			continue
		}
		if st.Alive {
			return nil, fmt.Errorf("%w by pid %d (phase=%s)", ErrLockHeld, st.Lock.PID, st.Lock.PhaseID)
		}
		if _, err := w.ReclaimStale(st); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w (lock file exists)", ErrLockHeld)
}

// UpdateLock atomically replaces the lock content, used once the worker pid
// is known.
func (w *Writer) UpdateLock(l Lock) error {
	if l.ProjectPath == "" {
		l.ProjectPath = w.ProjectRoot
	}
	return WriteJSONAtomic(w.fs, w.LockPath, l)
}

// ReadLock returns the current lock or nil when no lock file exists.
func (w *Writer) ReadLock() (*Lock, error) {
	st, err := w.CheckLock()
	if err != nil {
		return nil, err
	}
	return st.Lock, nil
}

// CheckLock reads the lock file and probes its owner. An unparsable lock is
// reported as existing but not alive so it can be reclaimed.
func (w *Writer) CheckLock() (LockStatus, error) {
	b, err := afero.ReadFile(w.fs, w.LockPath)
	if err != nil {
		if isNotExist(err) {
			return LockStatus{}, nil
		}
		return LockStatus{}, err
	}
	st := LockStatus{Exists: true, raw: b}
	var l Lock
	if json.Unmarshal(b, &l) == nil && l.PID > 0 {
		st.Lock = &l
		st.Alive = ProcessAlive(l.PID)
	}
	return st, nil
}

// IsLocked reports whether a live process holds the lock.
func (w *Writer) IsLocked() (bool, error) {
	st, err := w.CheckLock()
	if err != nil {
		return false, err
	}
	return st.Exists && st.Alive, nil
}

// ReclaimStale removes the lock only if its bytes still match what the caller
// observed. Two sweepers racing on the same stale lock cannot delete a lock
// that a third process has just acquired.
func (w *Writer) ReclaimStale(observed LockStatus) (bool, error) {
	removed := false
	err := w.withGuard(func() error {
		current, err := afero.ReadFile(w.fs, w.LockPath)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if !bytes.Equal(current, observed.raw) {
			return nil
		}
		if err := w.fs.Remove(w.LockPath); err != nil && !isNotExist(err) {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// RemoveLock deletes the lock file. A missing file is not an error.
func (w *Writer) RemoveLock() error {
	if err := w.fs.Remove(w.LockPath); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

// createExclusive publishes data at path only if nothing exists there. On the
// OS filesystem the content is staged in a temp file and hard-linked into
// place so readers never observe a partially written lock.
func (w *Writer) createExclusive(path string, data []byte) error {
	if _, ok := w.fs.(*afero.OsFs); ok {
		tmp, err := afero.TempFile(w.fs, filepath.Dir(path), ".lock.tmp-*")
		if err != nil {
			return err
		}
		tmpPath := tmp.Name()
		defer w.fs.Remove(tmpPath)
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Link(tmpPath, path)
	}

	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		w.fs.Remove(path)
		return err
	}
	return f.Close()
}

type fder interface {
	Fd() uintptr
}

// withGuard serialises lock reclamation. Within a process a mutex is enough;
// across processes an flock on a sibling guard file is taken when the
// filesystem exposes real descriptors.
func (w *Writer) withGuard(fn func() error) error {
	w.guardMu.Lock()
	defer w.guardMu.Unlock()

	if err := w.fs.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	f, err := w.fs.OpenFile(w.LockPath+".guard", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if fd, ok := f.(fder); ok {
		if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX); err != nil {
			return fmt.Errorf("failed to lock guard: %w", err)
		}
		defer unix.Flock(int(fd.Fd()), unix.LOCK_UN)
	}
	return fn()
}

