package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

const (
	lockFileName      = "ralph.lock"
	pidFileName       = "ralph.pid"
	crashFileName     = "crash.json"
	heartbeatFileName = "heartbeat"
	stopFileName      = "stop-requested"
)

// Writer owns the per-project runtime files shared between server instances:
// lock, PID, crash and heartbeat. All of them live in a directory derived from
// a stable hash of the project root so two checkouts never collide.
type Writer struct {
	fs            afero.Fs
	ProjectRoot   string
	Dir           string
	LockPath      string
	PIDPath       string
	CrashPath     string
	HeartbeatPath string
	StopPath      string

	guardMu sync.Mutex
}

// NewWriter builds the runtime file layout for projectRoot under runtimeDir.
func NewWriter(fs afero.Fs, runtimeDir, projectRoot string) *Writer {
	root := canonicalRoot(projectRoot)
	dir := filepath.Join(runtimeDir, "projects", ProjectHash(root))
	return &Writer{
		fs:            fs,
		ProjectRoot:   root,
		Dir:           dir,
		LockPath:      filepath.Join(dir, lockFileName),
		PIDPath:       filepath.Join(dir, pidFileName),
		CrashPath:     filepath.Join(dir, crashFileName),
		HeartbeatPath: filepath.Join(dir, heartbeatFileName),
		StopPath:      filepath.Join(dir, stopFileName),
	}
}

// Fs returns the filesystem the writer operates on.
func (w *Writer) Fs() afero.Fs {
	return w.fs
}

// ProjectHash returns the first 16 hex chars of sha256(projectRoot).
func ProjectHash(projectRoot string) string {
	sum := sha256.Sum256([]byte(canonicalRoot(projectRoot)))
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalRoot(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}
