package tracker

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestAcquireLockBlocksSecondAcquire(t *testing.T) {
	w := NewWriter(afero.NewOsFs(), t.TempDir(), "/tmp/project")

	release, err := w.AcquireLock(Lock{PID: os.Getpid(), StartedAt: time.Now(), PhaseID: "phase-1"})
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	defer func() { _ = release() }()

	if _, err := w.AcquireLock(Lock{PID: os.Getpid(), PhaseID: "phase-2"}); err == nil {
		t.Fatalf("expected second AcquireLock to fail")
	}

	if err := release(); err != nil {
		t.Fatalf("release error: %v", err)
	}

	if _, err := w.AcquireLock(Lock{PID: os.Getpid(), PhaseID: "phase-3"}); err != nil {
		t.Fatalf("expected AcquireLock after release to succeed, got: %v", err)
	}
}

func TestAcquireLockReclaimsDeadOwner(t *testing.T) {
	w := NewWriter(afero.NewMemMapFs(), "/runtime", "/tmp/project")

	if err := w.UpdateLock(Lock{PID: deadPID(t), PhaseID: "old"}); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	locked, err := w.IsLocked()
	if err != nil || locked {
		t.Fatalf("IsLocked = %v, %v; want false", locked, err)
	}

	if _, err := w.AcquireLock(Lock{PID: os.Getpid(), PhaseID: "new"}); err != nil {
		t.Fatalf("AcquireLock over stale lock: %v", err)
	}
	l, err := w.ReadLock()
	if err != nil || l == nil || l.PhaseID != "new" {
		t.Fatalf("ReadLock = %+v, %v", l, err)
	}
	if l.ProjectPath != w.ProjectRoot {
		t.Fatalf("ProjectPath = %q, want %q", l.ProjectPath, w.ProjectRoot)
	}
}

func TestReclaimStaleSkipsChangedLock(t *testing.T) {
	w := NewWriter(afero.NewMemMapFs(), "/runtime", "/tmp/project")
	if err := w.UpdateLock(Lock{PID: deadPID(t), PhaseID: "old"}); err != nil {
		t.Fatal(err)
	}
	observed, err := w.CheckLock()
	if err != nil {
		t.Fatal(err)
	}

	// Another server reclaims and takes the lock before this sweeper acts.
	if err := w.UpdateLock(Lock{PID: os.Getpid(), PhaseID: "fresh"}); err != nil {
		t.Fatal(err)
	}

	removed, err := w.ReclaimStale(observed)
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatalf("expected fresh lock to survive a stale sweep")
	}
	if locked, _ := w.IsLocked(); !locked {
		t.Fatalf("expected lock still held")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	w := NewWriter(afero.NewOsFs(), t.TempDir(), "/tmp/project")
	if err := w.UpdateLock(Lock{PID: deadPID(t)}); err != nil {
		t.Fatal(err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.AcquireLock(Lock{PID: os.Getpid()}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func TestUnparsableLockIsStale(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewWriter(fs, "/runtime", "/tmp/project")
	if err := WriteFileAtomic(fs, w.LockPath, []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	st, err := w.CheckLock()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Exists || st.Alive || st.Lock != nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := w.AcquireLock(Lock{PID: os.Getpid()}); err != nil {
		t.Fatalf("AcquireLock over corrupt lock: %v", err)
	}
}

// deadPID returns the pid of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	p, err := os.StartProcess("/bin/true", []string{"true"}, &os.ProcAttr{})
	if err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	if _, err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	return p.Pid
}
