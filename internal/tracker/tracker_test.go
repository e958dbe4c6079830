package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestWriterLayoutIsStablePerProject(t *testing.T) {
	a := NewWriter(afero.NewMemMapFs(), "/runtime", "/work/project")
	b := NewWriter(afero.NewMemMapFs(), "/runtime", "/work/project/")
	c := NewWriter(afero.NewMemMapFs(), "/runtime", "/work/other")

	if a.Dir != b.Dir {
		t.Fatalf("same project produced %q and %q", a.Dir, b.Dir)
	}
	if a.Dir == c.Dir {
		t.Fatalf("different projects share %q", a.Dir)
	}
	if got := filepath.Base(a.Dir); len(got) != 16 {
		t.Fatalf("hash dir %q, want 16 chars", got)
	}
	if !strings.HasPrefix(a.LockPath, filepath.Join("/runtime", "projects")) {
		t.Fatalf("lock path %q outside runtime dir", a.LockPath)
	}
}

func TestWriteFileAtomicWritesValidJSON(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	path := filepath.Join(dir, "nested", "progress.json")

	p := Progress{SpecID: "spec-1", TaskIndex: 2, CurrentTask: "Working", SpecProgress: 40}
	if err := WriteProgress(fs, path, p); err != nil {
		t.Fatalf("WriteProgress error: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if v["spec_id"] != "spec-1" {
		t.Fatalf("spec_id = %v", v["spec_id"])
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected temp file cleanup, found %d entries", len(entries))
	}

	got, ok, err := ReadProgress(fs, path)
	if err != nil || !ok || *got != p {
		t.Fatalf("ReadProgress = %+v, %v, %v", got, ok, err)
	}
}

func TestPIDHeartbeatAndCrashFiles(t *testing.T) {
	w := NewWriter(afero.NewMemMapFs(), "/runtime", "/work/project")

	if pid, err := w.ReadPID(); err != nil || pid != 0 {
		t.Fatalf("ReadPID on empty = %d, %v", pid, err)
	}
	if err := w.WritePID(4242); err != nil {
		t.Fatal(err)
	}
	if pid, _ := w.ReadPID(); pid != 4242 {
		t.Fatalf("ReadPID = %d", pid)
	}
	if err := w.RemovePID(); err != nil {
		t.Fatal(err)
	}
	if err := w.RemovePID(); err != nil {
		t.Fatalf("second RemovePID: %v", err)
	}

	if _, ok, _ := w.ReadHeartbeat(); ok {
		t.Fatalf("expected no heartbeat")
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := w.WriteHeartbeat(now); err != nil {
		t.Fatal(err)
	}
	if got, ok, err := w.ReadHeartbeat(); err != nil || !ok || !got.Equal(now) {
		t.Fatalf("ReadHeartbeat = %v, %v, %v", got, ok, err)
	}

	type record struct {
		Error string `json:"error"`
	}
	if err := w.WriteCrash(record{Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	var r record
	if ok, err := w.ReadCrash(&r); err != nil || !ok || r.Error != "boom" {
		t.Fatalf("ReadCrash = %+v, %v, %v", r, ok, err)
	}
	if err := w.ClearCrash(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := w.ReadCrash(&r); ok {
		t.Fatalf("crash file survived ClearCrash")
	}
}

func TestStopRequestIsPerExecution(t *testing.T) {
	w := NewWriter(afero.NewMemMapFs(), "/runtime", "/work/project")

	if w.StopRequested("01A") {
		t.Fatalf("stop requested before RequestStop")
	}
	if err := w.RequestStop("01A"); err != nil {
		t.Fatal(err)
	}
	if !w.StopRequested("01A") {
		t.Fatalf("StopRequested(01A) = false after RequestStop")
	}
	if w.StopRequested("01B") || w.StopRequested("") {
		t.Fatalf("stop request leaked to another execution")
	}
	if err := w.ClearStopRequest(); err != nil {
		t.Fatal(err)
	}
	if err := w.ClearStopRequest(); err != nil {
		t.Fatalf("second ClearStopRequest: %v", err)
	}
	if w.StopRequested("01A") {
		t.Fatalf("stop request survived ClearStopRequest")
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Fatalf("own pid reported dead")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Fatalf("non-positive pid reported alive")
	}
	if ProcessAlive(deadPID(t)) {
		t.Fatalf("exited pid reported alive")
	}
}

func TestNewExecutionIDSortable(t *testing.T) {
	a := NewExecutionID()
	time.Sleep(2 * time.Millisecond)
	b := NewExecutionID()
	if len(a) != 26 || a >= b {
		t.Fatalf("ids %q, %q not sortable", a, b)
	}
}
