package status

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chr1sbest/ralphd/internal/crash"
	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/execstate"
)

func sampleState() *execstate.ExecutionState {
	return &execstate.ExecutionState{
		Status:          execstate.StatusRunning,
		ExecutionID:     "01HZX",
		PhaseTitle:      "Auth",
		OverallProgress: 50,
		Specs: []execstate.SpecState{
			{SpecID: "s1", Title: "Login", Status: execstate.SpecCompleted, Progress: 100},
			{SpecID: "s2", Status: execstate.SpecRunning, Progress: 0},
		},
		CurrentTask: &execstate.CurrentTask{SpecID: "s2", TaskIndex: 0, Description: "write handler"},
		Metrics:     execstate.Metrics{CompletedSpecs: 1, TotalSpecs: 2, CompletedTasks: 3, TotalTasks: 6, ElapsedSeconds: 90},
	}
}

func TestLinesPlain(t *testing.T) {
	w := NewWithWriter(&bytes.Buffer{}).Plain()
	lines := w.Lines(sampleState())

	assert.Len(t, lines, 4)
	assert.Equal(t, "Auth running  01HZX", lines[0])
	assert.Contains(t, lines[1], strings.Repeat(barFilled, 10)+strings.Repeat(barEmpty, 10))
	assert.Contains(t, lines[1], " 50%")
	assert.Contains(t, lines[1], "1/2 specs, 3/6 tasks, 1m30s")
	assert.Contains(t, lines[2], "✓")
	assert.Contains(t, lines[2], "Login")
	assert.Contains(t, lines[3], "s2")
	assert.Contains(t, lines[3], "write handler")
}

func TestLinesFailedAndNil(t *testing.T) {
	w := NewWithWriter(&bytes.Buffer{}).Plain()
	st := sampleState()
	st.Status = execstate.StatusFailed
	st.Error = "Process was killed"
	st.ErrorCode = execerr.CodeProcessCrashed

	lines := w.Lines(st)
	assert.Equal(t, "✗ Process was killed (PROCESS_CRASHED)", lines[len(lines)-1])
	assert.Equal(t, []string{"No execution"}, w.Lines(nil))
}

func TestShowRewritesInPlace(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithWriter(&buf)

	w.Show(sampleState())
	w.Show(sampleState())

	out := buf.String()
	assert.Equal(t, 4, strings.Count(out, moveUp+clearLine), "second render clears the first")
	assert.Contains(t, out, green)
}

func TestProgressBarBounds(t *testing.T) {
	w := NewWithWriter(&bytes.Buffer{}).Plain()
	assert.Equal(t, strings.Repeat(barEmpty, barWidth), w.progressBar(-5))
	assert.Equal(t, strings.Repeat(barFilled, barWidth), w.progressBar(250))
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithWriter(&buf).Plain()

	w.Recovery(crash.RecoveryState{})
	assert.Contains(t, buf.String(), "No crash recorded")

	buf.Reset()
	w.Recovery(crash.RecoveryState{
		HasCrashState: true,
		CanResume:     true,
		CrashInfo: &crash.CrashInfo{
			ErrorMessage: "Process was killed",
			PhaseID:      "phase-1",
			Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			LastTask:     "write handler",
			PendingSpecs: []string{"s2", "s3"},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "✗ Process was killed")
	assert.Contains(t, out, "phase-1")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "write handler")
	assert.Contains(t, out, "s2, s3")
	assert.Contains(t, out, "Resumable")
}
