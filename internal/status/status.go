// Package status renders execution state to a terminal.
package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chr1sbest/ralphd/internal/crash"
	"github.com/chr1sbest/ralphd/internal/execstate"
)

// ANSI escape codes
const (
	clearLine  = "\033[2K"
	moveUp     = "\033[A"
	moveToCol0 = "\r"
	reset      = "\033[0m"
	bold       = "\033[1m"
	dim        = "\033[2m"
	green      = "\033[32m"
	yellow     = "\033[33m"
	cyan       = "\033[36m"
	red        = "\033[31m"
)

// Progress bar characters
const (
	barFilled = "█"
	barEmpty  = "░"
	barWidth  = 20
)

// Writer handles in-place status updates to the terminal
type Writer struct {
	w            io.Writer
	mu           sync.Mutex
	linesWritten int
	plain        bool
}

// New creates a status writer that outputs to stdout
func New() *Writer {
	return &Writer{w: os.Stdout}
}

// NewWithWriter creates a status writer with a custom output
func NewWithWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Plain disables colors and in-place rewriting.
func (s *Writer) Plain() *Writer {
	s.plain = true
	return s
}

func (s *Writer) paint(code, text string) string {
	if s.plain || code == "" {
		return text
	}
	return code + text + reset
}

// Clear erases any previously written status lines
func (s *Writer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plain {
		s.linesWritten = 0
		return
	}
	for i := 0; i < s.linesWritten; i++ {
		fmt.Fprint(s.w, moveUp+clearLine)
	}
	fmt.Fprint(s.w, moveToCol0)
	s.linesWritten = 0
}

// Update clears previous status and writes new status
func (s *Writer) Update(lines ...string) {
	s.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
	s.linesWritten = len(lines)
}

// progressBar renders percent (0-100) as a fixed-width bar.
func (s *Writer) progressBar(percent int) string {
	filled := (percent * barWidth) / 100
	filled = max(0, min(filled, barWidth))
	return s.paint(green, strings.Repeat(barFilled, filled)) +
		s.paint(dim, strings.Repeat(barEmpty, barWidth-filled))
}

func statusColor(st execstate.Status) string {
	switch st {
	case execstate.StatusRunning, execstate.StatusCompleted:
		return green
	case execstate.StatusPaused, execstate.StatusStarting:
		return yellow
	case execstate.StatusFailed:
		return red
	default:
		return dim
	}
}

func specMarker(st execstate.SpecStatus) string {
	switch st {
	case execstate.SpecCompleted:
		return "✓"
	case execstate.SpecRunning:
		return "▸"
	case execstate.SpecFailed:
		return "✗"
	case execstate.SpecSkipped:
		return "-"
	default:
		return "·"
	}
}

// Lines renders an execution state. A nil state renders as idle.
func (s *Writer) Lines(st *execstate.ExecutionState) []string {
	if st == nil {
		return []string{s.paint(dim, "No execution")}
	}

	header := fmt.Sprintf("%s %s  %s",
		s.paint(bold, st.PhaseTitle),
		s.paint(statusColor(st.Status), string(st.Status)),
		s.paint(dim, st.ExecutionID))
	lines := []string{
		header,
		fmt.Sprintf("%s %3d%%  %s", s.progressBar(st.OverallProgress), st.OverallProgress,
			s.paint(dim, fmt.Sprintf("%d/%d specs, %d/%d tasks, %s",
				st.Metrics.CompletedSpecs, st.Metrics.TotalSpecs,
				st.Metrics.CompletedTasks, st.Metrics.TotalTasks,
				time.Duration(st.Metrics.ElapsedSeconds)*time.Second))),
	}

	for _, spec := range st.Specs {
		title := spec.Title
		if title == "" {
			title = spec.SpecID
		}
		line := fmt.Sprintf("  %s %s %3d%%  %s", specMarker(spec.Status), s.progressBar(spec.Progress), spec.Progress, title)
		if st.CurrentTask != nil && st.CurrentTask.SpecID == spec.SpecID && st.CurrentTask.Description != "" {
			line += "  " + s.paint(cyan, st.CurrentTask.Description)
		}
		lines = append(lines, line)
	}

	if st.Error != "" {
		lines = append(lines, s.paint(red+bold, fmt.Sprintf("✗ %s (%s)", st.Error, st.ErrorCode)))
	}
	return lines
}

// Show replaces the previous rendering with st.
func (s *Writer) Show(st *execstate.ExecutionState) {
	s.Update(s.Lines(st)...)
}

// Recovery prints a recovery report. It is not rewritten by later updates.
func (s *Writer) Recovery(rs crash.RecoveryState) {
	s.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rs.HasCrashState || rs.CrashInfo == nil {
		fmt.Fprintln(s.w, s.paint(green, "No crash recorded"))
		return
	}
	info := rs.CrashInfo
	fmt.Fprintln(s.w, s.paint(red+bold, fmt.Sprintf("✗ %s", info.ErrorMessage)))
	fmt.Fprintf(s.w, "  %s %s\n", s.paint(dim, "phase:"), info.PhaseID)
	fmt.Fprintf(s.w, "  %s %s\n", s.paint(dim, "at:"), info.Timestamp.Format(time.RFC3339))
	if info.LastTask != "" {
		fmt.Fprintf(s.w, "  %s %s\n", s.paint(dim, "last task:"), info.LastTask)
	}
	if len(info.PendingSpecs) > 0 {
		fmt.Fprintf(s.w, "  %s %s\n", s.paint(dim, "pending:"), strings.Join(info.PendingSpecs, ", "))
	}
	if rs.CanResume {
		fmt.Fprintln(s.w, s.paint(yellow, "Resumable: run `ralphd start --resume`"))
	}
}
