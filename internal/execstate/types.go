package execstate

import (
	"time"

	"github.com/chr1sbest/ralphd/internal/execerr"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible without Create.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether a worker is believed to own the execution.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPaused:
		return true
	}
	return false
}

type SpecStatus string

const (
	SpecPending   SpecStatus = "pending"
	SpecRunning   SpecStatus = "running"
	SpecCompleted SpecStatus = "completed"
	SpecFailed    SpecStatus = "failed"
	SpecSkipped   SpecStatus = "skipped"
)

// Done reports whether no further work remains for this entry.
func (s SpecStatus) Done() bool {
	return s == SpecCompleted || s == SpecSkipped
}

type SpecState struct {
	SpecID         string     `json:"specId"`
	Title          string     `json:"title"`
	Status         SpecStatus `json:"status"`
	Progress       int        `json:"progress"`
	TaskCount      int        `json:"taskCount"`
	CompletedTasks int        `json:"completedTasks"`
}

type CurrentTask struct {
	SpecID      string `json:"specId"`
	TaskIndex   int    `json:"taskIndex"`
	Description string `json:"description"`
}

type Metrics struct {
	StartedAt      time.Time `json:"startedAt"`
	ElapsedSeconds int64     `json:"elapsedSeconds"`
	CompletedSpecs int       `json:"completedSpecs"`
	TotalSpecs     int       `json:"totalSpecs"`
	CompletedTasks int       `json:"completedTasks"`
	TotalTasks     int       `json:"totalTasks"`
}

// ExecutionState is the single persisted record of the current (or last) run
// for a project.
type ExecutionState struct {
	Status          Status       `json:"status"`
	ExecutionID     string       `json:"executionId"`
	PhaseID         string       `json:"phaseId"`
	PhaseTitle      string       `json:"phaseTitle"`
	PhaseGoal       string       `json:"phaseGoal"`
	Specs           []SpecState  `json:"specs"`
	CurrentSpec     string       `json:"currentSpec,omitempty"`
	CurrentTask     *CurrentTask `json:"currentTask"`
	OverallProgress int          `json:"overallProgress"`
	Metrics         Metrics      `json:"metrics"`
	Error           string       `json:"error,omitempty"`
	ErrorCode       execerr.Code `json:"errorCode,omitempty"`
	SessionID       string       `json:"sessionId,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	FinishedAt      *time.Time   `json:"finishedAt,omitempty"`
}

// PendingSpecs returns the ids of specs that still need work.
func (s *ExecutionState) PendingSpecs() []string {
	out := []string{}
	for _, sp := range s.Specs {
		if !sp.Status.Done() {
			out = append(out, sp.SpecID)
		}
	}
	return out
}

// Spec returns the spec entry with the given id.
func (s *ExecutionState) Spec(specID string) (*SpecState, bool) {
	for i := range s.Specs {
		if s.Specs[i].SpecID == specID {
			return &s.Specs[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Specs = append([]SpecState(nil), s.Specs...)
	if s.CurrentTask != nil {
		t := *s.CurrentTask
		c.CurrentTask = &t
	}
	if s.FinishedAt != nil {
		f := *s.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// SpecDef describes one spec of a phase as it is handed to Create. Status may
// be set to carry completed specs over from a previous run.
type SpecDef struct {
	ID        string
	Title     string
	TaskCount int
	Status    SpecStatus
}

// PhaseSpec is everything Create needs to start a new execution.
type PhaseSpec struct {
	PhaseID     string
	Title       string
	Goal        string
	Specs       []SpecDef
	ExecutionID string
	SessionID   string
}
