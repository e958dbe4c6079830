package execstate

import (
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/tracker"
)

// TerminalHook is called with a snapshot after the state enters a terminal
// status.
type TerminalHook func(ExecutionState)

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) { m.log = log.WithComponent("execstate") }
}

func WithTerminalHook(h TerminalHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, h) }
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager owns the execution-state file for one project. Every mutation is
// serialized by mu and persisted before the call returns.
type Manager struct {
	fs    afero.Fs
	path  string
	now   func() time.Time
	newID func() string
	log   *logger.Logger
	hooks []TerminalHook

	mu     sync.Mutex
	state  *ExecutionState
	loaded bool
}

func NewManager(fs afero.Fs, path string, opts ...Option) *Manager {
	m := &Manager{
		fs:    fs,
		path:  path,
		now:   time.Now,
		newID: tracker.NewExecutionID,
		log:   logger.NewNoopLogger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Path returns the location of the persisted state file.
func (m *Manager) Path() string {
	return m.path
}

// Create starts a new execution in the starting status. An idle or terminal
// state is superseded; an active one is a conflict.
func (m *Manager) Create(spec PhaseSpec) (*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	if m.state != nil && m.state.Status.Active() {
		return nil, execerr.Newf(execerr.CodeStateConflict,
			"execution %s is %s", m.state.ExecutionID, m.state.Status)
	}

	now := m.now()
	id := spec.ExecutionID
	if id == "" {
		id = m.newID()
	}
	specs := make([]SpecState, 0, len(spec.Specs))
	for _, d := range spec.Specs {
		st := SpecState{
			SpecID:    d.ID,
			Title:     d.Title,
			Status:    SpecPending,
			TaskCount: d.TaskCount,
		}
		if d.Status.Done() {
			st.Status = d.Status
			st.Progress = 100
			st.CompletedTasks = d.TaskCount
		}
		specs = append(specs, st)
	}

	next := &ExecutionState{
		Status:      StatusStarting,
		ExecutionID: id,
		PhaseID:     spec.PhaseID,
		PhaseTitle:  spec.Title,
		PhaseGoal:   spec.Goal,
		Specs:       specs,
		SessionID:   spec.SessionID,
		Metrics:     Metrics{StartedAt: now},
	}
	recompute(next, now)

	if err := m.persist(next); err != nil {
		return nil, err
	}
	m.log.WithExecutionID(id).WithPhaseID(spec.PhaseID).Info("execution state created",
		logger.F("specs", len(specs)))
	return next.Clone(), nil
}

// Load reads the state from disk and replaces the cache. It returns nil when
// no state has ever been written.
func (m *Manager) Load() (*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return nil, err
	}
	return m.snapshot(), nil
}

// State returns a copy of the cached state with metrics recomputed, or nil.
func (m *Manager) State() *ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		if err := m.load(); err != nil {
			m.log.WithError(err).Warn("failed to load execution state")
		}
	}
	return m.snapshot()
}

// SetStatus moves the state to status. cause is recorded only for failed.
func (m *Manager) SetStatus(status Status, cause *execerr.Error) (*ExecutionState, error) {
	var terminal *ExecutionState
	st, err := m.mutate(func(s *ExecutionState, now time.Time) error {
		if !CanTransition(s.Status, status) {
			return execerr.Newf(execerr.CodeInvalidTransition,
				"cannot transition from %s to %s", s.Status, status)
		}
		prev := s.Status
		s.Status = status
		s.Error, s.ErrorCode = "", ""

		switch status {
		case StatusCompleted:
			for i := range s.Specs {
				if !s.Specs[i].Status.Done() {
					s.Specs[i].Status = SpecCompleted
					s.Specs[i].Progress = 100
					s.Specs[i].CompletedTasks = s.Specs[i].TaskCount
				}
			}
			s.CurrentTask = nil
		case StatusFailed:
			for i := range s.Specs {
				if s.Specs[i].Status == SpecRunning {
					s.Specs[i].Status = SpecFailed
				}
			}
			if cause != nil {
				s.Error = cause.Message
				s.ErrorCode = cause.Code
			} else {
				s.Error = "Execution failed"
				s.ErrorCode = execerr.CodeInternal
			}
		}
		if status.Terminal() {
			if s.FinishedAt == nil || prev != status {
				f := now
				s.FinishedAt = &f
			}
			terminal = s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if terminal != nil {
		for _, h := range m.hooks {
			h(*st.Clone())
		}
	}
	return st, nil
}

// SetCurrentTask records the task the worker is on. Tasks before taskIndex in
// the same spec are counted as done.
func (m *Manager) SetCurrentTask(specID string, taskIndex int, description string) (*ExecutionState, error) {
	return m.mutate(func(s *ExecutionState, _ time.Time) error {
		sp, ok := s.Spec(specID)
		if !ok {
			return execerr.Newf(execerr.CodeStateConflict, "unknown spec %q", specID)
		}
		if taskIndex < 0 {
			taskIndex = 0
		}
		if sp.Status == SpecPending {
			sp.Status = SpecRunning
		}
		done := taskIndex
		if sp.TaskCount > 0 {
			done = min(done, sp.TaskCount)
		}
		sp.CompletedTasks = max(sp.CompletedTasks, done)
		if sp.TaskCount > 0 {
			sp.Progress = max(sp.Progress, min(100, sp.CompletedTasks*100/sp.TaskCount))
		}
		s.CurrentSpec = specID
		s.CurrentTask = &CurrentTask{SpecID: specID, TaskIndex: taskIndex, Description: description}
		return nil
	})
}

// UpdateSpec sets a spec's status and progress.
func (m *Manager) UpdateSpec(specID string, status SpecStatus, progress int) (*ExecutionState, error) {
	return m.mutate(func(s *ExecutionState, _ time.Time) error {
		sp, ok := s.Spec(specID)
		if !ok {
			return execerr.Newf(execerr.CodeStateConflict, "unknown spec %q", specID)
		}
		if status != "" {
			sp.Status = status
		}
		sp.Progress = max(0, min(100, progress))
		if sp.Status == SpecCompleted {
			sp.Progress = 100
			sp.CompletedTasks = sp.TaskCount
		}
		if sp.Status == SpecRunning {
			s.CurrentSpec = specID
		}
		return nil
	})
}

func (m *Manager) mutate(fn func(*ExecutionState, time.Time) error) (*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	if m.state == nil {
		return nil, execerr.New(execerr.CodeNotRunning, "no execution state")
	}

	now := m.now()
	next := m.state.Clone()
	if err := fn(next, now); err != nil {
		return nil, err
	}
	recompute(next, now)
	if next.OverallProgress < m.state.OverallProgress && next.Status != StatusCompleted {
		next.OverallProgress = m.state.OverallProgress
	}
	if err := m.persist(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (m *Manager) ensureLoaded() error {
	if m.loaded {
		return nil
	}
	return m.load()
}

func (m *Manager) load() error {
	var s ExecutionState
	ok, err := tracker.ReadJSON(m.fs, m.path, &s)
	if err != nil {
		return execerr.Wrap(execerr.CodeInternal, err, "failed to read execution state")
	}
	m.loaded = true
	if !ok {
		m.state = nil
		return nil
	}
	m.state = &s
	return nil
}

func (m *Manager) persist(next *ExecutionState) error {
	next.UpdatedAt = m.now()
	if err := tracker.WriteJSONAtomic(m.fs, m.path, next); err != nil {
		return execerr.Wrap(execerr.CodeInternal, err, "failed to persist execution state")
	}
	m.state = next
	m.loaded = true
	return nil
}

func (m *Manager) snapshot() *ExecutionState {
	if m.state == nil {
		return nil
	}
	c := m.state.Clone()
	recomputeMetrics(c, m.now())
	return c
}

func recompute(s *ExecutionState, now time.Time) {
	recomputeMetrics(s, now)
	if s.Status == StatusCompleted {
		s.OverallProgress = 100
		return
	}
	s.OverallProgress = min(overall(s.Specs), 99)
}

func overall(specs []SpecState) int {
	if len(specs) == 0 {
		return 0
	}
	total := 0
	for _, sp := range specs {
		if sp.Status.Done() {
			total += 100
			continue
		}
		total += sp.Progress
	}
	return total / len(specs)
}

func recomputeMetrics(s *ExecutionState, now time.Time) {
	mt := &s.Metrics
	mt.TotalSpecs = len(s.Specs)
	mt.CompletedSpecs, mt.TotalTasks, mt.CompletedTasks = 0, 0, 0
	for _, sp := range s.Specs {
		if sp.Status == SpecCompleted {
			mt.CompletedSpecs++
		}
		mt.TotalTasks += sp.TaskCount
		mt.CompletedTasks += sp.CompletedTasks
	}
	end := now
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	if !mt.StartedAt.IsZero() && end.After(mt.StartedAt) {
		mt.ElapsedSeconds = int64(end.Sub(mt.StartedAt) / time.Second)
	} else {
		mt.ElapsedSeconds = 0
	}
}

func (s Status) String() string {
	return string(s)
}

