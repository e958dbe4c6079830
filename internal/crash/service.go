// Package crash records abnormal worker exits and tracks worker liveness so
// a run can be resumed after the worker or the server dies.
package crash

import (
	"fmt"
	"sync"
	"time"

	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/tracker"
)

// CrashInfo is persisted once per abnormal exit and overwritten by the next.
type CrashInfo struct {
	ExitCode     *int         `json:"exitCode,omitempty"`
	Signal       string       `json:"signal,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	LastTask     string       `json:"lastTask"`
	PendingSpecs []string     `json:"pendingSpecs"`
	ErrorMessage string       `json:"errorMessage"`
	ErrorCode    execerr.Code `json:"errorCode"`
	ExecutionID  string       `json:"executionId,omitempty"`
	PhaseID      string       `json:"phaseId,omitempty"`
}

type RecoveryState struct {
	HasCrashState  bool                      `json:"hasCrashState"`
	CrashInfo      *CrashInfo                `json:"crashInfo"`
	ExecutionState *execstate.ExecutionState `json:"executionState"`
	CanResume      bool                      `json:"canResume"`
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.log = log.WithComponent("crash") }
}

type Service struct {
	files  *tracker.Writer
	states *execstate.Manager
	pub    events.Publisher
	now    func() time.Time
	log    *logger.Logger

	hbMu   sync.Mutex
	hbStop chan struct{}
	hbWG   sync.WaitGroup
}

func NewService(files *tracker.Writer, states *execstate.Manager, pub events.Publisher, opts ...Option) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	s := &Service{
		files:  files,
		states: states,
		pub:    pub,
		now:    time.Now,
		log:    logger.NewNoopLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandleProcessExit records a crash for any exit other than a clean zero.
// A zero exit returns nil and touches nothing.
func (s *Service) HandleProcessExit(exitCode *int, signal string) (*CrashInfo, error) {
	if signal == "" && exitCode != nil && *exitCode == 0 {
		return nil, nil
	}
	exit := Classify(exitCode, signal)
	return s.record(exit.Message(), execerr.CodeProcessCrashed, exitCode, signal)
}

// HandleHeartbeatLoss treats a silently vanished worker as a crash.
func (s *Service) HandleHeartbeatLoss() (*CrashInfo, error) {
	return s.record("Worker heartbeat lost", execerr.CodeHeartbeatLost, nil, "")
}

// HandleTimeout records a worker that was killed for exceeding its runtime.
func (s *Service) HandleTimeout(limit time.Duration) (*CrashInfo, error) {
	return s.record(fmt.Sprintf("Execution exceeded maximum runtime of %s", limit),
		execerr.CodeExecutionTimeout, nil, "SIGKILL")
}

func (s *Service) record(msg string, code execerr.Code, exitCode *int, signal string) (*CrashInfo, error) {
	info := &CrashInfo{
		ExitCode:     exitCode,
		Signal:       signal,
		Timestamp:    s.now().UTC(),
		PendingSpecs: []string{},
		ErrorMessage: msg,
		ErrorCode:    code,
	}
	st := s.states.State()
	if st != nil {
		info.ExecutionID = st.ExecutionID
		info.PhaseID = st.PhaseID
		info.PendingSpecs = st.PendingSpecs()
		if st.CurrentTask != nil {
			info.LastTask = st.CurrentTask.Description
		}
	}

	log := s.log.WithExecutionID(info.ExecutionID).WithPhaseID(info.PhaseID)
	// A run that already finished another way keeps its outcome.
	if st != nil {
		if _, err := s.states.SetStatus(execstate.StatusFailed, execerr.New(code, msg)); err != nil {
			log.WithError(err).Warn("crash not recorded: execution already finished",
				logger.F("status", string(st.Status)))
			return nil, err
		}
	}
	if err := s.files.WriteCrash(info); err != nil {
		return nil, execerr.Wrap(execerr.CodeInternal, err, "failed to persist crash info")
	}

	data := map[string]any{
		"error":        msg,
		"errorCode":    code,
		"resumable":    true,
		"pendingSpecs": info.PendingSpecs,
		"signal":       signal,
	}
	if exitCode != nil {
		data["exitCode"] = *exitCode
	}
	s.pub.PublishExecution(events.Failed, info.ExecutionID, info.PhaseID, data)

	log.Warn("worker crash recorded",
		logger.F("error_code", string(code)),
		logger.F("message", msg),
		logger.F("signal", signal),
		logger.F("pending_specs", len(info.PendingSpecs)))
	return info, nil
}

// GetRecoveryState combines the crash file with the persisted execution
// state. Resumability comes from the state, not from the crash file.
func (s *Service) GetRecoveryState() RecoveryState {
	rs := RecoveryState{ExecutionState: s.states.State()}

	var info CrashInfo
	ok, err := s.files.ReadCrash(&info)
	if err != nil {
		s.log.WithError(err).Warn("ignoring unreadable crash file")
	}
	if ok && err == nil {
		rs.HasCrashState = true
		rs.CrashInfo = &info
	}

	if rs.ExecutionState != nil {
		switch rs.ExecutionState.Status {
		case execstate.StatusFailed, execstate.StatusPaused, execstate.StatusStopped:
			rs.CanResume = true
		}
	}
	return rs
}

// ClearCrashState removes the crash file.
func (s *Service) ClearCrashState() error {
	if err := s.files.ClearCrash(); err != nil {
		return execerr.Wrap(execerr.CodeInternal, err, "failed to clear crash state")
	}
	return nil
}
