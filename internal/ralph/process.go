// Package ralph supervises the ralph worker process for one project: lock
// ownership, spawning, signals, exit handling and progress relay.
package ralph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chr1sbest/ralphd/internal/crash"
	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/preflight"
	"github.com/chr1sbest/ralphd/internal/procgroup"
	"github.com/chr1sbest/ralphd/internal/tracker"
)

const (
	EnvExecutionID = "RALPH_EXECUTION_ID"
	EnvPhaseID     = "RALPH_PHASE_ID"

	progressFileName = "progress.json"
)

var tracer = otel.Tracer("github.com/chr1sbest/ralphd/internal/ralph")

type Config struct {
	ProjectRoot       string
	MetadataDir       string
	Binary            string
	Args              []string
	SessionFlag       string
	MaxRuntime        time.Duration
	StopGracePeriod   time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	BroadcastInterval time.Duration
	WatchdogInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MetadataDir == "" {
		c.MetadataDir = ".ralph"
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 5 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 15 * time.Second
	}
	return c
}

// ProgressPath is where the worker reports progress.
func (c Config) ProgressPath() string {
	return filepath.Join(c.ProjectRoot, c.MetadataDir, progressFileName)
}

// Preflighter is the subset of preflight.Validator Start depends on.
type Preflighter interface {
	ValidateAll(ctx context.Context, phaseID string) preflight.Result
}

// HeartbeatBroadcaster drives execution:heartbeat to connected clients.
type HeartbeatBroadcaster interface {
	StartExecutionHeartbeat(interval time.Duration)
	StopExecutionHeartbeat()
}

type nopBroadcaster struct{}

func (nopBroadcaster) StartExecutionHeartbeat(time.Duration) {}
func (nopBroadcaster) StopExecutionHeartbeat()               {}

// Deps are the collaborators a Process is built from.
type Deps struct {
	Fs        afero.Fs
	Files     *tracker.Writer
	States    *execstate.Manager
	Preflight Preflighter
	Crash     *crash.Service
	Phases    PhaseSource
	Publisher events.Publisher
	Heartbeat HeartbeatBroadcaster
	Logger    *logger.Logger
}

type StartOptions struct {
	PhaseID   string `json:"phaseId"`
	Force     bool   `json:"force"`
	SessionID string `json:"sessionId"`
	Resume    bool   `json:"resume"`
}

type CleanupResult struct {
	WasOrphaned   bool             `json:"wasOrphaned"`
	PreviousState execstate.Status `json:"previousState,omitempty"`
}

// PreflightError carries the full preflight result of a rejected Start.
type PreflightError struct {
	Result preflight.Result
}

func (e *PreflightError) Error() string {
	return e.Result.Err().Error()
}

func (e *PreflightError) Unwrap() error {
	return e.Result.Err()
}

// run is the in-memory handle of a worker this process spawned.
type run struct {
	cmd         *exec.Cmd
	pid         int
	executionID string
	phaseID     string

	stopRequested atomic.Bool
	killRequested atomic.Bool
	timedOut      atomic.Bool

	timeout *time.Timer
	watcher *ProgressWatcher
	stdout  *os.File
	stderr  *os.File
	output  sync.WaitGroup
	done    chan struct{}
}

// Process supervises the worker for a single project root.
type Process struct {
	cfg       Config
	fs        afero.Fs
	files     *tracker.Writer
	states    *execstate.Manager
	preflight Preflighter
	crash     *crash.Service
	phases    PhaseSource
	pub       events.Publisher
	beats     HeartbeatBroadcaster
	log       *logger.Logger

	startMu sync.Mutex
	mu      sync.Mutex
	run     *run
	bg      sync.WaitGroup
}

func NewProcess(cfg Config, deps Deps) *Process {
	p := &Process{
		cfg:       cfg.withDefaults(),
		fs:        deps.Fs,
		files:     deps.Files,
		states:    deps.States,
		preflight: deps.Preflight,
		crash:     deps.Crash,
		phases:    deps.Phases,
		pub:       deps.Publisher,
		beats:     deps.Heartbeat,
		log:       deps.Logger,
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}
	if p.pub == nil {
		p.pub = events.Nop{}
	}
	if p.beats == nil {
		p.beats = nopBroadcaster{}
	}
	if p.log == nil {
		p.log = logger.NewNoopLogger()
	}
	p.log = p.log.WithComponent("ralph")
	return p
}

// Running reports whether this process holds an in-memory worker handle.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

// PID returns the pid of the supervised worker, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return 0
	}
	return p.run.pid
}

// Start validates the project, takes the lock and spawns the worker.
func (p *Process) Start(ctx context.Context, opts StartOptions) (*execstate.ExecutionState, error) {
	ctx, span := tracer.Start(ctx, "ralph.Start")
	span.SetAttributes(
		attribute.String("phase.id", opts.PhaseID),
		attribute.Bool("force", opts.Force),
		attribute.Bool("resume", opts.Resume),
	)
	defer span.End()

	st, err := p.start(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, execerr.MessageOf(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("execution.id", st.ExecutionID))
	return st, nil
}

func (p *Process) start(ctx context.Context, opts StartOptions) (*execstate.ExecutionState, error) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if _, err := p.CleanupOrphanedProcesses(); err != nil {
		p.log.WithError(err).Warn("orphan cleanup before start failed")
	}
	if err := p.ensureNotRunning(opts.Force); err != nil {
		return nil, err
	}

	spec, err := p.resolvePhase(opts)
	if err != nil {
		return nil, err
	}
	log := p.log.WithPhaseID(spec.PhaseID)

	if res := p.preflight.ValidateAll(ctx, spec.PhaseID); !res.Success {
		return nil, &PreflightError{Result: res}
	}

	spec.ExecutionID = tracker.NewExecutionID()
	release, err := p.files.AcquireLock(tracker.Lock{
		PID:         os.Getpid(),
		StartedAt:   time.Now().UTC(),
		PhaseID:     spec.PhaseID,
		ExecutionID: spec.ExecutionID,
	})
	if err != nil {
		if errors.Is(err, tracker.ErrLockHeld) {
			return nil, execerr.Wrap(execerr.CodeAlreadyRunning, err, "a worker is already running for this project")
		}
		return nil, execerr.Wrap(execerr.CodeInternal, err, "failed to acquire lock")
	}

	state, err := p.states.Create(spec)
	if err != nil {
		release()
		return nil, err
	}
	log = log.WithExecutionID(state.ExecutionID)

	if err := p.files.ClearStopRequest(); err != nil {
		log.WithError(err).Debug("could not clear previous stop request")
	}
	if err := p.fs.Remove(p.cfg.ProgressPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Debug("could not clear previous progress file")
	}

	r, err := p.spawn(state, opts.SessionID)
	if err != nil {
		release()
		cause := execerr.Wrap(execerr.CodeSpawnFailed, err, "failed to start worker: "+err.Error())
		if _, serr := p.states.SetStatus(execstate.StatusFailed, cause); serr != nil {
			log.WithError(serr).Warn("failed to record spawn failure")
		}
		p.pub.PublishExecution(events.Failed, state.ExecutionID, state.PhaseID, map[string]any{
			"error":     cause.Message,
			"errorCode": cause.Code,
			"resumable": false,
		})
		return nil, cause
	}

	lock := tracker.Lock{
		PID:         r.pid,
		StartedAt:   time.Now().UTC(),
		PhaseID:     state.PhaseID,
		ExecutionID: state.ExecutionID,
	}
	if err := p.files.UpdateLock(lock); err != nil {
		log.WithError(err).Error("failed to record worker pid in lock")
	}
	if err := p.files.WritePID(r.pid); err != nil {
		log.WithError(err).Error("failed to write pid file")
	}

	state, err = p.states.SetStatus(execstate.StatusRunning, nil)
	if err != nil {
		log.WithError(err).Error("failed to mark execution running")
		state = p.states.State()
	}
	if opts.Resume {
		if err := p.crash.ClearCrashState(); err != nil {
			log.WithError(err).Warn("failed to clear crash state after resume")
		}
	}

	p.crash.StartHeartbeatMonitoring(p.cfg.HeartbeatInterval)
	p.beats.StartExecutionHeartbeat(p.cfg.BroadcastInterval)

	p.mu.Lock()
	p.run = r
	p.mu.Unlock()

	p.startWatcher(r, log)
	if p.cfg.MaxRuntime > 0 {
		r.timeout = time.AfterFunc(p.cfg.MaxRuntime, func() {
			r.timedOut.Store(true)
			log.Warn("worker exceeded max runtime", logger.F("max_runtime", p.cfg.MaxRuntime.String()))
			_ = procgroup.Signal(r.pid, sigKill)
		})
	}

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		p.wait(r)
	}()

	p.pub.PublishExecution(events.Started, state.ExecutionID, state.PhaseID, map[string]any{
		"pid":        r.pid,
		"phaseTitle": state.PhaseTitle,
		"specs":      state.Specs,
		"resume":     opts.Resume,
		"sessionId":  opts.SessionID,
	})
	log.Info("worker started", logger.F("pid", r.pid), logger.F("resume", opts.Resume))
	return state, nil
}

func (p *Process) ensureNotRunning(force bool) error {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()

	st, err := p.files.CheckLock()
	if err != nil {
		return execerr.Wrap(execerr.CodeInternal, err, "failed to read lock")
	}
	held := r != nil || (st.Exists && st.Alive)
	if !held {
		return nil
	}
	if !force {
		pid := 0
		if st.Lock != nil {
			pid = st.Lock.PID
		}
		return execerr.Newf(execerr.CodeAlreadyRunning, "a worker is already running for this project (pid %d)", pid)
	}

	p.log.Warn("force start: killing current worker")
	p.ForceKill()
	if r != nil {
		select {
		case <-r.done:
		case <-time.After(p.cfg.StopGracePeriod):
			return execerr.New(execerr.CodeAlreadyRunning, "previous worker did not exit after SIGKILL")
		}
	}
	return nil
}

func (p *Process) resolvePhase(opts StartOptions) (execstate.PhaseSpec, error) {
	phaseID := opts.PhaseID
	var prev *execstate.ExecutionState
	if opts.Resume {
		rs := p.crash.GetRecoveryState()
		if rs.ExecutionState == nil || !rs.CanResume {
			return execstate.PhaseSpec{}, execerr.New(execerr.CodeNotResumable, "no resumable execution")
		}
		prev = rs.ExecutionState
		if phaseID == "" {
			phaseID = prev.PhaseID
		}
		if phaseID != prev.PhaseID {
			return execstate.PhaseSpec{}, execerr.Newf(execerr.CodeNotResumable,
				"cannot resume phase %s from an execution of %s", phaseID, prev.PhaseID)
		}
	}
	if phaseID == "" {
		return execstate.PhaseSpec{}, execerr.New(execerr.CodePhaseNotFound, "phaseId is required")
	}

	spec, err := p.phases.Phase(phaseID)
	if err != nil {
		return execstate.PhaseSpec{}, err
	}
	spec.SessionID = opts.SessionID
	if prev != nil {
		if spec.SessionID == "" {
			spec.SessionID = prev.SessionID
		}
		for i := range spec.Specs {
			if old, ok := prev.Spec(spec.Specs[i].ID); ok && old.Status.Done() {
				spec.Specs[i].Status = old.Status
			}
		}
	}
	return spec, nil
}

func (p *Process) spawn(state *execstate.ExecutionState, sessionID string) (*run, error) {
	args := append([]string{}, p.cfg.Args...)
	if sessionID != "" && p.cfg.SessionFlag != "" {
		args = append(args, p.cfg.SessionFlag, sessionID)
	}

	cmd := exec.Command(p.cfg.Binary, args...)
	cmd.Dir = p.cfg.ProjectRoot
	cmd.Env = append(os.Environ(),
		EnvExecutionID+"="+state.ExecutionID,
		EnvPhaseID+"="+state.PhaseID,
	)
	procgroup.Set(cmd)

	// Plain os.Pipe rather than StdoutPipe: cmd.Wait must not wait on readers,
	// since a background child of the worker can hold the write ends open.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = procgroup.Start(cmd)
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		return nil, err
	}

	r := &run{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		executionID: state.ExecutionID,
		phaseID:     state.PhaseID,
		stdout:      stdoutR,
		stderr:      stderrR,
		done:        make(chan struct{}),
	}
	r.output.Add(2)
	go p.relayOutput(r, stdoutR, "stdout")
	go p.relayOutput(r, stderrR, "stderr")
	return r, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Shutdown stops the worker gracefully and waits for background work, or
// until ctx ends.
func (p *Process) Shutdown(ctx context.Context) error {
	p.Stop()
	if err := p.Wait(ctx); err != nil {
		p.ForceKill()
		return err
	}
	return nil
}

// Wait blocks until stop escalation and exit handling started by this
// process have finished, or until ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
