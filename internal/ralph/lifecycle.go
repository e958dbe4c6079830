package ralph

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/procgroup"
	"github.com/chr1sbest/ralphd/internal/tracker"
)

const (
	sigKill = unix.SIGKILL
	sigTerm = unix.SIGTERM
	sigStop = unix.SIGSTOP
	sigCont = unix.SIGCONT

	foreignPollInterval = 100 * time.Millisecond
)

// Pause stops the worker's process group with SIGSTOP.
func (p *Process) Pause() bool {
	return p.toggle(execstate.StatusRunning, execstate.StatusPaused, sigStop, events.Paused)
}

// Resume continues a paused worker with SIGCONT.
func (p *Process) Resume() bool {
	return p.toggle(execstate.StatusPaused, execstate.StatusRunning, sigCont, events.Resumed)
}

func (p *Process) toggle(from, to execstate.Status, sig unix.Signal, event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.run
	if r == nil || r.stopRequested.Load() {
		return false
	}
	st := p.states.State()
	if st == nil || st.Status != from {
		return false
	}
	if err := procgroup.Signal(r.pid, sig); err != nil {
		p.log.WithError(err).Warn("failed to signal worker", logger.F("signal", procgroup.SignalName(sig)))
		return false
	}
	st, err := p.states.SetStatus(to, nil)
	if err != nil {
		p.log.WithError(err).Warn("failed to record status change", logger.F("status", string(to)))
		return false
	}
	p.pub.PublishExecution(event, st.ExecutionID, st.PhaseID, map[string]any{
		"status":          st.Status,
		"overallProgress": st.OverallProgress,
	})
	p.log.WithExecutionID(st.ExecutionID).Info("worker "+event, logger.F("pid", r.pid))
	return true
}

// Stop asks the worker to exit with SIGTERM and escalates to ForceKill after
// the grace period. It returns immediately.
func (p *Process) Stop() bool {
	_, span := tracer.Start(context.Background(), "ralph.Stop")
	defer span.End()

	p.mu.Lock()
	r := p.run
	p.mu.Unlock()

	if r == nil {
		return p.stopForeign()
	}
	if !r.stopRequested.CompareAndSwap(false, true) {
		return true
	}
	p.requestStop(r.executionID)

	if err := procgroup.Signal(r.pid, sigTerm); err != nil {
		p.log.WithError(err).Warn("failed to send SIGTERM")
	}
	// A stopped process only acts on SIGTERM once continued.
	_ = procgroup.Signal(r.pid, sigCont)
	p.log.WithExecutionID(r.executionID).Info("stop requested", logger.F("pid", r.pid))

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		select {
		case <-r.done:
		case <-time.After(p.cfg.StopGracePeriod):
			p.log.WithExecutionID(r.executionID).Warn("worker ignored SIGTERM, escalating to SIGKILL")
			p.ForceKill()
		}
	}()
	return true
}

// stopForeign stops a worker recorded in the lock that this process did not
// spawn, e.g. one left by a previous server instance.
func (p *Process) stopForeign() bool {
	st, err := p.files.CheckLock()
	if err != nil || !st.Exists || !st.Alive || st.Lock.PID == currentPID() {
		return false
	}
	pid := st.Lock.PID
	// The supervising server reads this when it reaps the worker.
	p.requestStop(st.Lock.ExecutionID)
	if err := procgroup.Signal(pid, sigTerm); err != nil {
		return false
	}
	_ = procgroup.Signal(pid, sigCont)
	p.log.Info("stop requested for unsupervised worker", logger.F("pid", pid))

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		deadline := time.Now().Add(p.cfg.StopGracePeriod)
		for time.Now().Before(deadline) {
			if !tracker.ProcessAlive(pid) {
				p.clearRuntimeFiles(pid)
				p.reloadAndMarkStopped()
				return
			}
			time.Sleep(foreignPollInterval)
		}
		p.ForceKill()
	}()
	return true
}

// ForceKill sends SIGKILL to the worker and always clears the lock and PID
// files. It reports whether a live process was signalled.
func (p *Process) ForceKill() bool {
	_, span := tracer.Start(context.Background(), "ralph.ForceKill")
	defer span.End()

	p.mu.Lock()
	r := p.run
	p.mu.Unlock()

	killed := false
	if r != nil {
		r.stopRequested.Store(true)
		r.killRequested.Store(true)
		if err := procgroup.Signal(r.pid, sigKill); err == nil {
			killed = true
		}
	}

	if st, err := p.files.CheckLock(); err == nil && st.Alive && st.Lock.PID != currentPID() {
		if r == nil || st.Lock.PID != r.pid {
			p.requestStop(st.Lock.ExecutionID)
			if err := procgroup.Signal(st.Lock.PID, sigKill); err == nil {
				killed = true
			}
		}
	}

	if err := p.files.RemoveLock(); err != nil {
		p.log.WithError(err).Warn("failed to remove lock file")
	}
	if err := p.files.RemovePID(); err != nil {
		p.log.WithError(err).Warn("failed to remove pid file")
	}

	if r == nil {
		p.stopHeartbeats()
		p.reloadAndMarkStopped()
	}
	p.log.Warn("force kill", logger.F("killed", killed))
	return killed
}

// IsLocked reports whether a live worker holds the project lock. A lock left
// by a dead process is reclaimed as a side effect.
func (p *Process) IsLocked() bool {
	st, err := p.files.CheckLock()
	if err != nil {
		p.log.WithError(err).Warn("failed to read lock")
		return false
	}
	if st.Exists && !st.Alive {
		if removed, err := p.files.ReclaimStale(st); err != nil {
			p.log.WithError(err).Warn("failed to reclaim stale lock")
		} else if removed {
			p.log.Info("reclaimed stale lock")
		}
		return false
	}
	return st.Exists && st.Alive
}

// CleanupOrphanedProcesses reconciles the files with reality after a server
// restart. Stale locks are reclaimed, a live worker nobody supervises is
// killed, and an active state without a worker is recorded as a heartbeat
// loss so it can be resumed.
func (p *Process) CleanupOrphanedProcesses() (CleanupResult, error) {
	var res CleanupResult
	if prev := p.states.State(); prev != nil {
		res.PreviousState = prev.Status
	}
	if p.Running() {
		return res, nil
	}

	st, err := p.files.CheckLock()
	if err != nil {
		return res, err
	}
	switch {
	case st.Exists && !st.Alive:
		if _, err := p.files.ReclaimStale(st); err != nil {
			return res, err
		}
		_ = p.files.RemovePID()
		res.WasOrphaned = true

	case st.Exists && st.Alive && st.Lock.PID != currentPID():
		if !p.crash.IsHeartbeatStale(p.cfg.StaleThreshold) {
			// Another server is supervising this worker.
			return res, nil
		}
		p.log.Warn("killing unsupervised worker", logger.F("pid", st.Lock.PID))
		_ = procgroup.Signal(st.Lock.PID, sigKill)
		p.clearRuntimeFiles(st.Lock.PID)
		res.WasOrphaned = true
	}

	if res.PreviousState.Active() && !p.IsLocked() {
		if _, err := p.crash.HandleHeartbeatLoss(); err != nil {
			return res, err
		}
		res.WasOrphaned = true
	}
	if res.WasOrphaned {
		p.log.Info("orphaned execution cleaned up", logger.F("previous_state", string(res.PreviousState)))
	}
	return res, nil
}

// clearRuntimeFiles removes lock and pid only while they still name pid.
func (p *Process) clearRuntimeFiles(pid int) {
	if st, err := p.files.CheckLock(); err == nil && st.Lock != nil && st.Lock.PID == pid {
		if _, err := p.files.ReclaimStale(st); err != nil {
			p.log.WithError(err).Warn("failed to remove lock file")
		}
	}
	if recorded, err := p.files.ReadPID(); err == nil && recorded == pid {
		_ = p.files.RemovePID()
	}
}

func (p *Process) markStopped() {
	st := p.states.State()
	if st == nil || !st.Status.Active() {
		return
	}
	st, err := p.states.SetStatus(execstate.StatusStopped, nil)
	if err != nil {
		p.log.WithError(err).Warn("failed to record stop")
		return
	}
	p.pub.PublishExecution(events.Stopped, st.ExecutionID, st.PhaseID, map[string]any{
		"overallProgress": st.OverallProgress,
		"pendingSpecs":    st.PendingSpecs(),
	})
}

// reloadAndMarkStopped marks a run stopped that another process may have
// finalized already.
func (p *Process) reloadAndMarkStopped() {
	if _, err := p.states.Load(); err != nil {
		p.log.WithError(err).Warn("failed to reload execution state")
	}
	p.markStopped()
}

func (p *Process) requestStop(executionID string) {
	if executionID == "" {
		return
	}
	if err := p.files.RequestStop(executionID); err != nil {
		p.log.WithError(err).Warn("failed to record stop request")
	}
}

func (p *Process) stopHeartbeats() {
	p.crash.StopHeartbeatMonitoring()
	p.beats.StopExecutionHeartbeat()
}
