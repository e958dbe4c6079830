package ralph

import (
	"bufio"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/procgroup"
)

const (
	maxLogLine         = 1024 * 1024
	outputDrainTimeout = 2 * time.Second
)

func currentPID() int {
	return os.Getpid()
}

// wait blocks until the worker exits, then finalizes state and releases the
// lock. It is the only place a supervised run ends.
func (p *Process) wait(r *run) {
	err := r.cmd.Wait()
	if r.timeout != nil {
		r.timeout.Stop()
	}

	exitCode, signal := exitStatus(r.cmd.ProcessState)
	log := p.log.WithExecutionID(r.executionID).WithPhaseID(r.phaseID)

	// Children the worker left behind would keep its output pipes open.
	if err := procgroup.KillGroup(r.pid); err == nil {
		log.Debug("killed leftover worker processes", logger.F("pgid", r.pid))
	}
	p.drainOutput(r, log)
	log.Info("worker exited",
		logger.F("pid", r.pid),
		logger.F("exit_code", exitCode),
		logger.F("signal", signal),
		logger.F("wait_error", errString(err)))

	if r.watcher != nil {
		r.watcher.Stop()
	}
	p.stopHeartbeats()

	switch {
	case r.timedOut.Load():
		if _, err := p.crash.HandleTimeout(p.cfg.MaxRuntime); err != nil {
			log.WithError(err).Error("failed to record timeout")
		}
	case r.stopRequested.Load() || p.files.StopRequested(r.executionID):
		p.markStopped()
	case signal == "" && exitCode != nil && *exitCode == 0:
		p.markCompleted(log)
	default:
		if _, err := p.crash.HandleProcessExit(exitCode, signal); err != nil {
			log.WithError(err).Error("failed to record crash")
		}
	}

	p.clearRuntimeFiles(r.pid)
	if err := p.files.ClearStopRequest(); err != nil {
		log.WithError(err).Warn("failed to clear stop request")
	}

	p.mu.Lock()
	if p.run == r {
		p.run = nil
	}
	p.mu.Unlock()
	close(r.done)
}

// drainOutput waits for the output relays to reach end of file. Pipes still
// held open after outputDrainTimeout are closed from this side.
func (p *Process) drainOutput(r *run, log *logger.Logger) {
	drained := make(chan struct{})
	go func() {
		r.output.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(outputDrainTimeout):
		log.Warn("worker output still open after exit, closing pipes")
		closeAll(r.stdout, r.stderr)
		<-drained
	}
}

func (p *Process) markCompleted(log *logger.Logger) {
	st, err := p.states.SetStatus(execstate.StatusCompleted, nil)
	if err != nil {
		log.WithError(err).Error("failed to record completion")
		return
	}
	p.pub.PublishExecution(events.Completed, st.ExecutionID, st.PhaseID, map[string]any{
		"overallProgress": st.OverallProgress,
		"metrics":         st.Metrics,
	})
}

// relayOutput broadcasts each worker output line as a log event.
func (p *Process) relayOutput(r *run, rd io.ReadCloser, stream string) {
	defer r.output.Done()
	defer rd.Close()

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		line := sc.Text()
		p.log.Debug("worker output", logger.F("stream", stream), logger.F("line", line))
		p.pub.PublishExecution(events.Log, r.executionID, r.phaseID, map[string]any{
			"stream": stream,
			"line":   line,
		})
	}
	if err := sc.Err(); err != nil {
		p.log.WithError(err).Debug("worker output read error", logger.F("stream", stream))
		_, _ = io.Copy(io.Discard, rd)
	}
}

// exitStatus decodes a finished process into an exit code or a signal name.
func exitStatus(ps *os.ProcessState) (*int, string) {
	if ps == nil {
		return nil, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return nil, procgroup.SignalName(unix.Signal(ws.Signal()))
	}
	code := ps.ExitCode()
	if code < 0 {
		return nil, ""
	}
	return &code, ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
