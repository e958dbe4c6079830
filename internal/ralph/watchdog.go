package ralph

import (
	"context"
	"time"

	"github.com/chr1sbest/ralphd/internal/logger"
)

// Watch runs the liveness watchdog until ctx ends.
func (p *Process) Watch(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckLiveness()
		}
	}
}

// CheckLiveness catches a worker that died without this process observing
// its exit: the state says active, no live process holds the lock, and the
// heartbeat has gone stale. It reports whether a heartbeat loss was recorded.
func (p *Process) CheckLiveness() bool {
	if !p.startMu.TryLock() {
		return false
	}
	defer p.startMu.Unlock()

	if p.Running() {
		return false
	}
	st := p.states.State()
	if st == nil || !st.Status.Active() {
		return false
	}
	if p.IsLocked() || !p.crash.IsHeartbeatStale(p.cfg.StaleThreshold) {
		return false
	}

	p.log.WithExecutionID(st.ExecutionID).Warn("worker heartbeat lost",
		logger.F("status", string(st.Status)))
	if _, err := p.crash.HandleHeartbeatLoss(); err != nil {
		p.log.WithError(err).Error("failed to record heartbeat loss")
		return false
	}
	return true
}
