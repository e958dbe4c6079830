package crash

import "time"

// StartHeartbeatMonitoring writes a heartbeat immediately and then every
// interval until StopHeartbeatMonitoring. A second call is a no-op.
func (s *Service) StartHeartbeatMonitoring(interval time.Duration) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	if s.hbStop != nil {
		return
	}
	s.beat()

	stop := make(chan struct{})
	s.hbStop = stop
	s.hbWG.Add(1)
	go func() {
		defer s.hbWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.beat()
			}
		}
	}()
}

func (s *Service) StopHeartbeatMonitoring() {
	s.hbMu.Lock()
	stop := s.hbStop
	s.hbStop = nil
	s.hbMu.Unlock()

	if stop != nil {
		close(stop)
		s.hbWG.Wait()
	}
}

// HeartbeatActive reports whether this process is currently writing
// heartbeats.
func (s *Service) HeartbeatActive() bool {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.hbStop != nil
}

// IsHeartbeatStale reports true when no heartbeat has been written or the
// last one is older than threshold.
func (s *Service) IsHeartbeatStale(threshold time.Duration) bool {
	t, ok, err := s.files.ReadHeartbeat()
	if err != nil {
		s.log.WithError(err).Warn("unreadable heartbeat file")
		return true
	}
	if !ok {
		return true
	}
	return s.now().Sub(t) > threshold
}

func (s *Service) beat() {
	if err := s.files.WriteHeartbeat(s.now()); err != nil {
		s.log.WithError(err).Warn("failed to write heartbeat")
	}
}
