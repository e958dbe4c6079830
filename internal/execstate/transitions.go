package execstate

var transitions = map[Status][]Status{
	StatusIdle:     {StatusStarting},
	StatusStarting: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:  {StatusPaused, StatusStopped, StatusCompleted, StatusFailed},
	StatusPaused:   {StatusRunning, StatusStopped, StatusFailed},
}

// CanTransition reports whether from → to is allowed. Re-entering the same
// status is always allowed so callers can refresh error details.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
