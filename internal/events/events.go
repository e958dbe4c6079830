// Package events names the execution broadcast families and the publisher
// the lifecycle components emit through.
package events

const (
	ChannelExecution = "phase:execution"

	Started   = "started"
	Progress  = "progress"
	Paused    = "paused"
	Resumed   = "resumed"
	Stopped   = "stopped"
	Completed = "completed"
	Failed    = "failed"
	Log       = "log"
)

// Type returns the wire message type for an execution event.
func Type(event string) string {
	return ChannelExecution + ":" + event
}

// Publisher fans execution events out to subscribed clients.
type Publisher interface {
	PublishExecution(event, executionID, phaseID string, data map[string]any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishExecution(string, string, string, map[string]any) {}

// Recorder keeps published events in memory, for tests.
type Recorder struct {
	ch chan Record
}

type Record struct {
	Event       string
	ExecutionID string
	PhaseID     string
	Data        map[string]any
}

func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan Record, 256)}
}

func (r *Recorder) PublishExecution(event, executionID, phaseID string, data map[string]any) {
	select {
	case r.ch <- Record{Event: event, ExecutionID: executionID, PhaseID: phaseID, Data: data}:
	default:
	}
}

// Events returns the channel published records are delivered on.
func (r *Recorder) Events() <-chan Record {
	return r.ch
}
