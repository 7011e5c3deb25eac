package progress

import "github.com/projecteru2/vmcpd/types"

// Kind is the lifecycle stage an Event reports.
type Kind int

const (
	KindStarted   Kind = iota // a task was begun
	KindProgress              // a task is doing something or advanced a step
	KindCompleted             // a task consumed its whole capacity
	KindFailed                // a task failed; Code carries the reason
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindProgress:
		return "progress"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to every listener registered on the emitting task or
// one of its ancestors. Percent is the completion of the task the listener
// is registered on, not of the emitter.
type Event struct {
	Kind    Kind
	Label   string
	Percent float64
	Code    types.Code
	// Depth is the emitter's distance from the listening task.
	Depth int
}
