package hypervisor

import (
	"context"
	"errors"

	"github.com/projecteru2/vmcpd/progress"
	"github.com/projecteru2/vmcpd/types"
)

var (
	// ErrNotFound is returned when a session ref does not exist in the index.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned when an action does not apply to the
	// session's current state.
	ErrInvalidTransition = errors.New("action not valid in current state")
)

// Validation is the outcome of checking VMCP credentials against an
// existing session.
type Validation int

const (
	// ValidationNew means no session of that name exists yet.
	ValidationNew Validation = iota
	// ValidationValid means the session exists and the secret matches.
	ValidationValid
	// ValidationBadPassword means the session exists with another secret.
	ValidationBadPassword
)

func (v Validation) String() string {
	switch v {
	case ValidationNew:
		return "new"
	case ValidationValid:
		return "valid"
	case ValidationBadPassword:
		return "bad-password"
	default:
		return "unknown"
	}
}

// Action is a lifecycle command forwarded to an open session.
type Action string

const (
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionHibernate Action = "hibernate"
	ActionReset     Action = "reset"
)

// Actions lists every Action in a stable order.
var Actions = []Action{ActionStart, ActionStop, ActionPause, ActionResume, ActionHibernate, ActionReset}

// Session is an open handle on a hypervisor session.
type Session interface {
	ID() string
	Name() string
	// Update refreshes the handle's view of the session state.
	Update(ctx context.Context) error
	State() types.SessionState
	Control(ctx context.Context, action Action) error
	// Close releases the handle; a running session is stopped.
	Close(ctx context.Context) error
}

// Hypervisor creates and resumes sessions. Each backend implements this
// interface.
type Hypervisor interface {
	Type() string
	Version() string

	// WaitTillReady blocks until the backend can serve SessionOpen, reporting
	// progress on task.
	WaitTillReady(ctx context.Context, task *progress.Task) error
	SessionValidate(ctx context.Context, payload types.Payload) (Validation, error)
	SessionOpen(ctx context.Context, payload types.Payload, task *progress.Task) (Session, error)
	// CheckDaemonNeed re-evaluates whether background supervision is needed
	// after the session set changed.
	CheckDaemonNeed(ctx context.Context) error

	List(ctx context.Context) ([]*types.SessionInfo, error)
	Delete(ctx context.Context, refs []string) ([]string, error)
}
