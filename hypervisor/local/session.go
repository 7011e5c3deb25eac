package local

import (
	"context"
	"errors"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/types"
)

// compile-time interface check.
var _ hypervisor.Session = (*session)(nil)

type session struct {
	backend *Local
	id      string
	name    string

	mu     sync.Mutex
	state  types.SessionState
	closed bool
}

func (s *session) ID() string   { return s.id }
func (s *session) Name() string { return s.name }

func (s *session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update reloads the session state from the index.
func (s *session) Update(ctx context.Context) error {
	rec, err := s.backend.loadRecord(ctx, s.id)
	if err != nil {
		return types.WrapError(types.CodeNotFound, "update session "+s.id, err)
	}
	s.mu.Lock()
	s.state = rec.State
	s.mu.Unlock()
	return nil
}

// Control applies action to the session.
func (s *session) Control(ctx context.Context, action hypervisor.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.CodeNotFound, "session "+s.id+" is closed")
	}
	state, err := s.backend.applyAction(ctx, s.id, action)
	if err != nil {
		return err
	}
	s.state = state
	log.WithFunc("local.Control").Infof(ctx, "session %s: %s -> %s", s.id, action, state)
	return nil
}

// Close stops a live session and invalidates the handle. Closing twice is
// a no-op.
func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	state, err := s.backend.applyAction(ctx, s.id, hypervisor.ActionStop)
	switch {
	case errors.Is(err, hypervisor.ErrInvalidTransition), errors.Is(err, hypervisor.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	s.state = state
	return nil
}
