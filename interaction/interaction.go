package interaction

import (
	"context"
	"sync"
)

// Result is the tri-state answer to a prompt. Values match the wire
// protocol of interactionCallback.
type Result int

const (
	ResultUndefined Result = 0
	ResultOK        Result = 1
	ResultCancel    Result = 2

	// resultNotAgain is a flag some clients OR into the answer.
	resultNotAgain Result = 4
)

// Normalize strips client-side flags and maps unknown values to Undefined.
func Normalize(r Result) Result {
	switch r &^ resultNotAgain {
	case ResultOK:
		return ResultOK
	case ResultCancel:
		return ResultCancel
	default:
		return ResultUndefined
	}
}

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultCancel:
		return "cancel"
	default:
		return "undefined"
	}
}

// UserInteraction asks a human to confirm or acknowledge something. Every
// method blocks until an answer arrives or ctx is done, in which case it
// returns ResultUndefined and ctx.Err().
type UserInteraction interface {
	Confirm(ctx context.Context, title, message string) (Result, error)
	Alert(ctx context.Context, title, message string) (Result, error)
	License(ctx context.Context, title, text string) (Result, error)
	LicenseURL(ctx context.Context, title, url string) (Result, error)
}

// Slot holds at most one outstanding prompt. Installing a new prompt
// answers the previous one with ResultCancel.
type Slot struct {
	mu      sync.Mutex
	pending chan Result
}

// Install registers a new outstanding prompt and returns the channel its
// answer will be delivered on. The channel receives exactly one value
// unless the prompt is abandoned.
func (s *Slot) Install() <-chan Result {
	ch := make(chan Result, 1)
	s.mu.Lock()
	prev := s.pending
	s.pending = ch
	s.mu.Unlock()
	if prev != nil {
		prev <- ResultCancel
	}
	return ch
}

// Resolve answers the outstanding prompt. It reports false when nothing is
// pending.
func (s *Slot) Resolve(r Result) bool {
	s.mu.Lock()
	ch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- r
	return true
}

// Cancel answers the outstanding prompt, if any, with ResultCancel.
func (s *Slot) Cancel() bool { return s.Resolve(ResultCancel) }

// Abandon forgets ch if it is still the outstanding prompt.
func (s *Slot) Abandon(ch <-chan Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && (<-chan Result)(s.pending) == ch {
		s.pending = nil
	}
}

// Pending reports whether a prompt is outstanding.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Wait blocks for the answer on ch. When ctx ends first the prompt is
// abandoned.
func (s *Slot) Wait(ctx context.Context, ch <-chan Result) (Result, error) {
	select {
	case r := <-ch:
		return Normalize(r), nil
	case <-ctx.Done():
		s.Abandon(ch)
		return ResultUndefined, ctx.Err()
	}
}
