package negotiation

import (
	"sync"

	"github.com/projecteru2/vmcpd/types"
)

// Sink receives the outward events of one negotiation run. Exactly one of
// Failed or Succeeded is delivered per run, unless the run is abandoned
// because its context was cancelled, in which case neither is.
type Sink interface {
	Started()
	Progress(label string, percent float64)
	Failed(message string, code types.Code)
	Succeeded(message string, sessionID uint32)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	OnStarted   func()
	OnProgress  func(label string, percent float64)
	OnFailed    func(message string, code types.Code)
	OnSucceeded func(message string, sessionID uint32)
}

func (f SinkFuncs) Started() {
	if f.OnStarted != nil {
		f.OnStarted()
	}
}

func (f SinkFuncs) Progress(label string, percent float64) {
	if f.OnProgress != nil {
		f.OnProgress(label, percent)
	}
}

func (f SinkFuncs) Failed(message string, code types.Code) {
	if f.OnFailed != nil {
		f.OnFailed(message, code)
	}
}

func (f SinkFuncs) Succeeded(message string, sessionID uint32) {
	if f.OnSucceeded != nil {
		f.OnSucceeded(message, sessionID)
	}
}

// onceSink forwards to a Sink and drops everything after the first
// terminal event.
type onceSink struct {
	mu   sync.Mutex
	sink Sink
	done bool
	code types.Code
}

func (s *onceSink) Started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.sink.Started()
	}
}

func (s *onceSink) Progress(label string, percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.sink.Progress(label, percent)
	}
}

func (s *onceSink) Failed(message string, code types.Code) {
	if !s.finish(code) {
		return
	}
	s.sink.Failed(message, code)
}

func (s *onceSink) Succeeded(message string, sessionID uint32) {
	if !s.finish(types.CodeOK) {
		return
	}
	s.sink.Succeeded(message, sessionID)
}

func (s *onceSink) finish(code types.Code) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done, s.code = true, code
	return true
}

// outcome reports the terminal code, or false when none was delivered.
func (s *onceSink) outcome() (types.Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.done
}
