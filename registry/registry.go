package registry

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"slices"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmcpd/hypervisor"
)

// ErrNilSession is returned by Store when no session handle is given.
var ErrNilSession = errors.New("registry: nil session")

// Owner identifies the connection or caller that opened a session.
type Owner string

// Record is a live session handed out to a caller.
type Record struct {
	ID      uint32
	Owner   Owner
	Session hypervisor.Session
}

// Registry maps numeric session IDs to open hypervisor sessions.
// IDs are non-negative 31-bit values so they survive signed 32-bit transports.
type Registry struct {
	mu      sync.RWMutex
	records map[uint32]*Record
	nextID  func() uint32
}

// Option customises a Registry.
type Option func(*Registry)

// WithIDSource replaces the random ID generator.
func WithIDSource(fn func() uint32) Option {
	return func(r *Registry) { r.nextID = fn }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{records: map[uint32]*Record{}, nextID: randomID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func randomID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return binary.LittleEndian.Uint32(b[:])
}

// Store registers session under a fresh ID unique among live records.
// Zero is never issued.
func (r *Registry) Store(owner Owner, session hypervisor.Session) (*Record, error) {
	if session == nil {
		return nil, ErrNilSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var id uint32
	for {
		id = r.nextID() & 0x7fffffff
		if _, taken := r.records[id]; id != 0 && !taken {
			break
		}
	}
	rec := &Record{ID: id, Owner: owner, Session: session}
	r.records[id] = rec
	return rec, nil
}

// Lookup returns the live record with id.
func (r *Registry) Lookup(id uint32) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Release removes the record with id and closes its session.
func (r *Registry) Release(ctx context.Context, id uint32) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()
	if ok {
		closeSession(ctx, rec)
	}
	return ok
}

// ReleaseAll removes every record of owner, closes their sessions outside
// the lock and returns how many were released.
func (r *Registry) ReleaseAll(ctx context.Context, owner Owner) int {
	r.mu.Lock()
	var released []*Record
	for id, rec := range r.records {
		if rec.Owner == owner {
			released = append(released, rec)
			delete(r.records, id)
		}
	}
	r.mu.Unlock()
	for _, rec := range released {
		closeSession(ctx, rec)
	}
	return len(released)
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// List returns all live records ordered by ID.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Record) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func closeSession(ctx context.Context, rec *Record) {
	if err := rec.Session.Close(ctx); err != nil {
		log.WithFunc("registry.closeSession").Warnf(ctx, "close session %d (%s): %v", rec.ID, rec.Session.Name(), err)
	}
}
