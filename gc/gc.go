// Package gc sweeps on-disk data that no index references any more, such
// as session disks left behind by a crash between download and commit.
package gc

import (
	"context"

	"github.com/projecteru2/vmcpd/lock"
)

// Module is one participant of a sweep. S is the snapshot type its ReadDB
// produces; the Orchestrator hands it back to Resolve unchanged.
type Module[S any] struct {
	Name string

	// Locker is held for the whole sweep. A busy lock aborts the run.
	Locker lock.Locker

	// ReadDB captures the index together with what is on disk. It runs with
	// Locker held and must not take it again.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the IDs to remove. others carries the snapshots of the
	// remaining modules, keyed by Name.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes ids. It runs with Locker held.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) label() string      { return m.Name }
func (m Module[S]) guard() lock.Locker { return m.Locker }

func (m Module[S]) capture(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

// orphans drops a snapshot of the wrong type instead of panicking.
func (m Module[S]) orphans(snap any, all map[string]any) []string {
	typed, ok := snap.(S)
	if !ok || m.Resolve == nil {
		return nil
	}
	return m.Resolve(typed, all)
}

func (m Module[S]) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 || m.Collect == nil {
		return nil
	}
	return m.Collect(ctx, ids)
}
