package local

import (
	"context"
	"errors"
	"os"

	"github.com/projecteru2/vmcpd/gc"
	"github.com/projecteru2/vmcpd/hypervisor"
)

// diskSnapshot pairs the indexed session IDs with the disk directories found
// on disk.
type diskSnapshot struct {
	sessions map[string]struct{}
	dirs     []string
}

// GCModule sweeps disk directories of sessions that are no longer indexed.
func (l *Local) GCModule() gc.Module[diskSnapshot] {
	return gc.Module[diskSnapshot]{
		Name:   typ,
		Locker: l.locker,
		ReadDB: func(context.Context) (diskSnapshot, error) {
			snap := diskSnapshot{sessions: map[string]struct{}{}}
			if err := l.store.Read(func(idx *hypervisor.SessionIndex) error {
				for id := range idx.Sessions {
					snap.sessions[id] = struct{}{}
				}
				return nil
			}); err != nil {
				return snap, err
			}
			entries, err := os.ReadDir(l.conf.SessionDisksDir())
			if err != nil && !os.IsNotExist(err) {
				return snap, err
			}
			for _, e := range entries {
				if e.IsDir() {
					snap.dirs = append(snap.dirs, e.Name())
				}
			}
			return snap, nil
		},
		Resolve: func(snap diskSnapshot, _ map[string]any) []string {
			var orphans []string
			for _, dir := range snap.dirs {
				if _, ok := snap.sessions[dir]; !ok {
					orphans = append(orphans, dir)
				}
			}
			return orphans
		},
		Collect: func(_ context.Context, ids []string) error {
			var errs []error
			for _, id := range ids {
				if err := os.RemoveAll(l.conf.SessionDiskDir(id)); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC adds the disk sweeper to o.
func (l *Local) RegisterGC(o *gc.Orchestrator) { gc.Register(o, l.GCModule()) }
