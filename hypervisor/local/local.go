package local

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/download"
	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/lock"
	"github.com/projecteru2/vmcpd/lock/flock"
	"github.com/projecteru2/vmcpd/progress"
	"github.com/projecteru2/vmcpd/storage"
	storejson "github.com/projecteru2/vmcpd/storage/json"
	"github.com/projecteru2/vmcpd/types"
	"github.com/projecteru2/vmcpd/utils"
)

const (
	typ     = "local"
	version = "1.0.0"

	readyPollInterval = 200 * time.Millisecond
)

// compile-time interface check.
var _ hypervisor.Hypervisor = (*Local)(nil)

// Local is a hypervisor backend that keeps session state in a JSON index on
// the local filesystem. It tracks lifecycle and credentials but does not run
// guests itself.
type Local struct {
	conf   *config.Config
	dl     download.Downloader
	store  storage.Store[hypervisor.SessionIndex]
	locker lock.Locker

	daemonNeeded atomic.Bool
}

// New creates a Local backend. dl fetches session disk images.
func New(conf *config.Config, dl download.Downloader) (*Local, error) {
	if err := utils.EnsureDirs(conf.SessionDir()); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	locker := flock.New(conf.SessionIndexLock())
	store := storejson.New[hypervisor.SessionIndex](conf.SessionIndexFile(), locker)
	return &Local{conf: conf, dl: dl, store: store, locker: locker}, nil
}

func (l *Local) Type() string { return typ }

func (l *Local) Version() string { return version }

// WaitTillReady polls until the session index can be locked, so a long
// operation of another process delays rather than fails a negotiation.
func (l *Local) WaitTillReady(ctx context.Context, task *progress.Task) error {
	task.Doing("Waiting for hypervisor")
	err := utils.WaitFor(ctx, l.conf.ReadyTimeout, readyPollInterval, func() (bool, error) {
		ok, err := l.locker.TryLock(ctx)
		if err != nil || !ok {
			return false, err
		}
		return true, l.locker.Unlock(ctx)
	})
	if err != nil {
		return types.WrapError(types.CodeUnsupported, "hypervisor not ready", err)
	}
	task.Complete("Hypervisor ready")
	return nil
}

// CheckDaemonNeed records whether any session is live and would need
// supervision by a long-running daemon.
func (l *Local) CheckDaemonNeed(ctx context.Context) error {
	live := 0
	if err := l.store.With(ctx, func(idx *hypervisor.SessionIndex) error {
		for _, rec := range idx.Sessions {
			if rec != nil && (rec.State == types.SessionStateRunning || rec.State == types.SessionStatePaused) {
				live++
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if prev := l.daemonNeeded.Swap(live > 0); prev != (live > 0) {
		log.WithFunc("local.CheckDaemonNeed").Infof(ctx, "supervision needed: %v (%d live sessions)", live > 0, live)
	}
	return nil
}

// DaemonNeeded reports the last CheckDaemonNeed result.
func (l *Local) DaemonNeeded() bool { return l.daemonNeeded.Load() }

// List returns all known sessions.
func (l *Local) List(ctx context.Context) ([]*types.SessionInfo, error) {
	var result []*types.SessionInfo
	return result, l.store.With(ctx, func(idx *hypervisor.SessionIndex) error {
		for _, id := range utils.SortedKeys(idx.Sessions) {
			if rec := idx.Sessions[id]; rec != nil {
				info := rec.SessionInfo
				result = append(result, &info)
			}
		}
		return nil
	})
}

// Delete removes sessions and their disks. The first error stops processing.
func (l *Local) Delete(ctx context.Context, refs []string) ([]string, error) {
	return forEachSession(ctx, refs, "Delete", false, func(ctx context.Context, ref string) error {
		var id string
		if err := l.store.Update(ctx, func(idx *hypervisor.SessionIndex) error {
			var err error
			if id, err = hypervisor.ResolveSessionRef(idx, ref); err != nil {
				return err
			}
			delete(idx.Names, idx.Sessions[id].Config.Name)
			delete(idx.Sessions, id)
			return nil
		}); err != nil {
			return err
		}
		if err := os.RemoveAll(l.conf.SessionDiskDir(id)); err != nil {
			return fmt.Errorf("remove disk dir: %w", err)
		}
		return nil
	})
}
