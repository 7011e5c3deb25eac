package gc

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// Orchestrator runs a sweep across every registered module.
type Orchestrator struct {
	modules []sweeper
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds m to o. Methods cannot take type parameters, hence the
// package-level function.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run performs one sweep and returns the number of IDs collected.
//
// Every module lock is taken with TryLock up front and held until the end,
// so snapshot, resolve and collect see one consistent view. If any lock is
// busy nothing is collected: a negotiation may be writing a disk that its
// index entry does not name yet.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	logger := log.WithFunc("gc.Run")

	var locked []sweeper
	var busy []string
	defer func() {
		for _, m := range locked {
			m.guard().Unlock(ctx) //nolint:errcheck,gosec
		}
	}()
	for _, m := range o.modules {
		ok, err := m.guard().TryLock(ctx)
		switch {
		case err != nil:
			logger.Warnf(ctx, "skip %s: %v", m.label(), err)
			busy = append(busy, m.label())
		case !ok:
			logger.Warnf(ctx, "skip %s: lock held by another operation", m.label())
			busy = append(busy, m.label())
		default:
			locked = append(locked, m)
		}
	}
	if len(busy) > 0 {
		return 0, fmt.Errorf("gc aborted, busy: %s", strings.Join(busy, ", "))
	}

	snapshots := make(map[string]any, len(locked))
	for _, m := range locked {
		snap, err := m.capture(ctx)
		if err != nil {
			return 0, fmt.Errorf("gc aborted, snapshot %s: %w", m.label(), err)
		}
		snapshots[m.label()] = snap
	}

	collected := 0
	var errs []string
	for _, m := range locked {
		ids := m.orphans(snapshots[m.label()], snapshots)
		if len(ids) == 0 {
			continue
		}
		if err := m.remove(ctx, ids); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", m.label(), err))
			continue
		}
		logger.Infof(ctx, "%s: collected %d", m.label(), len(ids))
		collected += len(ids)
	}
	if len(errs) > 0 {
		return collected, fmt.Errorf("gc errors: %s", strings.Join(errs, "; "))
	}
	return collected, nil
}
