package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/types"
	"github.com/projecteru2/vmcpd/utils"
)

// forEachSession runs fn for each ref, collects successes, and logs failures.
// In bestEffort mode all refs are attempted; otherwise the first error stops
// processing. The returned slice is always valid, even when err != nil.
func forEachSession(ctx context.Context, refs []string, op string, bestEffort bool, fn func(context.Context, string) error) ([]string, error) {
	logger := log.WithFunc("local." + op)
	var succeeded []string
	var errs []error
	for _, ref := range refs {
		if err := fn(ctx, ref); err != nil {
			if !bestEffort {
				return succeeded, fmt.Errorf("%s session %s: %w", op, ref, err)
			}
			logger.Warnf(ctx, "%s session %s: %v", op, ref, err)
			errs = append(errs, fmt.Errorf("session %s: %w", ref, err))
			continue
		}
		succeeded = append(succeeded, ref)
	}
	return succeeded, errors.Join(errs...)
}

// loadRecord reads a detached copy of a session record under lock.
func (l *Local) loadRecord(ctx context.Context, id string) (hypervisor.SessionRecord, error) {
	var rec hypervisor.SessionRecord
	return rec, l.store.With(ctx, func(idx *hypervisor.SessionIndex) error {
		var err error
		if rec, err = utils.LookupCopy(idx.Sessions, id); err != nil {
			return hypervisor.ErrNotFound
		}
		return nil
	})
}

// transitions maps each action to the states it may be applied in and the
// resulting state.
var transitions = map[hypervisor.Action]struct {
	from []types.SessionState
	to   types.SessionState
}{
	hypervisor.ActionStart:     {[]types.SessionState{types.SessionStateCreated, types.SessionStateStopped, types.SessionStateSaved}, types.SessionStateRunning},
	hypervisor.ActionStop:      {[]types.SessionState{types.SessionStateRunning, types.SessionStatePaused}, types.SessionStateStopped},
	hypervisor.ActionPause:     {[]types.SessionState{types.SessionStateRunning}, types.SessionStatePaused},
	hypervisor.ActionResume:    {[]types.SessionState{types.SessionStatePaused}, types.SessionStateRunning},
	hypervisor.ActionHibernate: {[]types.SessionState{types.SessionStateRunning, types.SessionStatePaused}, types.SessionStateSaved},
	hypervisor.ActionReset:     {[]types.SessionState{types.SessionStateRunning}, types.SessionStateRunning},
}

// applyAction transitions session id under lock and returns the new state.
func (l *Local) applyAction(ctx context.Context, id string, action hypervisor.Action) (types.SessionState, error) {
	tr, ok := transitions[action]
	if !ok {
		return "", types.NewError(types.CodeUsageError, fmt.Sprintf("unknown action %q", action))
	}
	var state types.SessionState
	err := l.store.Update(ctx, func(idx *hypervisor.SessionIndex) error {
		rec := idx.Sessions[id]
		if rec == nil {
			return types.WrapError(types.CodeNotFound, "session "+id, hypervisor.ErrNotFound)
		}
		allowed := false
		for _, s := range tr.from {
			allowed = allowed || rec.State == s
		}
		if !allowed {
			return types.WrapError(types.CodeUsageError,
				fmt.Sprintf("%s session %s in state %s", action, id, rec.State), hypervisor.ErrInvalidTransition)
		}
		rec.State = tr.to
		rec.UpdatedAt = time.Now()
		state = rec.State
		return nil
	})
	return state, err
}
