package gc

import (
	"context"

	"github.com/projecteru2/vmcpd/lock"
)

// sweeper is a Module with its snapshot type erased, letting session-disk
// and future index modules sit in one Orchestrator.
type sweeper interface {
	label() string
	guard() lock.Locker
	capture(ctx context.Context) (any, error)
	orphans(snap any, all map[string]any) []string
	remove(ctx context.Context, ids []string) error
}
