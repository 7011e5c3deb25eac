package progress

import (
	"errors"
	"sync"

	"github.com/projecteru2/vmcpd/types"
)

// ErrInvalidState is returned when a task is reconfigured after work started.
var ErrInvalidState = errors.New("progress: invalid task state")

// Token identifies a registered listener; pass it to Unlisten to remove it.
type Token uint64

type listener struct {
	token   Token
	fn      func(Event)
	removed bool
}

// tree holds state shared by every task of one hierarchy.
// A single mutex guards all nodes so percentages fold over a consistent view.
type tree struct {
	mu        sync.Mutex
	nextToken Token
}

// Task is a node of a weighted progress tree. The parent owns its children;
// a child created with Begin consumes weight units of the parent's capacity
// and contributes its own completion fraction scaled by that weight.
type Task struct {
	tree   *tree
	parent *Task

	label  string
	weight int
	max    int
	done   int

	children  []*Task
	listeners []*listener

	finished bool
	failed   bool
}

// NewTask creates the root of a new progress tree.
func NewTask(label string) *Task {
	return &Task{tree: &tree{}, label: label, weight: 1}
}

// Label returns the task's label.
func (t *Task) Label() string { return t.label }

// SetMax fixes the unit capacity of t. It must be called before any child
// exists or any step was recorded; otherwise ErrInvalidState is returned.
func (t *Task) SetMax(n int) error {
	if t == nil {
		return nil
	}
	t.tree.mu.Lock()
	defer t.tree.mu.Unlock()
	if len(t.children) > 0 || t.done > 0 || t.finished || t.failed || n < 0 {
		return ErrInvalidState
	}
	t.max = n
	return nil
}

// Begin allocates a child consuming weight units of t's capacity and
// returns it for use as a sub-tracker. A task without SetMax sizes itself by
// its children's weights, so declare the capacity up front when percentages
// must never go backwards. A nil receiver returns a detached task
// so collaborators can be handed an optional tracker safely.
func (t *Task) Begin(label string, weight int) *Task {
	if t == nil {
		return NewTask(label)
	}
	if weight < 1 {
		weight = 1
	}
	t.tree.mu.Lock()
	child := &Task{tree: t.tree, parent: t, label: label, weight: weight}
	t.children = append(t.children, child)
	deliveries := child.collect(KindStarted, label, 0)
	t.tree.mu.Unlock()
	dispatch(t.tree, deliveries)
	return child
}

// Doing announces what t is currently working on without advancing it.
func (t *Task) Doing(label string) {
	t.emit(KindProgress, label, 0, nil)
}

// Done records one completed step of t's own capacity.
func (t *Task) Done(label string) {
	t.emit(KindProgress, label, 0, func(t *Task) {
		if t.max > 0 && t.used() < t.max {
			t.done++
		}
	})
}

// Complete marks t and all its unfinished descendants as finished.
func (t *Task) Complete(label string) {
	t.emit(KindCompleted, label, 0, func(t *Task) { t.finish() })
}

// Fail marks t as failed. Its completion fraction is frozen.
func (t *Task) Fail(label string, code types.Code) {
	t.emit(KindFailed, label, code, func(t *Task) { t.failed = true })
}

// Percent returns the completion of t in [0, 100], computed on demand.
func (t *Task) Percent() float64 {
	if t == nil {
		return 0
	}
	t.tree.mu.Lock()
	defer t.tree.mu.Unlock()
	return t.fraction() * 100
}

// Finished reports whether t was completed.
func (t *Task) Finished() bool {
	if t == nil {
		return false
	}
	t.tree.mu.Lock()
	defer t.tree.mu.Unlock()
	return t.finished
}

// Listen registers fn to receive events emitted by t and its descendants.
// Listeners run outside the tree lock and may call Unlisten, including on
// themselves.
func (t *Task) Listen(fn func(Event)) Token {
	if t == nil {
		return 0
	}
	t.tree.mu.Lock()
	defer t.tree.mu.Unlock()
	t.tree.nextToken++
	l := &listener{token: t.tree.nextToken, fn: fn}
	t.listeners = append(t.listeners, l)
	return l.token
}

// Unlisten removes the listener identified by tok. Events emitted after it
// returns never reach the listener. A delivery already past its removal check
// on another goroutine may still run once; Unlisten never waits for it.
func (t *Task) Unlisten(tok Token) bool {
	if t == nil {
		return false
	}
	t.tree.mu.Lock()
	defer t.tree.mu.Unlock()
	for i, l := range t.listeners {
		if l.token == tok {
			l.removed = true
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// emit applies mutate under the tree lock, snapshots the listeners to notify
// and dispatches outside the lock.
func (t *Task) emit(kind Kind, label string, code types.Code, mutate func(*Task)) {
	if t == nil {
		return
	}
	t.tree.mu.Lock()
	if t.finished || t.failed {
		t.tree.mu.Unlock()
		return
	}
	if mutate != nil {
		mutate(t)
	}
	if kind == KindProgress && t.max > 0 && t.fraction() >= 1 {
		t.finish()
		kind = KindCompleted
	}
	deliveries := t.collect(kind, label, code)
	t.tree.mu.Unlock()
	dispatch(t.tree, deliveries)
}

type delivery struct {
	l *listener
	e Event
}

// collect builds the delivery list root-to-leaf, in registration order
// within each node. Caller holds the tree lock.
func (t *Task) collect(kind Kind, label string, code types.Code) []delivery {
	var chain []*Task
	for n := t; n != nil; n = n.parent {
		chain = append(chain, n)
	}
	var out []delivery
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		if len(n.listeners) == 0 {
			continue
		}
		e := Event{Kind: kind, Label: label, Percent: n.fraction() * 100, Code: code, Depth: i}
		for _, l := range n.listeners {
			out = append(out, delivery{l: l, e: e})
		}
	}
	return out
}

// dispatch invokes each listener unless it was removed after the snapshot.
// The removed check is taken under the tree lock but the call is not, so a
// concurrent Unlisten can land between the two.
func dispatch(tr *tree, ds []delivery) {
	for _, d := range ds {
		tr.mu.Lock()
		removed := d.l.removed
		tr.mu.Unlock()
		if removed {
			continue
		}
		d.l.fn(d.e)
	}
}

// used returns the capacity units already accounted for by steps and children.
func (t *Task) used() int {
	n := t.done
	for _, c := range t.children {
		n += c.weight
	}
	return n
}

// fraction folds completion through children. Caller holds the tree lock.
func (t *Task) fraction() float64 {
	if t.finished {
		return 1
	}
	capacity := t.max
	if capacity <= 0 {
		for _, c := range t.children {
			capacity += c.weight
		}
	}
	if capacity <= 0 {
		return 0
	}
	sum := float64(t.done)
	for _, c := range t.children {
		sum += float64(c.weight) * c.fraction()
	}
	f := sum / float64(capacity)
	if f > 1 {
		f = 1
	}
	return f
}

func (t *Task) finish() {
	t.finished = true
	if t.max > 0 {
		t.done = t.max
	}
	for _, c := range t.children {
		if !c.finished && !c.failed {
			c.finish()
		}
	}
}
