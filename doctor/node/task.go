package node

import (
	"context"

	"github.com/inconshreveable/log15"
)

// task is a handle on a long-lived duty loop. A nil task is a task that is
// not running.
type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// spawn runs fn until it returns or parent is cancelled. A panic in fn ends
// the task instead of the process.
func spawn(parent context.Context, name string, l log15.Logger, fn func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				l.Error("task crashed", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
	return t
}

func (t *task) Alive() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *task) Stop() {
	if t != nil {
		t.cancel()
	}
}

// Done is closed once the task has returned.
func (t *task) Done() <-chan struct{} {
	if t == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}
