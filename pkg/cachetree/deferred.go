package cachetree

import (
	"context"
	"sync"
)

// Deferred is the suspension handle of a pending cache node. It is resolved
// exactly once, when the fetch that will fill the node completes.
type Deferred struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewDeferred returns an unresolved handle.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve marks the fetch complete. A non-nil err is reported to every
// waiter. Later calls are ignored.
func (d *Deferred) Resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Done returns a channel closed on resolution.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Resolved reports whether Resolve has been called.
func (d *Deferred) Resolved() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution error. It is nil until the handle resolves.
func (d *Deferred) Err() error {
	if !d.Resolved() {
		return nil
	}
	return d.err
}

// Wait blocks until the handle resolves or ctx is done.
func (d *Deferred) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
