package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSuperseded is the result of a transition replaced by a newer one before
// it completed.
var ErrSuperseded = errors.New("router: transition superseded")

// Transition tracks one user-initiated state change until nothing it started
// is pending.
type Transition struct {
	// ID identifies the transition in logs and middleware.
	ID string

	// Action is the type of the action that started it.
	Action string

	// Started is when the transition was created.
	Started time.Time

	done chan struct{}
	once sync.Once
	err  error

	// actionSeq is the sequence of an unanswered server action call.
	// Owned by the router goroutine.
	actionSeq uint64
}

func newTransition(action string, now time.Time) *Transition {
	return &Transition{
		ID:      uuid.NewString(),
		Action:  action,
		Started: now,
		done:    make(chan struct{}),
	}
}

func (t *Transition) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed when the transition completes.
func (t *Transition) Done() <-chan struct{} {
	return t.done
}

// Err returns the result of a completed transition, or nil while it runs.
func (t *Transition) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the transition completes or ctx is done.
func (t *Transition) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Superseded reports whether a newer transition replaced t.
func (t *Transition) Superseded() bool {
	return errors.Is(t.Err(), ErrSuperseded)
}
