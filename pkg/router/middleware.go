package router

import (
	"context"

	"github.com/vango-dev/approuter/pkg/reducer"
)

// ReduceFunc computes the next state for an action.
type ReduceFunc func(ctx context.Context, s reducer.State, a reducer.Action) (reducer.State, []reducer.Effect)

// Middleware wraps a ReduceFunc. Middleware runs on the router goroutine and
// must not block.
type Middleware func(next ReduceFunc) ReduceFunc

func reduce(_ context.Context, s reducer.State, a reducer.Action) (reducer.State, []reducer.Effect) {
	return reducer.Reduce(s, a)
}

// Chain composes middleware around final. Middleware is executed in order
// (first to last), with final at the end.
func Chain(final ReduceFunc, mw ...Middleware) ReduceFunc {
	chain := final
	for i := len(mw) - 1; i >= 0; i-- {
		chain = mw[i](chain)
	}
	return chain
}

type transitionKey struct{}

// TransitionID returns the id of the transition an action belongs to, or ""
// for actions dispatched outside a transition.
func TransitionID(ctx context.Context) string {
	id, _ := ctx.Value(transitionKey{}).(string)
	return id
}

func withTransitionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, transitionKey{}, id)
}
