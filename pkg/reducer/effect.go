package reducer

import (
	"encoding/json"

	"github.com/vango-dev/approuter/pkg/cachetree"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/prefetch"
)

// Effect is a side effect requested by Reduce.
type Effect interface {
	effect()
}

// EffectFetch loads a patch for a navigation and reports it back with
// FetchResolved{Seq}.
type EffectFetch struct {
	Seq     uint64
	Request *flight.Request

	// Bypass skips the prefetch cache.
	Bypass bool
}

// EffectPrefetch stores a speculative fetch in the prefetch cache.
type EffectPrefetch struct {
	Request *flight.Request
	Kind    prefetch.Kind
}

// EffectServerAction calls a server action and reports back with
// ServerActionResolved{Seq}.
type EffectServerAction struct {
	Seq      uint64
	ActionID string
	Args     json.RawMessage
	Request  *flight.Request
}

// EffectClearPrefetch empties the prefetch cache.
type EffectClearPrefetch struct{}

// EffectResolve wakes the readers suspended on Deferred.
type EffectResolve struct {
	Deferred *cachetree.Deferred
	Err      error
}

func (EffectFetch) effect()         {}
func (EffectPrefetch) effect()      {}
func (EffectServerAction) effect()  {}
func (EffectClearPrefetch) effect() {}
func (EffectResolve) effect()       {}
