package reducer

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Action is an input of Reduce.
type Action interface {
	// Type returns the action name used in logs and metrics.
	Type() string
}

// Navigate moves to URL.
type Navigate struct {
	URL      *url.URL
	External bool
	History  HistoryType
	Scroll   bool

	// Now is the time used for prefetch TTL checks.
	Now time.Time
}

// Restore re-renders a history entry.
type Restore struct {
	URL  *url.URL
	Tree *routetree.Node
}

// Refresh re-fetches everything below the root layout.
type Refresh struct{}

// FastRefresh is Refresh for development tooling.
type FastRefresh struct{}

// ServerPatch applies a response pushed by the server for the current URL.
type ServerPatch struct {
	// PreviousTree is the tree the server computed the patch against. The
	// patch is dropped if the current tree differs.
	PreviousTree *routetree.Node

	Response             *flight.Response
	OverrideCanonicalURL *url.URL
}

// ServerAction invokes a server action.
type ServerAction struct {
	ID   string
	Args json.RawMessage
}

// Prefetch starts a speculative fetch.
type Prefetch struct {
	URL      *url.URL
	Kind     prefetch.Kind
	External bool
}

// FetchResolved reports the result of an EffectFetch.
type FetchResolved struct {
	Seq      uint64
	Response *flight.Response
	Err      error
}

// ServerActionResolved reports the result of an EffectServerAction.
type ServerActionResolved struct {
	Seq      uint64
	Response *flight.Response
	Err      error
}

func (Navigate) Type() string             { return "navigate" }
func (Restore) Type() string              { return "restore" }
func (Refresh) Type() string              { return "refresh" }
func (FastRefresh) Type() string          { return "fast-refresh" }
func (ServerPatch) Type() string          { return "server-patch" }
func (ServerAction) Type() string         { return "server-action" }
func (Prefetch) Type() string             { return "prefetch" }
func (FetchResolved) Type() string        { return "fetch-resolved" }
func (ServerActionResolved) Type() string { return "server-action-resolved" }
