package reducer

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/vango-dev/approuter/pkg/cachetree"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// NavigationMode tells the rendering layer how to proceed.
type NavigationMode int

const (
	// ModeSPA renders the tree and cache of the state.
	ModeSPA NavigationMode = iota
	// ModeFullReload is terminal: the host must load ReloadURL as a full
	// document. No further actions are reduced.
	ModeFullReload
)

// String returns the mode name.
func (m NavigationMode) String() string {
	if m == ModeFullReload {
		return "full-reload"
	}
	return "spa"
}

// HistoryType selects how a navigation is recorded.
type HistoryType int

const (
	HistoryPush HistoryType = iota
	HistoryReplace
)

// String returns "push" or "replace".
func (h HistoryType) String() string {
	if h == HistoryReplace {
		return "replace"
	}
	return "push"
}

// PushRef carries the history instructions of the last commit.
type PushRef struct {
	// PendingPush asks the history synchronizer to add an entry.
	PendingPush bool

	// MPANavigation asks the host to leave the application.
	MPANavigation bool
}

// FocusAndScroll tells the rendering layer what to scroll into view after
// the commit.
type FocusAndScroll struct {
	Apply          bool
	OnlyHashChange bool
	HashFragment   string

	// SegmentPaths are the paths of the subtrees that changed.
	SegmentPaths [][]routetree.Segment
}

// PendingKind identifies the action that issued an outstanding fetch.
type PendingKind int

const (
	PendingNavigate PendingKind = iota
	PendingRestore
	PendingRefresh
)

// String returns the kind name.
func (k PendingKind) String() string {
	switch k {
	case PendingRestore:
		return "restore"
	case PendingRefresh:
		return "refresh"
	default:
		return "navigate"
	}
}

// Pending is the outstanding fetch of the latest navigation.
type Pending struct {
	Seq     uint64
	Kind    PendingKind
	URL     *url.URL
	History HistoryType
	Scroll  bool

	// Deferred suspends the nodes committed optimistically for this fetch.
	// Nil when nothing was committed yet.
	Deferred *cachetree.Deferred
}

// Committed reports whether the navigation has already been committed.
func (p *Pending) Committed() bool {
	return p.Kind != PendingNavigate || p.Deferred != nil
}

// Lookup gives the reducer read access to the prefetch cache.
type Lookup interface {
	Lookup(key prefetch.Key, now time.Time) *prefetch.Entry
}

// State is the router state.
type State struct {
	Tree  *routetree.Node
	Cache *cachetree.Node

	// Prefetch is consulted by navigations. It is never written through the
	// reducer; writes are effects.
	Prefetch Lookup

	PushRef        PushRef
	FocusAndScroll FocusAndScroll

	// URL is the canonical location of the committed state.
	URL *url.URL

	// NextURL is the path of the committed location, sent with fetches.
	NextURL string

	Mode      NavigationMode
	ReloadURL *url.URL

	// Pending is the outstanding navigation fetch, if any.
	Pending *Pending

	// Seq is the last sequence number issued.
	Seq uint64

	// Dev enables development-only actions.
	Dev bool
}

// Init is the state created at mount from the server-rendered page.
type Init struct {
	URL      *url.URL
	Tree     *routetree.Node
	Rendered *flight.Rendered
	Head     json.RawMessage
	Prefetch Lookup
	Dev      bool
}

// NewState builds the initial state.
func NewState(init Init) State {
	u := flight.CanonicalURL(init.URL, false)
	return State{
		Tree:     init.Tree,
		Cache:    cachetree.Initial(init.Tree, init.Rendered, init.Head),
		Prefetch: init.Prefetch,
		URL:      u,
		NextURL:  u.Path,
		Dev:      init.Dev,
	}
}

// CanonicalURL returns the href of the committed location.
func (s State) CanonicalURL() string {
	return flight.CreateHref(s.URL)
}

// request builds a fetch request against the committed tree.
func (s State) request(u *url.URL, tree *routetree.Node) *flight.Request {
	return &flight.Request{URL: u, Tree: tree, NextURL: s.NextURL}
}
