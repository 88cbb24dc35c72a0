package reducer

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	rerrors "github.com/vango-dev/approuter/internal/errors"
	"github.com/vango-dev/approuter/pkg/cachetree"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Reduce returns the state that follows s after a, and the effects the
// caller must run. Actions are passed by value.
//
// FastRefresh panics with a coded error when s.Dev is false. Once s.Mode is
// ModeFullReload every other action is ignored.
func Reduce(s State, a Action) (State, []Effect) {
	if _, ok := a.(FastRefresh); ok && !s.Dev {
		panic(rerrors.New("E103").WithDetail("FastRefresh was dispatched to a router that is not in development mode"))
	}
	if s.Mode == ModeFullReload {
		return s, nil
	}

	switch a := a.(type) {
	case Navigate:
		return navigate(s, a, true)
	case FetchResolved:
		return fetchResolved(s, a)
	case Restore:
		return restore(s, a)
	case Refresh, FastRefresh:
		return refresh(s)
	case ServerPatch:
		return serverPatch(s, a)
	case ServerAction:
		return serverAction(s, a)
	case ServerActionResolved:
		return serverActionResolved(s, a)
	case Prefetch:
		return prefetchURL(s, a)
	default:
		panic(fmt.Sprintf("reducer: unknown action %T", a))
	}
}

// PushConsumed returns s with the pending push cleared. The history
// synchronizer calls it after writing the entry.
func (s State) PushConsumed() State {
	s.PushRef.PendingPush = false
	return s
}

// =============================================================================
// Navigation
// =============================================================================

func navigate(s State, a Navigate, usePrefetch bool) (State, []Effect) {
	if a.URL == nil {
		return s, nil
	}
	if a.External {
		return fullReload(s, a.URL, a.History, nil)
	}

	target := flight.CanonicalURL(a.URL, false)
	effects := supersede(&s)

	if flight.OnlyHashChange(s.URL, target) {
		s.URL = target
		s.PushRef = PushRef{PendingPush: a.History == HistoryPush}
		s.FocusAndScroll = FocusAndScroll{Apply: a.Scroll, OnlyHashChange: true, HashFragment: target.Fragment}
		return s, effects
	}

	s.Seq++
	req := s.request(target, s.Tree)
	nav := &Pending{Seq: s.Seq, Kind: PendingNavigate, URL: target, History: a.History, Scroll: a.Scroll}

	if usePrefetch {
		if e := s.lookup(target, prefetch.Full, a); e != nil {
			resp, _, _ := e.Result()
			return applyResponse(s, nav, resp, effects)
		}
		if e := s.lookup(target, prefetch.Auto, a); e != nil {
			resp, _, _ := e.Result()
			if resp.Redirect != "" || !resp.TreeOnly() {
				return applyResponse(s, nav, resp, effects)
			}

			// Commit the route tree now; the rendered output follows.
			d := cachetree.NewDeferred()
			tree, cache, err := cachetree.MergeAll(s.Tree, s.Cache, resp.Patches, d)
			if err != nil {
				return fullReload(s, target, a.History, effects)
			}
			s = commit(s, nav, tree, cache, canonical(resp, target), resp.Patches)
			nav.Deferred = d
			s.Pending = nav
			return s, append(effects, EffectFetch{Seq: nav.Seq, Request: req})
		}
	}

	s.Pending = nav
	return s, append(effects, EffectFetch{Seq: nav.Seq, Request: req})
}

func (s State) lookup(u *url.URL, kind prefetch.Kind, a Navigate) *prefetch.Entry {
	if s.Prefetch == nil {
		return nil
	}
	e := s.Prefetch.Lookup(prefetch.KeyOf(u, kind), a.Now)
	if e == nil || !e.Ready() || !e.Reusable(s.Tree) {
		return nil
	}
	return e
}

func fetchResolved(s State, a FetchResolved) (State, []Effect) {
	p := s.Pending
	if p == nil || p.Seq != a.Seq {
		return s, nil
	}
	s.Pending = nil

	if a.Err != nil {
		if p.Deferred != nil && !forcesReload(a.Err) {
			// The committed subtree surfaces the error; siblings are unaffected.
			return s, []Effect{EffectResolve{Deferred: p.Deferred, Err: a.Err}}
		}
		var effects []Effect
		if p.Deferred != nil {
			effects = append(effects, EffectResolve{Deferred: p.Deferred, Err: a.Err})
		}
		return fullReload(s, p.URL, p.History, effects)
	}

	var effects []Effect
	if p.Deferred != nil {
		effects = append(effects, EffectResolve{Deferred: p.Deferred})
	}
	return applyResponse(s, p, a.Response, effects)
}

// applyResponse merges a rendered response for the navigation p.
func applyResponse(s State, p *Pending, resp *flight.Response, effects []Effect) (State, []Effect) {
	if resp == nil {
		return fullReload(s, p.URL, p.History, effects)
	}
	if resp.Redirect != "" {
		u, err := flight.Resolve(resp.Redirect, p.URL)
		if err != nil {
			return fullReload(s, p.URL, p.History, effects)
		}
		next, more := navigate(s, Navigate{URL: u, External: flight.IsExternal(u, p.URL), History: p.History, Scroll: p.Scroll}, false)
		return next, append(effects, more...)
	}

	tree, cache, err := cachetree.MergeAll(s.Tree, s.Cache, resp.Patches, nil)
	if err != nil {
		return fullReload(s, p.URL, p.History, effects)
	}

	if p.Committed() {
		s.Tree, s.Cache = tree, cache
		if p.Kind == PendingNavigate {
			s.URL = canonical(resp, p.URL)
			s.NextURL = s.URL.Path
		}
		s.FocusAndScroll = FocusAndScroll{}
		return s, effects
	}
	return commit(s, p, tree, cache, canonical(resp, p.URL), resp.Patches), effects
}

// commit installs the result of a navigation.
func commit(s State, p *Pending, tree *routetree.Node, cache *cachetree.Node, u *url.URL, patches []flight.Patch) State {
	s.Tree, s.Cache = tree, cache
	s.URL = u
	s.NextURL = u.Path
	s.PushRef = PushRef{PendingPush: p.History == HistoryPush}
	s.FocusAndScroll = FocusAndScroll{
		Apply:        p.Scroll,
		HashFragment: u.Fragment,
		SegmentPaths: segmentPaths(patches),
	}
	return s
}

// canonical returns the URL to show after applying resp for target.
func canonical(resp *flight.Response, target *url.URL) *url.URL {
	if resp == nil || resp.CanonicalURL == "" {
		return target
	}
	u, err := flight.Resolve(resp.CanonicalURL, target)
	if err != nil {
		return target
	}
	u = flight.CanonicalURL(u, false)
	if u.Fragment == "" {
		u.Fragment = target.Fragment
	}
	return u
}

func segmentPaths(patches []flight.Patch) [][]routetree.Segment {
	if len(patches) == 0 {
		return nil
	}
	out := make([][]routetree.Segment, 0, len(patches))
	for _, p := range patches {
		path := make([]routetree.Segment, 0, len(p.Path))
		for _, step := range p.Path {
			path = append(path, step.Segment)
		}
		out = append(out, path)
	}
	return out
}

// supersede drops the outstanding fetch. Readers suspended on nodes it
// committed are woken; those nodes then read as stale.
func supersede(s *State) []Effect {
	p := s.Pending
	s.Pending = nil
	if p == nil || p.Deferred == nil {
		return nil
	}
	return []Effect{EffectResolve{Deferred: p.Deferred}}
}

func fullReload(s State, u *url.URL, h HistoryType, effects []Effect) (State, []Effect) {
	effects = append(effects, supersede(&s)...)
	s.Mode = ModeFullReload
	s.ReloadURL = u
	s.PushRef = PushRef{MPANavigation: true, PendingPush: h == HistoryPush}
	return s, effects
}

// Abandon drops the outstanding navigation of s and loads its URL as a new
// document. It leaves s unchanged when nothing is pending.
func Abandon(s State) (State, []Effect) {
	p := s.Pending
	if p == nil {
		return s, nil
	}
	return fullReload(s, p.URL, p.History, nil)
}

// forcesReload reports whether a fetch error abandons the navigation instead
// of surfacing in the committed subtree.
func forcesReload(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, flight.ErrTreeMismatch) ||
		errors.Is(err, flight.ErrUnavailable) ||
		rerrors.CodeOf(err) == "E105"
}

// =============================================================================
// Restore / Refresh
// =============================================================================

func restore(s State, a Restore) (State, []Effect) {
	effects := supersede(&s)
	if a.Tree == nil || a.URL == nil {
		return fullReload(s, a.URL, HistoryReplace, effects)
	}

	u := flight.CanonicalURL(a.URL, false)
	s.Tree = a.Tree
	s.Cache = cachetree.Restore(s.Cache, a.Tree)
	s.URL = u
	s.NextURL = u.Path
	s.PushRef = PushRef{}
	s.FocusAndScroll = FocusAndScroll{}

	if len(cachetree.LazyPaths(s.Tree, s.Cache)) == 0 {
		return s, effects
	}

	s.Seq++
	s.Pending = &Pending{Seq: s.Seq, Kind: PendingRestore, URL: u, History: HistoryReplace}
	req := s.request(u, cachetree.MarkRefetch(s.Tree, s.Cache))
	return s, append(effects, EffectFetch{Seq: s.Seq, Request: req, Bypass: true})
}

func refresh(s State) (State, []Effect) {
	effects := supersede(&s)
	effects = append(effects, EffectClearPrefetch{})
	if s.Tree == nil {
		return s, effects
	}

	d := cachetree.NewDeferred()
	s.Cache = cachetree.InvalidateBelowRoot(s.Tree, s.Cache, d)
	s.FocusAndScroll = FocusAndScroll{}
	s.Seq++
	s.Pending = &Pending{Seq: s.Seq, Kind: PendingRefresh, URL: s.URL, History: HistoryReplace, Deferred: d}

	req := s.request(s.URL, refetchBelowRoot(s.Tree))
	return s, append(effects, EffectFetch{Seq: s.Seq, Request: req, Bypass: true})
}

func refetchBelowRoot(tree *routetree.Node) *routetree.Node {
	out := tree
	for _, slot := range tree.SlotNames() {
		out = out.WithSlot(slot, tree.Slots[slot].WithRefetch(true))
	}
	return out
}

// =============================================================================
// Server patches and actions
// =============================================================================

func serverPatch(s State, a ServerPatch) (State, []Effect) {
	resp := a.Response
	if resp == nil {
		return s, nil
	}
	if a.PreviousTree != nil && s.Tree != nil && a.PreviousTree.Fingerprint() != s.Tree.Fingerprint() {
		return s, nil
	}
	if resp.Redirect != "" {
		u, err := flight.Resolve(resp.Redirect, s.URL)
		if err != nil {
			return s, nil
		}
		return navigate(s, Navigate{URL: u, External: flight.IsExternal(u, s.URL), History: HistoryReplace}, false)
	}

	tree, cache, err := cachetree.MergeAll(s.Tree, s.Cache, resp.Patches, nil)
	if err != nil {
		return fullReload(s, s.URL, HistoryReplace, nil)
	}
	s.Tree, s.Cache = tree, cache

	switch {
	case a.OverrideCanonicalURL != nil:
		s.URL = flight.CanonicalURL(a.OverrideCanonicalURL, false)
		s.NextURL = s.URL.Path
	case resp.CanonicalURL != "":
		s.URL = canonical(resp, s.URL)
		s.NextURL = s.URL.Path
	}
	s.FocusAndScroll = FocusAndScroll{}
	return s, nil
}

func serverAction(s State, a ServerAction) (State, []Effect) {
	s.Seq++
	return s, []Effect{EffectServerAction{
		Seq:      s.Seq,
		ActionID: a.ID,
		Args:     a.Args,
		Request:  s.request(s.URL, s.Tree),
	}}
}

func serverActionResolved(s State, a ServerActionResolved) (State, []Effect) {
	if a.Err != nil || a.Response == nil {
		return s, nil
	}
	resp := a.Response
	if resp.Redirect != "" {
		u, err := flight.Resolve(resp.Redirect, s.URL)
		if err != nil {
			return s, nil
		}
		return navigate(s, Navigate{URL: u, External: flight.IsExternal(u, s.URL), History: HistoryPush}, false)
	}
	if len(resp.Patches) == 0 {
		return s, nil
	}
	return serverPatch(s, ServerPatch{Response: resp})
}

// =============================================================================
// Prefetch
// =============================================================================

func prefetchURL(s State, a Prefetch) (State, []Effect) {
	if a.URL == nil || a.External {
		return s, nil
	}
	u := flight.CanonicalURL(a.URL, false)
	return s, []Effect{EffectPrefetch{Request: s.request(u, s.Tree), Kind: a.Kind}}
}
