// Package patchserver serves patch documents for a site whose pages are
// route trees. It answers patch requests with the smallest set of patches
// that turns the client's tree into the target page, serves server actions
// and pushes changes to subscribers.
//
// The server backs the approuter CLI and the transport tests.
package patchserver

import (
	"encoding/json"
	"path"
	"strings"
	"sync"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routepath"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Site renders pages.
type Site interface {
	// Render returns the route tree and rendered output of the page at p.
	Render(p string) (*routetree.Node, *flight.Rendered, bool)
}

// ChainSite renders every path as a chain of layouts: the root layout, then
// one segment per path element. Segments starting with ':' in a registered
// pattern are dynamic.
type ChainSite struct {
	mu       sync.RWMutex
	patterns [][]string
	versions map[string]int
}

// NewChainSite creates a site serving the given path patterns, e.g.
// "/blog/:slug". With no patterns every path exists.
func NewChainSite(patterns ...string) *ChainSite {
	s := &ChainSite{versions: make(map[string]int)}
	for _, p := range patterns {
		s.patterns = append(s.patterns, split(p))
	}
	return s
}

func split(p string) []string {
	return routepath.Segments(routepath.MustClean(p))
}

// match returns the segments of p, or false when no pattern accepts it.
func (s *ChainSite) match(p string) ([]routetree.Segment, bool) {
	parts := split(p)
	if len(s.patterns) == 0 {
		segs := make([]routetree.Segment, len(parts))
		for i, part := range parts {
			segs[i] = routetree.Static(part)
		}
		return segs, true
	}

	for _, pattern := range s.patterns {
		if len(pattern) != len(parts) {
			continue
		}
		segs := make([]routetree.Segment, len(parts))
		ok := true
		for i, want := range pattern {
			switch {
			case strings.HasPrefix(want, ":"):
				segs[i] = routetree.Dynamic(want[1:], parts[i], routetree.KindDynamic)
			case want == parts[i]:
				segs[i] = routetree.Static(want)
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
		if ok {
			return segs, true
		}
	}
	return nil, false
}

// Render implements Site.
func (s *ChainSite) Render(p string) (*routetree.Node, *flight.Rendered, bool) {
	segs, ok := s.match(p)
	if !ok {
		return nil, nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Build bottom-up: segs[len-1] is the page.
	prefixes := make([]string, len(segs)+1)
	prefixes[0] = "/"
	for i, seg := range segs {
		prefixes[i+1] = path.Join(prefixes[i], seg.Name)
	}

	leaf := len(segs)
	var tree *routetree.Node
	var rendered *flight.Rendered
	for i := leaf; i >= 0; i-- {
		seg := routetree.Static("")
		if i > 0 {
			seg = segs[i-1]
		}
		r := &flight.Rendered{Output: s.output(seg, prefixes[i])}
		if i == leaf {
			r.Head = head(prefixes[i])
			tree = routetree.Leaf(seg).WithURL(prefixes[i])
		} else {
			tree = routetree.New(seg, map[string]*routetree.Node{routetree.ChildrenSlot: tree})
			r.Slots = map[string]*flight.Rendered{routetree.ChildrenSlot: rendered}
		}
		rendered = r
	}
	tree.IsRootLayout = true
	return tree, rendered, true
}

func (s *ChainSite) output(seg routetree.Segment, prefix string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"segment": seg.String(),
		"path":    prefix,
		"version": s.versions[prefix],
	})
	return data
}

func head(p string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"title": p})
	return data
}

// Touch bumps the version of the layout at p, changing its output.
func (s *ChainSite) Touch(p string) {
	s.mu.Lock()
	s.versions[routepath.MustClean(p)]++
	s.mu.Unlock()
}
