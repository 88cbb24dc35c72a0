package routertest

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Seg returns a static segment.
func Seg(name string) routetree.Segment {
	return routetree.Static(name)
}

// Chain builds a tree of static segments linked through "children" slots.
// The last name is a leaf.
func Chain(names ...string) *routetree.Node {
	n := routetree.Leaf(Seg(names[len(names)-1]))
	for i := len(names) - 2; i >= 0; i-- {
		n = routetree.New(Seg(names[i]), map[string]*routetree.Node{routetree.ChildrenSlot: n})
	}
	return n
}

// Output returns the rendered output used for name: its JSON string.
func Output(name string) json.RawMessage {
	b, _ := json.Marshal(name)
	return b
}

// Rendered mirrors Chain with the output of each level.
func Rendered(names ...string) *flight.Rendered {
	r := &flight.Rendered{Output: Output(names[len(names)-1])}
	for i := len(names) - 2; i >= 0; i-- {
		r = &flight.Rendered{
			Output: Output(names[i]),
			Slots:  map[string]*flight.Rendered{routetree.ChildrenSlot: r},
		}
	}
	return r
}

// Step returns a path step.
func Step(slot, name string) flight.PathStep {
	return flight.PathStep{Slot: slot, Segment: Seg(name)}
}

// Path returns a path through "children" slots.
func Path(names ...string) []flight.PathStep {
	path := make([]flight.PathStep, 0, len(names))
	for _, name := range names {
		path = append(path, Step(routetree.ChildrenSlot, name))
	}
	return path
}

// LeafPatch returns a rendered patch that installs leaf below parents.
// parents excludes the root.
func LeafPatch(parents []string, leaf string) flight.Patch {
	return flight.Patch{
		Path:     Path(append(append([]string(nil), parents...), leaf)...),
		Tree:     routetree.Leaf(Seg(leaf)),
		Rendered: &flight.Rendered{Output: Output(leaf)},
	}
}

// TreeOnly strips the rendered slice of p.
func TreeOnly(p flight.Patch) flight.Patch {
	p.Rendered = nil
	return p
}

// URL parses raw or fails the test.
func URL(tb testing.TB, raw string) *url.URL {
	tb.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		tb.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
