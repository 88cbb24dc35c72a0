package patchserver

import (
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Diff returns the patches that turn the client tree from into the page
// (to, rendered). A subtree is sent whole when its segment differs from the
// client's, the client marked it for refetch, or its slots differ from the
// client's, so a patch path only descends through nodes both trees share.
// With treeOnly set the patches carry no rendered output.
func Diff(from, to *routetree.Node, rendered *flight.Rendered, treeOnly bool) []flight.Patch {
	var out []flight.Patch
	diff(nil, from, to, rendered, treeOnly, &out)
	return out
}

func diff(path []flight.PathStep, have, want *routetree.Node, rendered *flight.Rendered, treeOnly bool, out *[]flight.Patch) {
	if have == nil || have.Segment != want.Segment || have.Refetch || !sameSlots(have, want) {
		*out = append(*out, patch(path, want, rendered, treeOnly))
		return
	}
	for _, slot := range want.SlotNames() {
		child := want.Slots[slot]
		step := append(path[:len(path):len(path)], flight.PathStep{Slot: slot, Segment: child.Segment})
		diff(step, have.Child(slot), child, rendered.Child(slot), treeOnly, out)
	}
}

// sameSlots reports whether a and b name the same slots.
func sameSlots(a, b *routetree.Node) bool {
	if len(a.Slots) != len(b.Slots) {
		return false
	}
	for slot := range b.Slots {
		if a.Child(slot) == nil {
			return false
		}
	}
	return true
}

func patch(path []flight.PathStep, tree *routetree.Node, rendered *flight.Rendered, treeOnly bool) flight.Patch {
	p := flight.Patch{Path: path, Tree: tree}
	if path == nil {
		p.Path = []flight.PathStep{}
	}
	if !treeOnly {
		p.Rendered = rendered
	}
	return p
}

// RefreshPatches re-sends every subtree below the root of a page.
func RefreshPatches(to *routetree.Node, rendered *flight.Rendered) []flight.Patch {
	out := make([]flight.Patch, 0, len(to.Slots))
	for _, slot := range to.SlotNames() {
		child := to.Slots[slot]
		out = append(out, patch([]flight.PathStep{{Slot: slot, Segment: child.Segment}}, child, rendered.Child(slot), false))
	}
	return out
}
