package cachetree

import (
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Restore rebuilds the cache tree so that it matches tree, using only nodes
// already present in cache. Levels with no cached node become lazy. Subtrees
// that are fully cached are returned by reference.
func Restore(cache *Node, tree *routetree.Node) *Node {
	if cache.missing() {
		return FromRendered(tree, nil, nil, nil)
	}
	return restoreNode(cache, tree)
}

func restoreNode(cache *Node, tree *routetree.Node) *Node {
	out := cache
	for _, slot := range tree.SlotNames() {
		child := tree.Slots[slot]
		cached := cache.Child(slot, child.Segment)

		var restored *Node
		if cached.missing() {
			restored = FromRendered(child, nil, nil, nil)
		} else {
			restored = restoreNode(cached, child)
		}
		if restored != cached {
			out = out.withChild(slot, child.Segment, restored)
		}
	}
	return out
}

// InvalidateBelowRoot keeps the root layout output and replaces every level
// below it with nodes waiting on pending. Cached entries for other segments
// are dropped.
func InvalidateBelowRoot(tree *routetree.Node, cache *Node, pending *Deferred) *Node {
	root := NewPending(pending)
	if cache != nil && cache.Status == StatusReady {
		root = NewReady(cache.Rendered, cache.Head)
	}
	for _, slot := range tree.SlotNames() {
		child := tree.Slots[slot]
		root.Slots[slot] = map[string]*Node{
			child.Segment.Key(): FromRendered(child, nil, nil, pending),
		}
	}
	return root
}

// LazyPaths returns the patch paths of all lazy nodes reachable through tree,
// outermost first. Descendants of a lazy node are not listed separately.
func LazyPaths(tree *routetree.Node, cache *Node) [][]flight.PathStep {
	var out [][]flight.PathStep
	var walk func(t *routetree.Node, c *Node, path []flight.PathStep)
	walk = func(t *routetree.Node, c *Node, path []flight.PathStep) {
		for _, slot := range t.SlotNames() {
			child := t.Slots[slot]
			step := append(append([]flight.PathStep(nil), path...), flight.PathStep{Slot: slot, Segment: child.Segment})
			cached := c.Child(slot, child.Segment)
			if cached.missing() {
				out = append(out, step)
				continue
			}
			walk(child, cached, step)
		}
	}
	if tree == nil {
		return nil
	}
	if cache.missing() {
		return [][]flight.PathStep{{}}
	}
	walk(tree, cache, nil)
	return out
}

// MarkRefetch returns a copy of tree in which every level whose cache node is
// lazy carries the refetch flag, telling the server which subtrees to render.
// Unchanged subtrees are shared with tree.
func MarkRefetch(tree *routetree.Node, cache *Node) *routetree.Node {
	if tree == nil {
		return nil
	}
	if cache.missing() {
		return tree.WithRefetch(true)
	}
	out := tree
	for _, slot := range tree.SlotNames() {
		child := tree.Slots[slot]
		marked := MarkRefetch(child, cache.Child(slot, child.Segment))
		if marked != child {
			out = out.WithSlot(slot, marked)
		}
	}
	return out
}
