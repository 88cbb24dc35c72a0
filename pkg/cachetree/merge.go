package cachetree

import (
	"fmt"

	rerrors "github.com/vango-dev/approuter/internal/errors"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Merge applies patch to the route tree and cache tree.
//
// The walk follows patch.Path from the root. Slots the path does not name are
// shared by reference in both results. The slot named by the terminal step
// receives patch.Tree and a cache subtree built from patch.Rendered; when the
// patch is tree-only that subtree waits on pending.
//
// If an intermediate segment differs from the one the path expects, Merge
// returns an error wrapping flight.ErrTreeMismatch and no trees. A path that
// continues below a node without slots is a contract violation and panics.
func Merge(tree *routetree.Node, cache *Node, patch *flight.Patch, pending *Deferred) (*routetree.Node, *Node, error) {
	if err := patch.Validate(); err != nil {
		return nil, nil, err
	}
	if len(patch.Path) == 0 {
		return patch.Tree, FromRendered(patch.Tree, patch.Rendered, patch.Head, pending), nil
	}
	if tree == nil {
		return nil, nil, fmt.Errorf("%w: no tree to patch", flight.ErrTreeMismatch)
	}
	if cache == nil {
		cache = NewLazy()
	}
	return mergeStep(tree, cache, patch, 0, pending)
}

func mergeStep(tree *routetree.Node, cache *Node, patch *flight.Patch, depth int, pending *Deferred) (*routetree.Node, *Node, error) {
	step := patch.Path[depth]

	if tree.IsLeaf() {
		panic(rerrors.New("E104").
			WithDetail(fmt.Sprintf("segment %s has no slots but the patch path %s continues at depth %d", tree.Segment, patch, depth)).
			WithField("depth", depth))
	}

	if depth == len(patch.Path)-1 {
		leaf := FromRendered(patch.Tree, patch.Rendered, patch.Head, pending)
		return tree.WithSlot(step.Slot, patch.Tree), cache.withChild(step.Slot, patch.Tree.Segment, leaf), nil
	}

	child := tree.Child(step.Slot)
	if child == nil {
		return nil, nil, fmt.Errorf("%w: slot %q missing below %s at depth %d", flight.ErrTreeMismatch, step.Slot, tree.Segment, depth)
	}
	if child.Segment != step.Segment {
		return nil, nil, fmt.Errorf("%w: expected %s in slot %q at depth %d, found %s", flight.ErrTreeMismatch, step.Segment, step.Slot, depth, child.Segment)
	}

	childCache := cache.Child(step.Slot, child.Segment)
	if childCache == nil {
		childCache = NewLazy()
	}

	newChild, newChildCache, err := mergeStep(child, childCache, patch, depth+1, pending)
	if err != nil {
		return nil, nil, err
	}
	return tree.WithSlot(step.Slot, newChild), cache.withChild(step.Slot, child.Segment, newChildCache), nil
}

// MergeAll applies patches in order. It stops at the first error.
func MergeAll(tree *routetree.Node, cache *Node, patches []flight.Patch, pending *Deferred) (*routetree.Node, *Node, error) {
	for i := range patches {
		var err error
		tree, cache, err = Merge(tree, cache, &patches[i], pending)
		if err != nil {
			return nil, nil, err
		}
	}
	return tree, cache, nil
}
