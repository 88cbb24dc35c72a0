package cachetree

import (
	"fmt"
	"strings"

	"github.com/vango-dev/approuter/pkg/routetree"
)

// Validate checks that every path reachable through tree resolves to a cache
// node, and that pending nodes carry a fetch handle.
func Validate(tree *routetree.Node, cache *Node) error {
	return validate(tree, cache, []string{tree.Segment.String()})
}

func validate(tree *routetree.Node, cache *Node, path []string) error {
	where := strings.Join(path, "/")
	if cache == nil {
		return fmt.Errorf("cachetree: no cache node at %s", where)
	}
	if cache.Status == StatusPending && cache.Pending == nil {
		return fmt.Errorf("cachetree: pending node without fetch at %s", where)
	}
	for _, slot := range tree.SlotNames() {
		child := tree.Slots[slot]
		next := append(append([]string(nil), path...), slot+":"+child.Segment.String())
		if err := validate(child, cache.Child(slot, child.Segment), next); err != nil {
			return err
		}
	}
	return nil
}

// Walk calls fn for each cache node reachable through tree, parents first.
// Returning false skips the node's descendants.
func Walk(tree *routetree.Node, cache *Node, fn func(tree *routetree.Node, node *Node) bool) {
	if tree == nil || cache == nil {
		return
	}
	if !fn(tree, cache) {
		return
	}
	for _, slot := range tree.SlotNames() {
		child := tree.Slots[slot]
		Walk(child, cache.Child(slot, child.Segment), fn)
	}
}

// Count returns the number of cache nodes in each status reachable through
// tree.
func Count(tree *routetree.Node, cache *Node) map[Status]int {
	counts := make(map[Status]int)
	Walk(tree, cache, func(_ *routetree.Node, n *Node) bool {
		counts[n.Status]++
		return true
	})
	return counts
}
