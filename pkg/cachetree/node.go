package cachetree

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Status is the state of a cache node.
type Status int

const (
	// StatusLazy nodes have no data and no fetch yet; the renderer demands one.
	StatusLazy Status = iota
	// StatusPending nodes wait for an outstanding fetch.
	StatusPending
	// StatusReady nodes hold rendered output.
	StatusReady
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusLazy:
		return "lazy"
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Node is one level of the cache tree.
type Node struct {
	Status Status

	// Rendered is the opaque rendered output of this level.
	Rendered json.RawMessage

	// Head is the document head rendered with this level, if any.
	Head json.RawMessage

	// Slots maps slot name to segment key to child node.
	Slots map[string]map[string]*Node

	// Pending is set for StatusPending nodes.
	Pending *Deferred
}

// NewLazy returns an empty lazy node.
func NewLazy() *Node {
	return &Node{Status: StatusLazy, Slots: map[string]map[string]*Node{}}
}

// NewPending returns a node waiting on d.
func NewPending(d *Deferred) *Node {
	return &Node{Status: StatusPending, Pending: d, Slots: map[string]map[string]*Node{}}
}

// NewReady returns a node holding rendered output.
func NewReady(rendered, head json.RawMessage) *Node {
	return &Node{Status: StatusReady, Rendered: rendered, Head: head, Slots: map[string]map[string]*Node{}}
}

// Child returns the node cached for seg in slot, or nil.
func (n *Node) Child(slot string, seg routetree.Segment) *Node {
	if n == nil {
		return nil
	}
	return n.Slots[slot][seg.Key()]
}

// Wait blocks until the node is no longer pending. It returns the error of
// the fetch that was meant to fill the node, scoped to this subtree.
func (n *Node) Wait(ctx context.Context) error {
	if n == nil || n.Status != StatusPending || n.Pending == nil {
		return nil
	}
	return n.Pending.Wait(ctx)
}

// Stale reports whether n is pending on a fetch that has already resolved
// without replacing it, e.g. because the navigation was superseded. Stale
// nodes are treated like lazy ones.
func (n *Node) Stale() bool {
	return n != nil && n.Status == StatusPending && n.Pending != nil && n.Pending.Resolved()
}

// missing reports whether n has to be fetched.
func (n *Node) missing() bool {
	return n == nil || n.Status == StatusLazy || n.Stale()
}

// withChild returns a copy of n whose slot holds child for seg. All other
// entries are shared by reference.
func (n *Node) withChild(slot string, seg routetree.Segment, child *Node) *Node {
	c := *n
	c.Slots = make(map[string]map[string]*Node, len(n.Slots)+1)
	for name, entries := range n.Slots {
		c.Slots[name] = entries
	}
	entries := make(map[string]*Node, len(n.Slots[slot])+1)
	for key, node := range n.Slots[slot] {
		entries[key] = node
	}
	entries[seg.Key()] = child
	c.Slots[slot] = entries
	return &c
}

// FromRendered builds a cache subtree for tree from a rendered slice.
//
// Levels missing from rendered become lazy. When rendered is nil and pending
// is set, the whole subtree waits on pending instead.
func FromRendered(tree *routetree.Node, rendered *flight.Rendered, head json.RawMessage, pending *Deferred) *Node {
	var n *Node
	switch {
	case rendered != nil:
		n = NewReady(rendered.Output, rendered.Head)
	case pending != nil:
		n = NewPending(pending)
	default:
		n = NewLazy()
	}
	if len(head) > 0 {
		n.Head = head
	}
	for _, slot := range tree.SlotNames() {
		child := tree.Slots[slot]
		var childRendered *flight.Rendered
		if rendered != nil {
			childRendered = rendered.Child(slot)
		}
		childPending := pending
		if rendered != nil {
			childPending = nil
		}
		n.Slots[slot] = map[string]*Node{
			child.Segment.Key(): FromRendered(child, childRendered, nil, childPending),
		}
	}
	return n
}

// Initial builds the cache tree for the server-rendered first page.
func Initial(tree *routetree.Node, rendered *flight.Rendered, head json.RawMessage) *Node {
	return FromRendered(tree, rendered, head, nil)
}

// FindHead returns the deepest head along the "children" slots.
func FindHead(tree *routetree.Node, cache *Node) json.RawMessage {
	var head json.RawMessage
	for tree != nil && cache != nil {
		if len(cache.Head) > 0 {
			head = cache.Head
		}
		child := tree.Child(routetree.ChildrenSlot)
		if child == nil {
			break
		}
		cache = cache.Child(routetree.ChildrenSlot, child.Segment)
		tree = child
	}
	return head
}
