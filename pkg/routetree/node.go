package routetree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ChildrenSlot is the slot that carries the main content of a layout.
const ChildrenSlot = "children"

// refetchMarker is the wire value of the refetch flag.
const refetchMarker = "refetch"

// Node is one level of the route tree.
//
// A Node must not be modified after it has been handed to another component;
// use WithSlot and the other With* helpers to derive new versions.
type Node struct {
	// Segment is the segment rendered at this level.
	Segment Segment

	// Slots maps parallel slot names to the child rendered in that slot.
	Slots map[string]*Node

	// URL is the URL the subtree was fetched for, when known.
	URL string

	// Refetch marks a subtree that the server must render again.
	Refetch bool

	// IsRootLayout marks the node that holds the root layout.
	IsRootLayout bool
}

// New creates a node. The slots map is copied.
func New(seg Segment, slots map[string]*Node) *Node {
	n := &Node{Segment: seg, Slots: make(map[string]*Node, len(slots))}
	for name, child := range slots {
		n.Slots[name] = child
	}
	return n
}

// Leaf creates a node without slots.
func Leaf(seg Segment) *Node {
	return &Node{Segment: seg, Slots: map[string]*Node{}}
}

// Child returns the node in slot, or nil.
func (n *Node) Child(slot string) *Node {
	if n == nil {
		return nil
	}
	return n.Slots[slot]
}

// IsLeaf reports whether the node has no parallel slots.
func (n *Node) IsLeaf() bool {
	return n == nil || len(n.Slots) == 0
}

// SlotNames returns the slot names in sorted order, "children" first.
func (n *Node) SlotNames() []string {
	names := make([]string, 0, len(n.Slots))
	for name := range n.Slots {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == ChildrenSlot {
			return true
		}
		if names[j] == ChildrenSlot {
			return false
		}
		return names[i] < names[j]
	})
	return names
}

// clone returns a shallow copy with its own slots map.
func (n *Node) clone() *Node {
	c := *n
	c.Slots = make(map[string]*Node, len(n.Slots)+1)
	for name, child := range n.Slots {
		c.Slots[name] = child
	}
	return &c
}

// WithSlot returns a copy of n whose slot holds child. Every other slot is
// shared with n by reference.
func (n *Node) WithSlot(slot string, child *Node) *Node {
	c := n.clone()
	c.Slots[slot] = child
	return c
}

// WithRefetch returns a copy of n with the refetch flag set to refetch.
func (n *Node) WithRefetch(refetch bool) *Node {
	c := n.clone()
	c.Refetch = refetch
	return c
}

// WithURL returns a copy of n that records url.
func (n *Node) WithURL(url string) *Node {
	c := n.clone()
	c.URL = url
	return c
}

// ActivePath returns the segments along the "children" slots, root first.
func (n *Node) ActivePath() []Segment {
	var path []Segment
	for cur := n; cur != nil; cur = cur.Slots[ChildrenSlot] {
		path = append(path, cur.Segment)
	}
	return path
}

// Equal reports whether a and b describe the same tree.
func Equal(a, b *Node) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Segment != b.Segment || a.URL != b.URL || a.Refetch != b.Refetch || a.IsRootLayout != b.IsRootLayout {
		return false
	}
	if len(a.Slots) != len(b.Slots) {
		return false
	}
	for name, ac := range a.Slots {
		bc, ok := b.Slots[name]
		if !ok || !Equal(ac, bc) {
			return false
		}
	}
	return true
}

// Fingerprint returns a hash of the canonical JSON encoding of the tree.
// Equal trees have equal fingerprints.
func (n *Node) Fingerprint() uint64 {
	if n == nil {
		return 0
	}
	data, err := json.Marshal(n)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// MarshalJSON encodes the node as [segment, slots, url?, refetch?, isRootLayout?].
func (n *Node) MarshalJSON() ([]byte, error) {
	slots := n.Slots
	if slots == nil {
		slots = map[string]*Node{}
	}
	tuple := []any{n.Segment, slots}
	switch {
	case n.IsRootLayout:
		tuple = append(tuple, nullable(n.URL), refetchValue(n.Refetch), true)
	case n.Refetch:
		tuple = append(tuple, nullable(n.URL), refetchMarker)
	case n.URL != "":
		tuple = append(tuple, n.URL)
	}
	return json.Marshal(tuple)
}

// UnmarshalJSON decodes the tuple encoding.
func (n *Node) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("routetree: node must be an array: %w", err)
	}
	if len(tuple) < 2 {
		return fmt.Errorf("routetree: node needs at least 2 elements, got %d", len(tuple))
	}

	var out Node
	if err := json.Unmarshal(tuple[0], &out.Segment); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &out.Slots); err != nil {
		return fmt.Errorf("routetree: invalid slots: %w", err)
	}
	if out.Slots == nil {
		out.Slots = map[string]*Node{}
	}
	if len(tuple) > 2 && !isNull(tuple[2]) {
		if err := json.Unmarshal(tuple[2], &out.URL); err != nil {
			return fmt.Errorf("routetree: invalid url: %w", err)
		}
	}
	if len(tuple) > 3 && !isNull(tuple[3]) {
		var marker string
		if err := json.Unmarshal(tuple[3], &marker); err != nil {
			return fmt.Errorf("routetree: invalid refetch marker: %w", err)
		}
		out.Refetch = marker == refetchMarker
	}
	if len(tuple) > 4 && !isNull(tuple[4]) {
		if err := json.Unmarshal(tuple[4], &out.IsRootLayout); err != nil {
			return fmt.Errorf("routetree: invalid root layout flag: %w", err)
		}
	}
	*n = out
	return nil
}

// Parse decodes a route tree from its JSON encoding.
func Parse(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// MustParse is like Parse but panics on error. Intended for tests and fixtures.
func MustParse(s string) *Node {
	n, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return n
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func refetchValue(refetch bool) any {
	if refetch {
		return refetchMarker
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
