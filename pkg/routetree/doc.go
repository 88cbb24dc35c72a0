// Package routetree models the route tree: the immutable description of which
// segment each nested routing layer renders.
//
// A route tree node is a segment plus a map of parallel slots. The "children"
// slot carries the main content; named slots carry parallel routes:
//
//	["/a", {"children": ["/b", {"children": ["/c", {}]}]}]
//
// Nodes are immutable once constructed. A navigation never edits a tree in
// place; WithSlot returns a shallow copy that shares every other slot with the
// original, so two versions of a tree differ only along the edited path.
package routetree
