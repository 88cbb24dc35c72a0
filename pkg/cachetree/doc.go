// Package cachetree implements the cache tree: rendered output per routing
// layer, mirroring the parallel-slot structure of the route tree.
//
// Cache nodes are persistent. Once a node is reachable from a committed router
// state it is never modified; Merge, Restore and InvalidateBelowRoot copy
// every node on the path they change and share all other subtrees by
// reference. Reference equality of a subtree across two states therefore means
// "not re-rendered", which is what lets an error or a pending fetch in one
// subtree leave its siblings untouched.
//
// Each slot holds a small map from segment key to node, so a node rendered for
// an earlier segment in the same slot survives a navigation away from it and
// can be reused when history is restored.
package cachetree
