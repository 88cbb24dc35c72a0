// Package prefetch holds speculative patch fetches.
//
// The cache is independent of the committed cache tree. Entries are keyed by
// the pair (href, kind): an Auto entry carries only the route tree of the
// target, a Full entry carries the rendered patch as well. The two kinds never
// satisfy each other.
//
// Get is read-through: a miss starts a fetch and returns the in-flight entry
// immediately. Entries expire after a kind-specific TTL; expiry only stops new
// consumers from reusing an entry and never cancels its fetch.
package prefetch
