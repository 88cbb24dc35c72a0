// Package reducer is the navigation state machine.
//
// Reduce is a pure transition function: it takes the current State and an
// Action and returns the next State plus the side effects the caller must
// perform (fetches, prefetches, server action calls, resolving suspension
// handles). It never blocks and never performs I/O. Results of asynchronous
// work come back as follow-up actions (FetchResolved, ServerActionResolved)
// that carry the sequence number of the request; results for a superseded
// request are discarded.
//
// States are replaced wholesale. Trees reachable from a State are never
// mutated; new states share unchanged subtrees with old ones.
package reducer
