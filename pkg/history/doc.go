// Package history bridges committed router states and the browser history
// stack.
//
// The Synchronizer writes one entry per committed transition: a push when the
// state asks for one and the location changes, a replace otherwise. Entries
// carry the route tree under a marker key so that the PopstateHandler can
// tell them apart from entries written by other history consumers.
package history
