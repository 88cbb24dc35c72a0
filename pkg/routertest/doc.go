// Package routertest provides testing helpers for the router packages.
//
// It reduces boilerplate when building route trees, rendered slices and
// patches, and provides a scriptable Fetcher.
//
// # Quick Start
//
//	tree := routertest.Chain("a", "b", "c")
//	rendered := routertest.Rendered("a", "b", "c")
//	patch := routertest.LeafPatch([]string{"b"}, "d")
//
// # Scriptable Fetcher
//
// Fetcher answers each request with a handler, records requests, and can
// hold responses until the test releases them:
//
//	f := routertest.NewFetcher(func(req *flight.Request) (*flight.Response, error) {
//	    return &flight.Response{Patches: []flight.Patch{patch}}, nil
//	})
//	f.Hold()
//	// ... dispatch a navigation ...
//	f.Release()
package routertest
