// Package router drives client navigation for an app-router style site.
//
// A Router owns one reducer.State and applies actions to it strictly one at a
// time on its own goroutine. Each reduction is committed before the next one
// starts: the browser history entry is written, subscribers are notified and
// then the effects the reducer asked for are executed.
//
// # Lifecycle
//
//	r, err := router.New(init,
//	    router.WithFetcher(client),
//	    router.WithLogger(logger),
//	)
//	if err != nil { ... }
//	r.Mount()
//	defer r.Close()
//
//	t, err := r.Push("/dashboard/settings")
//	if err != nil { ... }
//	err = t.Wait(ctx)
//
// # Effects
//
// Fetches, prefetches and server action calls run on goroutines owned by the
// router. Their results come back as FetchResolved and ServerActionResolved
// actions carrying the sequence number of the navigation that asked for them,
// so a late answer for an abandoned navigation is discarded by the reducer.
//
// # Transitions
//
// Push, Replace, Refresh and history traversal return a *Transition that
// completes once the navigation has nothing left pending. Starting another
// transition supersedes the previous one.
//
// # Server Actions
//
// The mounted router registers itself in a Registry so code without a
// reference to it can still call server actions through
// Registry.CallServerAction.
package router
