// Package errors provides coded, structured errors for the router.
//
// Every condition the router surfaces to callers maps to a registered code
// (e.g., "E101") with a category, a short message, and a longer detail. The
// public packages expose plain sentinel errors (flight.ErrTreeMismatch,
// prefetch.ErrRateLimited, ...); the router wraps them into a RouterError so
// that both errors.Is on the sentinel and the code are available.
//
// # Error Categories
//
//   - navigation: tree mismatch, external navigation, foreign history entries
//   - transport: patch fetch failures, timeouts, server action failures
//   - usage: programming errors such as calling FastRefresh outside development
//   - internal: contract violations inside the state machine
//   - config: configuration file errors
//
// # Usage
//
//	err := errors.New("E101").
//	    WithDetail("segment /b expected at depth 2, got /x").
//	    Wrap(flight.ErrTreeMismatch)
//
//	fmt.Println(err.FormatCompact())
//	// E101: Route tree mismatch
package errors
