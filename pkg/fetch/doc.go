// Package fetch provides flight.Fetcher implementations.
//
// Client talks to a server over HTTP. Each request carries the patch marker
// query and the router headers, is retried with exponential backoff on
// transient failures and passes through a circuit breaker. While the breaker
// is open, fetches fail with flight.ErrUnavailable and the router falls back
// to full document loads.
//
// S3Source reads the patch documents of a static export from an S3 bucket.
package fetch
