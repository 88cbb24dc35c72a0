package routertest

import (
	"context"
	"sync"

	"github.com/vango-dev/approuter/pkg/flight"
)

// Handler answers a fetch.
type Handler func(req *flight.Request) (*flight.Response, error)

// Fetcher is a flight.Fetcher driven by a Handler.
type Fetcher struct {
	mu       sync.Mutex
	handler  Handler
	requests []flight.Request
	gate     chan struct{}
	started  chan struct{}
}

// NewFetcher returns a Fetcher answering with h.
func NewFetcher(h Handler) *Fetcher {
	return &Fetcher{handler: h, started: make(chan struct{}, 64)}
}

// Fetch records req and answers it with the handler. While the fetcher is
// held, it blocks until Release or ctx is done.
func (f *Fetcher) Fetch(ctx context.Context, req *flight.Request) (*flight.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	gate := f.gate
	h := f.handler
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h(req)
}

// SetHandler replaces the handler.
func (f *Fetcher) SetHandler(h Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Hold makes subsequent fetches block until Release.
func (f *Fetcher) Hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

// Release unblocks held fetches.
func (f *Fetcher) Release() {
	f.mu.Lock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	f.mu.Unlock()
}

// Started receives a value each time a fetch begins.
func (f *Fetcher) Started() <-chan struct{} {
	return f.started
}

// Requests returns the recorded requests.
func (f *Fetcher) Requests() []flight.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]flight.Request(nil), f.requests...)
}

// Calls returns the number of fetches.
func (f *Fetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Patches returns a handler that always answers with patches.
func Patches(patches ...flight.Patch) Handler {
	return func(*flight.Request) (*flight.Response, error) {
		return &flight.Response{Patches: patches}, nil
	}
}
