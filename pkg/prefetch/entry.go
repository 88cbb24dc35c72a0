package prefetch

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Kind selects how much of the target is prefetched.
type Kind int

const (
	// Auto fetches the route tree only.
	Auto Kind = iota
	// Full fetches the rendered patch.
	Full
)

// String returns the kind name.
func (k Kind) String() string {
	if k == Full {
		return "full"
	}
	return "auto"
}

// ParseKind maps "auto" and "full" to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "auto", "":
		return Auto, true
	case "full":
		return Full, true
	}
	return Auto, false
}

// Key addresses one entry.
type Key struct {
	Href string
	Kind Kind
}

// KeyOf builds the key for u. The fragment and patch marker are not part of
// the key.
func KeyOf(u *url.URL, kind Kind) Key {
	return Key{Href: flight.PrefetchHref(u), Kind: kind}
}

// Entry is one prefetch fetch, in flight or completed.
type Entry struct {
	Key Key

	// Tree is the route tree the request was made against. Patches in the
	// response are relative to it.
	Tree *routetree.Node

	// CreatedAt is when the fetch was issued.
	CreatedAt time.Time

	lastUsed atomic.Int64
	done     chan struct{}
	resp     *flight.Response
	err      error
}

func newEntry(key Key, tree *routetree.Node, now time.Time) *Entry {
	e := &Entry{Key: key, Tree: tree, CreatedAt: now, done: make(chan struct{})}
	e.lastUsed.Store(now.UnixNano())
	return e
}

// NewResolved returns a completed entry, for seeding a cache with Set.
func NewResolved(key Key, tree *routetree.Node, resp *flight.Response, now time.Time) *Entry {
	e := newEntry(key, tree, now)
	e.resolve(resp, nil)
	return e
}

func (e *Entry) resolve(resp *flight.Response, err error) {
	e.resp, e.err = resp, err
	close(e.done)
}

// Done is closed when the fetch completes.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Ready reports whether the fetch completed successfully.
func (e *Entry) Ready() bool {
	select {
	case <-e.done:
		return e.err == nil
	default:
		return false
	}
}

// Result returns the response without blocking. done is false while the
// fetch is in flight.
func (e *Entry) Result() (resp *flight.Response, done bool, err error) {
	select {
	case <-e.done:
		return e.resp, true, e.err
	default:
		return nil, false, nil
	}
}

// Wait blocks until the fetch completes or ctx is done.
func (e *Entry) Wait(ctx context.Context) (*flight.Response, error) {
	select {
	case <-e.done:
		return e.resp, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastUsedAt returns when the entry was last handed to a consumer.
func (e *Entry) LastUsedAt() time.Time {
	return time.Unix(0, e.lastUsed.Load())
}

func (e *Entry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

// Expired reports whether the entry is older than ttl at now.
func (e *Entry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}

// Reusable reports whether the entry was fetched against tree and can be
// applied to it.
func (e *Entry) Reusable(tree *routetree.Node) bool {
	if e.Tree == nil || tree == nil {
		return e.Tree == tree
	}
	return e.Tree == tree || e.Tree.Fingerprint() == tree.Fingerprint()
}
