package history

import (
	"encoding/json"
	"net/url"
	"sync"
)

// Browser is the subset of the host's history and location APIs the router
// uses. Implementations must be safe for concurrent use.
type Browser interface {
	// Location returns the current URL.
	Location() *url.URL

	// PushState adds an entry for href with state.
	PushState(state json.RawMessage, href string)

	// ReplaceState overwrites the current entry.
	ReplaceState(state json.RawMessage, href string)

	Back()
	Forward()

	// Reload loads the current location as a full document.
	Reload()

	// Assign loads href as a full document in a new entry.
	Assign(href string)

	// ReplaceLocation loads href as a full document in the current entry.
	ReplaceLocation(href string)
}

// PopStateEvent is delivered when the active entry changes through the
// history stack.
type PopStateEvent struct {
	URL   *url.URL
	State json.RawMessage
}

// =============================================================================
// MemoryBrowser
// =============================================================================

// MemoryEntry is one entry of a MemoryBrowser.
type MemoryEntry struct {
	URL   *url.URL
	State json.RawMessage
}

// Load records a full document load.
type Load struct {
	Href    string
	Replace bool
}

// MemoryBrowser is an in-memory Browser for tests and headless clients.
type MemoryBrowser struct {
	mu       sync.Mutex
	entries  []MemoryEntry
	index    int
	loads    []Load
	listener func(PopStateEvent)
}

// NewMemoryBrowser returns a browser showing start.
func NewMemoryBrowser(start *url.URL) *MemoryBrowser {
	return &MemoryBrowser{entries: []MemoryEntry{{URL: start}}}
}

// OnPopState registers the popstate listener.
func (b *MemoryBrowser) OnPopState(fn func(PopStateEvent)) {
	b.mu.Lock()
	b.listener = fn
	b.mu.Unlock()
}

// Location implements Browser.
func (b *MemoryBrowser) Location() *url.URL {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := *b.entries[b.index].URL
	return &u
}

func (b *MemoryBrowser) resolveLocked(href string) *url.URL {
	cur := b.entries[b.index].URL
	ref, err := url.Parse(href)
	if err != nil {
		return cur
	}
	return cur.ResolveReference(ref)
}

// PushState implements Browser.
func (b *MemoryBrowser) PushState(state json.RawMessage, href string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.resolveLocked(href)
	b.entries = append(b.entries[:b.index+1], MemoryEntry{URL: u, State: state})
	b.index++
}

// ReplaceState implements Browser.
func (b *MemoryBrowser) ReplaceState(state json.RawMessage, href string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.index] = MemoryEntry{URL: b.resolveLocked(href), State: state}
}

// Back implements Browser. The popstate listener runs on the caller's
// goroutine.
func (b *MemoryBrowser) Back() { b.traverse(-1) }

// Forward implements Browser.
func (b *MemoryBrowser) Forward() { b.traverse(1) }

func (b *MemoryBrowser) traverse(delta int) {
	b.mu.Lock()
	next := b.index + delta
	if next < 0 || next >= len(b.entries) {
		b.mu.Unlock()
		return
	}
	b.index = next
	e := b.entries[next]
	listener := b.listener
	b.mu.Unlock()

	if listener != nil {
		u := *e.URL
		listener(PopStateEvent{URL: &u, State: e.State})
	}
}

// Reload implements Browser.
func (b *MemoryBrowser) Reload() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads = append(b.loads, Load{Href: b.entries[b.index].URL.String(), Replace: true})
}

// Assign implements Browser.
func (b *MemoryBrowser) Assign(href string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.resolveLocked(href)
	b.loads = append(b.loads, Load{Href: u.String()})
	b.entries = append(b.entries[:b.index+1], MemoryEntry{URL: u})
	b.index++
}

// ReplaceLocation implements Browser.
func (b *MemoryBrowser) ReplaceLocation(href string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.resolveLocked(href)
	b.loads = append(b.loads, Load{Href: u.String(), Replace: true})
	b.entries[b.index] = MemoryEntry{URL: u}
}

// Entries returns a copy of the stack and the active index.
func (b *MemoryBrowser) Entries() ([]MemoryEntry, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MemoryEntry(nil), b.entries...), b.index
}

// Loads returns the full document loads so far.
func (b *MemoryBrowser) Loads() []Load {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Load(nil), b.loads...)
}
