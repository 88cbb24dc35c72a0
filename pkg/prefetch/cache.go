package prefetch

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vango-dev/approuter/pkg/flight"
)

// ErrRateLimited is returned by Prefetch when the request was dropped.
var ErrRateLimited = errors.New("prefetch: rate limited")

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the prefetch cache.
type Config struct {
	// AutoTTL is how long a tree-only entry may be reused.
	// Default: 30 seconds
	AutoTTL time.Duration

	// FullTTL is how long a full entry may be reused.
	// Default: 5 minutes
	FullTTL time.Duration

	// MaxEntries bounds the cache. The least recently used entry is evicted
	// when a new one would exceed it.
	// Default: 64
	MaxEntries int

	// FetchTimeout bounds each fetch. Fetches are detached from the caller's
	// context so that eviction or caller cancellation never aborts them.
	// Default: 10 seconds
	FetchTimeout time.Duration

	// SweepInterval is how often Run removes expired entries.
	// Default: 15 seconds
	SweepInterval time.Duration

	// RateLimit is the maximum number of new prefetch fetches per second.
	// Excess requests are dropped. Zero disables limiting.
	// Default: 5
	RateLimit float64

	// Burst is the limiter bucket size.
	// Default: 5
	Burst int
}

// DefaultConfig returns the default prefetch configuration.
func DefaultConfig() *Config {
	return &Config{
		AutoTTL:       30 * time.Second,
		FullTTL:       5 * time.Minute,
		MaxEntries:    64,
		FetchTimeout:  10 * time.Second,
		SweepInterval: 15 * time.Second,
		RateLimit:     5,
		Burst:         5,
	}
}

// TTL returns the lifetime of entries of kind.
func (c *Config) TTL(kind Kind) time.Duration {
	if kind == Full {
		return c.FullTTL
	}
	return c.AutoTTL
}

// =============================================================================
// Observation
// =============================================================================

// Event is reported to an Observer.
type Event string

const (
	EventHit     Event = "hit"
	EventMiss    Event = "miss"
	EventExpired Event = "expired"
	EventEvicted Event = "evicted"
	EventDropped Event = "dropped"
	EventFailed  Event = "failed"
)

// Observer receives cache events, e.g. for metrics.
type Observer interface {
	ObservePrefetch(kind Kind, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(kind Kind, event Event)

// ObservePrefetch calls f.
func (f ObserverFunc) ObservePrefetch(kind Kind, event Event) { f(kind, event) }

// =============================================================================
// Cache
// =============================================================================

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observers = append(c.observers, o) }
}

// Cache is an LRU cache of prefetch entries keyed by (href, kind).
// It is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	config    *Config
	fetcher   flight.Fetcher
	entries   map[Key]*list.Element
	order     *list.List // front = most recently used
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *slog.Logger
	observers []Observer
}

// New creates a cache that loads entries with fetcher.
func New(fetcher flight.Fetcher, config *Config, opts ...Option) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Cache{
		config:  config,
		fetcher: fetcher,
		entries: make(map[Key]*list.Element),
		order:   list.New(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	c.logger = c.logger.With("component", "prefetch")
	return c
}

// Config returns the cache configuration.
func (c *Cache) Config() *Config {
	return c.config
}

// Get returns the entry for req's URL and kind. On a miss, or when the cached
// entry has expired or failed, a fetch is started and the new in-flight entry
// is returned immediately.
func (c *Cache) Get(ctx context.Context, req *flight.Request, kind Kind) *Entry {
	e, _ := c.get(ctx, req, kind, false)
	return e
}

// Prefetch is Get for speculative callers. When creating the entry would
// exceed the rate limit, it returns ErrRateLimited and no entry.
func (c *Cache) Prefetch(ctx context.Context, req *flight.Request, kind Kind) (*Entry, error) {
	return c.get(ctx, req, kind, true)
}

func (c *Cache) get(ctx context.Context, req *flight.Request, kind Kind, limited bool) (*Entry, error) {
	key := KeyOf(req.URL, kind)
	now := c.now()

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*Entry)
		switch {
		case e.Expired(now, c.config.TTL(kind)):
			c.removeLocked(elem)
			c.observe(kind, EventExpired)
		case !e.Reusable(req.Tree):
			c.removeLocked(elem)
			c.observe(kind, EventMiss)
		default:
			c.order.MoveToFront(elem)
			e.touch(now)
			c.mu.Unlock()
			c.observe(kind, EventHit)
			return e, nil
		}
	} else {
		c.observe(kind, EventMiss)
	}

	if limited && c.limiter != nil && !c.limiter.AllowN(now, 1) {
		c.mu.Unlock()
		c.observe(kind, EventDropped)
		return nil, ErrRateLimited
	}

	e := newEntry(key, req.Tree, now)
	c.insertLocked(e)
	c.mu.Unlock()

	fetchReq := *req
	fetchReq.TreeOnly = kind == Auto
	go c.fetch(context.WithoutCancel(ctx), e, &fetchReq)
	return e, nil
}

func (c *Cache) fetch(ctx context.Context, e *Entry, req *flight.Request) {
	if c.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.logger.Debug("prefetch failed", "href", e.Key.Href, "kind", e.Key.Kind, "error", err)
		c.observe(e.Key.Kind, EventFailed)

		// Failed entries are not reused. Consumers already holding one see the error.
		c.mu.Lock()
		if elem, ok := c.entries[e.Key]; ok && elem.Value.(*Entry) == e {
			c.removeLocked(elem)
		}
		c.mu.Unlock()
	}
	e.resolve(resp, err)
}

// Lookup returns the live entry for key without creating one and without
// changing recency. It returns nil for missing or expired entries.
func (c *Cache) Lookup(key Key, now time.Time) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*Entry)
	if e.Expired(now, c.config.TTL(key.Kind)) {
		return nil
	}
	return e
}

// Set stores e, replacing any entry under the same key.
func (c *Cache) Set(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[e.Key]; ok {
		c.order.Remove(elem)
		delete(c.entries, e.Key)
	}
	c.insertLocked(e)
}

// Delete removes the entry for key.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Prune removes expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*Entry)
		if e.Expired(now, c.config.TTL(e.Key.Kind)) {
			c.removeLocked(elem)
			c.observe(e.Key.Kind, EventExpired)
			removed++
		}
		elem = prev
	}
	return removed
}

// Clear removes all entries. In-flight fetches complete but are not reused.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Key]*list.Element)
	c.order = list.New()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run prunes expired entries every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if c.config.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				c.logger.Debug("pruned prefetch entries", "count", n)
			}
		}
	}
}

func (c *Cache) insertLocked(e *Entry) {
	for c.config.MaxEntries > 0 && c.order.Len() >= c.config.MaxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.observe(oldest.Value.(*Entry).Key.Kind, EventEvicted)
		c.removeLocked(oldest)
	}
	c.entries[e.Key] = c.order.PushFront(e)
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, e.Key)
}

func (c *Cache) observe(kind Kind, event Event) {
	for _, o := range c.observers {
		o.ObservePrefetch(kind, event)
	}
}
