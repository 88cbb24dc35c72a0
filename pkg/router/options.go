package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/history"
	"github.com/vango-dev/approuter/pkg/prefetch"
)

// Config holds router settings.
type Config struct {
	// QueueSize is the capacity of the action queue.
	// Default: 256
	QueueSize int

	// FetchTimeout bounds a navigation fetch. When it expires the
	// navigation falls back to a full document load.
	// Default: 10s
	FetchTimeout time.Duration

	// Dev enables development-only operations such as FastRefresh.
	Dev bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:    256,
		FetchTimeout: 10 * time.Second,
	}
}

// ActionCaller performs server action calls.
type ActionCaller interface {
	CallAction(ctx context.Context, id string, args json.RawMessage, req *flight.Request) (*flight.Response, error)
}

// ActionCallerFunc adapts a function to ActionCaller.
type ActionCallerFunc func(ctx context.Context, id string, args json.RawMessage, req *flight.Request) (*flight.Response, error)

// CallAction calls f.
func (f ActionCallerFunc) CallAction(ctx context.Context, id string, args json.RawMessage, req *flight.Request) (*flight.Response, error) {
	return f(ctx, id, args, req)
}

// Option configures a Router.
type Option func(*Router)

// WithConfig replaces the whole configuration.
func WithConfig(c *Config) Option {
	return func(r *Router) {
		if c != nil {
			r.config = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithFetcher sets the source of navigation patches. It is required.
func WithFetcher(f flight.Fetcher) Option {
	return func(r *Router) {
		r.fetcher = f
	}
}

// WithActionCaller sets the transport for server actions.
func WithActionCaller(c ActionCaller) Option {
	return func(r *Router) {
		r.actions = c
	}
}

// WithBrowser sets the history host. Without it the router keeps history in
// memory.
func WithBrowser(b history.Browser) Option {
	return func(r *Router) {
		r.browser = b
	}
}

// WithPrefetchCache uses an existing prefetch cache. The cache must be built
// on the same fetcher as the router.
func WithPrefetchCache(c *prefetch.Cache) Option {
	return func(r *Router) {
		r.prefetch = c
	}
}

// WithPrefetchConfig configures the prefetch cache the router creates.
func WithPrefetchConfig(c *prefetch.Config, opts ...prefetch.Option) Option {
	return func(r *Router) {
		r.prefetchConfig = c
		r.prefetchOpts = append(r.prefetchOpts, opts...)
	}
}

// WithUserAgent sets the user agent of the host. Prefetching is disabled for
// crawlers.
func WithUserAgent(ua string) Option {
	return func(r *Router) {
		r.userAgent = ua
	}
}

// WithDevelopment enables development-only operations.
func WithDevelopment(dev bool) Option {
	return func(r *Router) {
		r.config.Dev = dev
	}
}

// WithFetchTimeout sets Config.FetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.config.FetchTimeout = d
	}
}

// WithMiddleware wraps the reducer. The first middleware is the outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(r *Router) {
		r.middleware = append(r.middleware, mw...)
	}
}

// WithRegistry sets the registry the router mounts into.
// Default: DefaultRegistry
func WithRegistry(g *Registry) Option {
	return func(r *Router) {
		r.registry = g
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NavigateOptions configures a navigation.
type NavigateOptions struct {
	// Scroll moves the viewport to the changed segment after commit.
	// Defaults to true.
	Scroll bool
}

// NavigateOption is a functional option for Push and Replace.
type NavigateOption func(*NavigateOptions)

// WithoutScroll keeps the scroll position after navigation.
func WithoutScroll() NavigateOption {
	return func(o *NavigateOptions) {
		o.Scroll = false
	}
}

// PrefetchOptions configures a prefetch.
type PrefetchOptions struct {
	// Kind selects the payload. Defaults to prefetch.Full.
	Kind prefetch.Kind
}

// PrefetchOption is a functional option for Prefetch.
type PrefetchOption func(*PrefetchOptions)

// WithKind sets the prefetch kind.
func WithKind(k prefetch.Kind) PrefetchOption {
	return func(o *PrefetchOptions) {
		o.Kind = k
	}
}
