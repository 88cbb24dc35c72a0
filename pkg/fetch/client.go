package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/approuter/pkg/flight"
)

// TracerName is the instrumentation name of the client spans.
const TracerName = "github.com/vango-dev/approuter/pkg/fetch"

// ErrNotPatch is returned when the server answers with something other than a
// patch document, e.g. an HTML error page. The router loads such targets as
// full documents.
var ErrNotPatch = fmt.Errorf("%w: response is not a patch document", flight.ErrUnavailable)

// StatusError reports a non-2xx answer.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s: unexpected status %d", e.URL, e.StatusCode)
}

// Temporary reports whether the request may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config holds client settings.
type Config struct {
	// AttemptTimeout bounds one HTTP attempt.
	// Default: 5s
	AttemptTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Default: 2
	MaxRetries uint

	// RetryInterval is the first backoff interval.
	// Default: 100ms
	RetryInterval time.Duration

	// MaxRetryTime bounds the total time spent retrying.
	// Default: 8s
	MaxRetryTime time.Duration

	// BreakerFailures is the number of consecutive failures that open the
	// circuit breaker. Zero disables the breaker.
	// Default: 5
	BreakerFailures int

	// BreakerTimeout is how long the breaker stays open.
	// Default: 30s
	BreakerTimeout time.Duration

	// HalfOpenRequests is the number of probes allowed while half-open.
	// Default: 1
	HalfOpenRequests uint32

	// MaxBodyBytes caps the decoded response size.
	// Default: 8 MiB
	MaxBodyBytes int64

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AttemptTimeout:   5 * time.Second,
		MaxRetries:       2,
		RetryInterval:    100 * time.Millisecond,
		MaxRetryTime:     8 * time.Second,
		BreakerFailures:  5,
		BreakerTimeout:   30 * time.Second,
		HalfOpenRequests: 1,
		MaxBodyBytes:     8 << 20,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the client configuration.
func WithConfig(c *Config) Option {
	return func(cl *Client) {
		if c != nil {
			cl.config = c
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) {
		cl.http = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cl *Client) {
		cl.tracer = tp.Tracer(TracerName)
	}
}

// Client fetches patch documents and calls server actions over HTTP.
// It implements flight.Fetcher and router.ActionCaller.
type Client struct {
	base    *url.URL
	http    *http.Client
	config  *Config
	breaker *gobreaker.TwoStepCircuitBreaker
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewClient creates a client for the site at base. Relative request URLs are
// resolved against base.
func NewClient(base *url.URL, opts ...Option) *Client {
	c := &Client{
		base:   base,
		http:   http.DefaultClient,
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(TracerName)
	}
	c.logger = c.logger.With("component", "fetch")

	if c.config.BreakerFailures > 0 {
		failures := uint32(c.config.BreakerFailures)
		name := "patches"
		if base != nil {
			name = base.Host
		}
		c.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: c.config.HalfOpenRequests,
			Timeout:     c.config.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Info("circuit breaker state change", "host", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// BreakerState returns the circuit breaker state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Fetch implements flight.Fetcher.
func (c *Client) Fetch(ctx context.Context, req *flight.Request) (*flight.Response, error) {
	target := c.resolve(flight.PatchURL(req))

	ctx, span := c.tracer.Start(ctx, "approuter.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.path", target.Path),
			attribute.Bool("approuter.tree_only", req.TreeOnly),
		),
	)
	defer span.End()

	done, err := c.allow()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	attempts := 0
	op := func() (*flight.Response, error) {
		attempts++
		return c.fetchOnce(ctx, target, req)
	}
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.config.MaxRetries+1),
		backoff.WithMaxElapsedTime(c.config.MaxRetryTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying patch fetch", "url", target.Path, "error", err, "in", next)
		}),
	)
	done(err == nil || errors.Is(err, ErrNotPatch) || errors.Is(err, context.Canceled))
	span.SetAttributes(attribute.Int("approuter.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("approuter.patches", len(resp.Patches)))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *Client) fetchOnce(ctx context.Context, target *url.URL, req *flight.Request) (*flight.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	c.setHeaders(hreq, req)

	res, err := c.http.Do(hreq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer res.Body.Close()

	resp, err := c.decode(res, target)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Temporary() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	// The canonical URL follows server redirects unless the response sets
	// one explicitly.
	if resp.CanonicalURL == "" && res.Request != nil && res.Request.URL.Path != target.Path {
		resp.CanonicalURL = flight.CreateHref(flight.CanonicalURL(res.Request.URL, false))
	}
	return resp, nil
}

func (c *Client) setHeaders(hreq *http.Request, req *flight.Request) {
	hreq.Header.Set(flight.HeaderPatch, "1")
	hreq.Header.Set("Accept", flight.ContentType)
	hreq.Header.Set("Accept-Encoding", AcceptEncoding)
	if req.Tree != nil {
		hreq.Header.Set(flight.HeaderStateTree, flight.EncodeStateTree(req.Tree))
	}
	if req.TreeOnly {
		hreq.Header.Set(flight.HeaderPrefetch, "1")
	}
	if req.NextURL != "" {
		hreq.Header.Set(flight.HeaderNextURL, req.NextURL)
	}
	if c.config.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.config.UserAgent)
	}
}

// decode checks status and media type and decodes the body.
func (c *Client) decode(res *http.Response, target *url.URL) (*flight.Response, error) {
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{StatusCode: res.StatusCode, URL: target.Path}
	}
	media, _, err := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if err != nil || media != flight.ContentType {
		return nil, fmt.Errorf("%w (%s)", ErrNotPatch, res.Header.Get("Content-Type"))
	}
	data, err := readBody(res.Body, res.Header.Get("Content-Encoding"), c.config.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	return flight.Decode(data)
}

func (c *Client) resolve(u *url.URL) *url.URL {
	if c.base == nil || u.IsAbs() {
		return u
	}
	return c.base.ResolveReference(u)
}

func (c *Client) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInterval
	b.MaxInterval = c.config.MaxRetryTime
	return b
}

// allow asks the breaker for permission. The returned function reports the
// outcome.
func (c *Client) allow() (func(bool), error) {
	if c.breaker == nil {
		return func(bool) {}, nil
	}
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", flight.ErrUnavailable, c.breaker.Name(), err)
	}
	return done, nil
}
