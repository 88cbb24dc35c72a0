package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/router"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Target receives pushed changes. *router.Router implements it.
type Target interface {
	ChangeByServerResponse(previousTree *routetree.Node, resp *flight.Response, overrideCanonicalURL *url.URL) error
	Refresh() (*router.Transition, error)
	State() reducer.State
}

// Config holds subscriber settings.
type Config struct {
	// ReadTimeout is the maximum time without any frame from the hub.
	// Default: 90s
	ReadTimeout time.Duration

	// ReconnectMin is the first reconnect delay.
	// Default: 500ms
	ReconnectMin time.Duration

	// ReconnectMax caps the reconnect delay.
	// Default: 30s
	ReconnectMax time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:  90 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

// Subscriber applies frames from a Hub to a Target.
type Subscriber struct {
	endpoint string
	target   Target
	dialer   *websocket.Dialer
	header   http.Header
	config   *Config
	logger   *slog.Logger
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Subscriber) {
		s.dialer = d
	}
}

// WithHeader sets headers sent with the handshake.
func WithHeader(h http.Header) Option {
	return func(s *Subscriber) {
		s.header = h
	}
}

// WithConfig replaces the subscriber configuration.
func WithConfig(c *Config) Option {
	return func(s *Subscriber) {
		if c != nil {
			s.config = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a subscriber for the hub at endpoint (ws:// or wss://).
func NewSubscriber(endpoint string, target Target, opts ...Option) *Subscriber {
	s := &Subscriber{
		endpoint: endpoint,
		target:   target,
		dialer:   websocket.DefaultDialer,
		config:   DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "push")
	return s
}

// Run connects to the hub and applies frames until ctx is done, reconnecting
// with exponential backoff. It returns ctx's error.
func (s *Subscriber) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.ReconnectMin
	b.MaxInterval = s.config.ReconnectMax

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Info("push connection lost", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the handshake
// succeeded.
func (s *Subscriber) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, s.header)
	if err != nil {
		return false, fmt.Errorf("push: dial %s: %w", s.endpoint, err)
	}
	defer conn.Close()
	s.logger.Debug("push connected", "endpoint", s.endpoint)

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, err
		}
		if err := s.Handle(msg); err != nil {
			if errors.Is(err, errClosed) {
				return true, err
			}
			s.logger.Warn("push frame rejected", "error", err)
		}
	}
}

var errClosed = errors.New("push: target closed")

// Handle applies one raw frame.
func (s *Subscriber) Handle(msg []byte) error {
	switch typ := FrameType(msg); typ {
	case TypePing:
		return nil

	case TypeRefresh:
		if _, err := s.target.Refresh(); err != nil {
			return fmt.Errorf("%w: %v", errClosed, err)
		}
		return nil

	case TypePatch:
		f, err := DecodeFrame(msg)
		if err != nil {
			return err
		}
		if f.Response == nil {
			return errors.New("push: patch frame without response")
		}
		var override *url.URL
		if f.CanonicalURL != "" {
			if override, err = url.Parse(f.CanonicalURL); err != nil {
				return fmt.Errorf("push: canonical url: %w", err)
			}
			if cur := s.target.State().URL; cur != nil {
				override = cur.ResolveReference(override)
			}
		}
		prev := f.PreviousTree
		if prev == nil {
			prev = s.target.State().Tree
		}
		if err := s.target.ChangeByServerResponse(prev, f.Response, override); err != nil {
			return fmt.Errorf("%w: %v", errClosed, err)
		}
		return nil

	case "":
		return errors.New("push: frame is not a JSON object with a type")

	default:
		s.logger.Debug("unknown push frame", "type", typ)
		return nil
	}
}
