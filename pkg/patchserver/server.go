package patchserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/push"
	"github.com/vango-dev/approuter/pkg/routepath"
)

// ErrNotFound is returned for paths the site does not render.
var ErrNotFound = errors.New("patchserver: page not found")

// ErrUnknownAction is returned for calls to unregistered actions.
var ErrUnknownAction = errors.New("patchserver: unknown action")

// ErrBadPath is returned for paths that have no canonical form.
var ErrBadPath = errors.New("patchserver: invalid path")

// maxRedirects bounds redirect chains.
const maxRedirects = 8

// Action is a server action. A non-empty redirect sends the client elsewhere;
// otherwise the page is re-rendered and returned with the result.
type Action func(ctx context.Context, args json.RawMessage) (result any, redirect string, err error)

// Toucher is implemented by sites whose pages can be invalidated.
type Toucher interface {
	Touch(p string)
}

// Config holds server settings.
type Config struct {
	// Redirects maps a path to the path it redirects to.
	Redirects map[string]string

	// Actions maps action ids to their implementation.
	Actions map[string]Action

	// MinCompressSize is the smallest body that is compressed.
	// Default: 256
	MinCompressSize int

	// MaxActionBody caps the size of action arguments.
	// Default: 1MiB
	MaxActionBody int64

	// Hub configures the push endpoint.
	Hub *push.HubConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Redirects:       make(map[string]string),
		Actions:         make(map[string]Action),
		MinCompressSize: 256,
		MaxActionBody:   1 << 20,
		Hub:             push.DefaultHubConfig(),
	}
}

// Server serves a Site over HTTP.
type Server struct {
	site       Site
	config     *Config
	logger     *slog.Logger
	hub        *push.Hub
	handler    http.Handler
	middleware []func(http.Handler) http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces the server configuration.
func WithConfig(c *Config) Option {
	return func(s *Server) {
		if c != nil {
			s.config = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRedirect registers a redirect from one path to another.
func WithRedirect(from, to string) Option {
	return func(s *Server) {
		s.config.Redirects[routepath.MustClean(from)] = to
	}
}

// WithAction registers a server action.
func WithAction(id string, fn Action) Option {
	return func(s *Server) {
		s.config.Actions[id] = fn
	}
}

// WithHTTPMiddleware adds HTTP middleware in front of every route.
func WithHTTPMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// New creates a server for site.
func New(site Site, opts ...Option) *Server {
	s := &Server{
		site:   site,
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.Redirects == nil {
		s.config.Redirects = make(map[string]string)
	}
	if s.config.Actions == nil {
		s.config.Actions = make(map[string]Action)
	}
	s.logger = s.logger.With("component", "patchserver")
	s.hub = push.NewHub(s.config.Hub, s.logger)
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(canonicalize)
	r.Use(s.middleware...)

	r.Get("/_health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/_push", s.hub)
	r.Post("/_touch", s.handleTouch)
	r.Get("/*", s.handlePage)
	r.Post("/*", s.handleAction)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub returns the push hub served at /_push.
func (s *Server) Hub() *push.Hub {
	return s.hub
}

// Close disconnects push subscribers.
func (s *Server) Close() {
	s.hub.Close()
}

// =============================================================================
// In-memory API
// =============================================================================

// Respond answers a patch request without HTTP. Redirects are followed and
// reported as the canonical URL.
func (s *Server) Respond(req *flight.Request) (*flight.Response, error) {
	p, redirected, err := s.follow(req.URL.Path)
	if err != nil {
		return nil, err
	}
	resp, err := s.render(p, req)
	if err != nil {
		return nil, err
	}
	if redirected {
		resp.CanonicalURL = p
	}
	return resp, nil
}

// Fetcher returns a flight.Fetcher backed by Respond.
func (s *Server) Fetcher() flight.Fetcher {
	return flight.FetcherFunc(func(ctx context.Context, req *flight.Request) (*flight.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.Respond(req)
	})
}

// CallAction runs action id for the page of req without HTTP.
func (s *Server) CallAction(ctx context.Context, id string, args json.RawMessage, req *flight.Request) (*flight.Response, error) {
	fn, ok := s.config.Actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	result, redirect, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}

	var resp *flight.Response
	if redirect != "" {
		target, err := routepath.LocalTarget(redirect)
		if err != nil {
			return nil, fmt.Errorf("patchserver: action %s redirect %q: %w", id, redirect, err)
		}
		resp = &flight.Response{Redirect: target}
	} else {
		p, err := cleanPath(req.URL.Path)
		if err != nil {
			return nil, err
		}
		tree, rendered, ok := s.site.Render(p)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
		}
		resp = &flight.Response{Patches: RefreshPatches(tree, rendered)}
	}
	if result != nil {
		if resp.ActionResult, err = json.Marshal(result); err != nil {
			return nil, fmt.Errorf("patchserver: encode action result: %w", err)
		}
	}
	return resp, nil
}

// Touch invalidates the layout at p and tells subscribers to refresh. It
// returns the number of subscribers notified.
func (s *Server) Touch(p string) (int, error) {
	t, ok := s.site.(Toucher)
	if !ok {
		return 0, errors.New("patchserver: site does not support touch")
	}
	t.Touch(p)
	return s.hub.Broadcast(push.Frame{Type: push.TypeRefresh})
}

func (s *Server) follow(p string) (string, bool, error) {
	p, err := cleanPath(p)
	if err != nil {
		return "", false, err
	}
	redirected := false
	for i := 0; i < maxRedirects; i++ {
		to, ok := s.config.Redirects[p]
		if !ok {
			return p, redirected, nil
		}
		if p, err = cleanPath(to); err != nil {
			return "", false, err
		}
		redirected = true
	}
	return "", false, fmt.Errorf("patchserver: too many redirects at %s", p)
}

func (s *Server) render(p string, req *flight.Request) (*flight.Response, error) {
	tree, rendered, ok := s.site.Render(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return &flight.Response{Patches: Diff(req.Tree, tree, rendered, req.TreeOnly)}, nil
}

// =============================================================================
// HTTP handlers
// =============================================================================

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	p, err := cleanPath(r.URL.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if to, ok := s.config.Redirects[p]; ok {
		target := &url.URL{Path: to, RawQuery: r.URL.RawQuery}
		http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
		return
	}

	if r.Header.Get(flight.HeaderPatch) == "" {
		s.serveDocument(w, r, p)
		return
	}

	req, err := patchRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.render(p, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePatch(w, r, resp)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(flight.HeaderAction)
	if id == "" {
		http.Error(w, "missing "+flight.HeaderAction+" header", http.StatusBadRequest)
		return
	}
	args, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxActionBody+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if int64(len(args)) > s.config.MaxActionBody {
		http.Error(w, "action arguments too large", http.StatusRequestEntityTooLarge)
		return
	}
	req, err := patchRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.CallAction(r.Context(), id, json.RawMessage(args), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("action called", "action", id, "path", r.URL.Path, "redirect", resp.Redirect)
	s.writePatch(w, r, resp)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	p, err := cleanPath(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.Touch(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"path": p, "notified": n})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrBadPath):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writePatch(w http.ResponseWriter, r *http.Request, resp *flight.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", flight.ContentType)
	h.Set("Vary", strings.Join([]string{
		flight.HeaderPatch, flight.HeaderStateTree, flight.HeaderPrefetch, flight.HeaderNextURL, "Accept-Encoding",
	}, ", "))
	h.Set("Cache-Control", "private, no-cache")
	s.writeBody(w, r, data)
}

// patchRequest rebuilds the flight request a client sent.
func patchRequest(r *http.Request) (*flight.Request, error) {
	u := flight.CanonicalURL(r.URL, false)
	req := &flight.Request{
		URL:      u,
		NextURL:  r.Header.Get(flight.HeaderNextURL),
		TreeOnly: r.Header.Get(flight.HeaderPrefetch) == "1",
	}
	if enc := r.Header.Get(flight.HeaderStateTree); enc != "" {
		tree, err := flight.DecodeStateTree(enc)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header: %w", flight.HeaderStateTree, err)
		}
		req.Tree = tree
	}
	return req, nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"patch", r.Header.Get(flight.HeaderPatch) != "",
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func cleanPath(p string) (string, error) {
	clean, _, err := routepath.Clean(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	return clean, nil
}

// canonicalize redirects document requests for non-canonical paths to their
// canonical form with 308, keeping the method and query. Patch and action
// requests are served for the canonical path directly.
func canonicalize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean, changed, err := routepath.Clean(r.URL.EscapedPath())
		if err != nil {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		if changed && r.Header.Get(flight.HeaderPatch) == "" {
			target := clean
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}
