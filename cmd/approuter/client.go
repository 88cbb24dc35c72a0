package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/vango-dev/approuter/internal/config"
	"github.com/vango-dev/approuter/pkg/cachetree"
	"github.com/vango-dev/approuter/pkg/fetch"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/history"
	"github.com/vango-dev/approuter/pkg/middleware"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/router"
)

// session is a headless router bootstrapped from a patch source.
type session struct {
	router  *router.Router
	browser *history.MemoryBrowser
	client  *fetch.Client // nil when reading from S3
	origin  *url.URL
}

// patchSource returns the fetcher described by cfg: the S3 export when a
// bucket is configured, the HTTP patch server otherwise.
func patchSource(cfg *config.Config, origin *url.URL, logger *slog.Logger) (flight.Fetcher, *fetch.Client, error) {
	if cfg.S3.Bucket != "" {
		s3c := fetch.NewS3Client(cfg.S3.Region, cfg.S3.Endpoint, cfg.S3.PathStyle)
		fc, err := cfg.FetchConfig()
		if err != nil {
			return nil, nil, err
		}
		src := fetch.NewS3Source(s3c, cfg.S3.Bucket, cfg.S3.Prefix,
			fetch.WithS3Logger(logger),
			fetch.WithS3MaxSize(fc.MaxBodyBytes),
		)
		return src, nil, nil
	}
	fc, err := cfg.FetchConfig()
	if err != nil {
		return nil, nil, err
	}
	c := fetch.NewClient(origin, fetch.WithConfig(fc), fetch.WithLogger(logger))
	return c, c, nil
}

// startSession loads the full page at start and mounts a router on it.
func startSession(ctx context.Context, cfg *config.Config, start string, logger *slog.Logger, metrics *middleware.Metrics) (*session, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, err
	}
	startURL, err := flight.Resolve(start, origin)
	if err != nil {
		return nil, err
	}

	fetcher, client, err := patchSource(cfg, origin, logger)
	if err != nil {
		return nil, err
	}

	// A request without a tree is answered with the whole page.
	resp, err := fetcher.Fetch(ctx, &flight.Request{URL: startURL})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", startURL, err)
	}
	if len(resp.Patches) != 1 || len(resp.Patches[0].Path) != 0 {
		return nil, fmt.Errorf("load %s: expected a single root patch, got %d patches", startURL, len(resp.Patches))
	}
	if resp.CanonicalURL != "" {
		if u, err := flight.Resolve(resp.CanonicalURL, origin); err == nil {
			startURL = u
		}
	}
	root := resp.Patches[0]

	rc, err := cfg.RouterConfig()
	if err != nil {
		return nil, err
	}
	pc, err := cfg.PrefetchConfig()
	if err != nil {
		return nil, err
	}

	browser := history.NewMemoryBrowser(startURL)
	ropts := []router.Option{
		router.WithConfig(rc),
		router.WithLogger(logger),
		router.WithFetcher(fetcher),
		router.WithBrowser(browser),
		router.WithUserAgent(cfg.Fetch.UserAgent),
		router.WithMiddleware(middleware.OpenTelemetry()),
	}
	if metrics != nil {
		ropts = append(ropts,
			router.WithMiddleware(metrics.Middleware()),
			router.WithPrefetchConfig(pc, prefetch.WithObserver(metrics)),
		)
	} else {
		ropts = append(ropts, router.WithPrefetchConfig(pc))
	}
	if client != nil {
		ropts = append(ropts, router.WithActionCaller(client))
	}

	r, err := router.New(reducer.Init{
		URL:      startURL,
		Tree:     root.Tree,
		Rendered: root.Rendered,
		Head:     root.Head,
	}, ropts...)
	if err != nil {
		return nil, err
	}
	if err := r.Mount(); err != nil {
		return nil, err
	}
	return &session{router: r, browser: browser, client: client, origin: origin}, nil
}

// describe renders the parts of the state a user cares about.
func describe(s reducer.State) string {
	var segs []string
	for _, seg := range s.Tree.ActivePath() {
		segs = append(segs, seg.String())
	}
	counts := cachetree.Count(s.Tree, s.Cache)
	line := fmt.Sprintf("%s  mode=%s  tree=[%s]  ready=%d pending=%d lazy=%d", s.CanonicalURL(), s.Mode, strings.Join(segs, " "),
		counts[cachetree.StatusReady], counts[cachetree.StatusPending], counts[cachetree.StatusLazy])
	if s.Mode == reducer.ModeFullReload && s.ReloadURL != nil {
		line += "  reload=" + s.ReloadURL.String()
	}
	return line
}
