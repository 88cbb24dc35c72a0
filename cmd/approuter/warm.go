package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/middleware"
	"github.com/vango-dev/approuter/pkg/prefetch"
)

func warmCmd(opts *rootOptions) *cobra.Command {
	var (
		start       string
		kind        string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "warm href...",
		Short: "Prefetch pages and report cache behaviour",
		Long: `Load the start page, prefetch every href concurrently and print the
prefetch cache events. Each href is requested twice so the second round
shows whether entries are reused.

Examples:
  approuter warm /blog/a /blog/b
  approuter warm --kind=auto --concurrency=2 /a /b /c`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, hrefs []string) error {
			k, ok := prefetch.ParseKind(kind)
			if !ok {
				return fmt.Errorf("unknown prefetch kind %q (want auto or full)", kind)
			}
			logger := opts.logger()
			cfg, err := opts.load(logger)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			metrics := middleware.NewMetrics(middleware.WithRegistry(reg))
			sess, err := startSession(cmd.Context(), cfg, start, logger, metrics)
			if err != nil {
				return err
			}
			defer sess.router.Close()

			for round := 1; round <= 2; round++ {
				if err := warm(cmd.Context(), sess, hrefs, k, concurrency); err != nil {
					return err
				}
			}
			return report(reg, sess.router.Prefetches().Len())
		},
	}

	cmd.Flags().StringVar(&start, "start", "/", "Page the router starts on")
	cmd.Flags().StringVar(&kind, "kind", "full", "Prefetch kind: auto or full")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Prefetches in flight at once")

	return cmd
}

// warm prefetches hrefs against the current tree and waits for each entry.
// Rate-limited prefetches are counted by the cache and skipped here.
func warm(ctx context.Context, sess *session, hrefs []string, kind prefetch.Kind, concurrency int) error {
	state := sess.router.State()
	cache := sess.router.Prefetches()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, href := range hrefs {
		u, err := flight.Resolve(href, state.URL)
		if err != nil {
			return err
		}
		g.Go(func() error {
			e, err := cache.Prefetch(ctx, &flight.Request{URL: u, Tree: state.Tree, NextURL: state.NextURL}, kind)
			if errors.Is(err, prefetch.ErrRateLimited) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := e.Wait(ctx); err != nil {
				return fmt.Errorf("prefetch %s: %w", href, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func report(reg *prometheus.Registry, entries int) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			label := ""
			for _, l := range m.GetLabel() {
				label += l.GetName() + "=" + l.GetValue() + " "
			}
			lines = append(lines, fmt.Sprintf("%-40s %s%v", f.GetName(), label, m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		info("%s", l)
	}
	success("%d entries cached", entries)
	return nil
}
