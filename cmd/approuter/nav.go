package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/approuter/pkg/push"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/router"
)

type navOptions struct {
	start    string
	replace  bool
	prefetch bool
	back     int
	action   string
	args     string
	watch    bool
	timeout  time.Duration
}

func navCmd(opts *rootOptions) *cobra.Command {
	o := &navOptions{}

	cmd := &cobra.Command{
		Use:   "nav [href...]",
		Short: "Drive a headless router through a sequence of navigations",
		Long: `Load the start page from the configured origin (or S3 export), then
navigate to each href in turn and print the resulting state.

Examples:
  approuter nav /blog /blog/a
  approuter nav --start=/blog/a --prefetch /blog/b
  approuter nav /a --back=1
  approuter nav --action=echo --args='{"n":1}'
  approuter nav --watch`,
		RunE: func(cmd *cobra.Command, hrefs []string) error {
			logger := opts.logger()
			cfg, err := opts.load(logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := startSession(ctx, cfg, o.start, logger, nil)
			if err != nil {
				return err
			}
			defer sess.router.Close()
			return runNav(ctx, sess, hrefs, o)
		},
	}

	cmd.Flags().StringVar(&o.start, "start", "/", "Page the router starts on")
	cmd.Flags().BoolVar(&o.replace, "replace", false, "Replace the history entry instead of pushing")
	cmd.Flags().BoolVar(&o.prefetch, "prefetch", false, "Prefetch each href before navigating to it")
	cmd.Flags().IntVar(&o.back, "back", 0, "Go back this many entries after navigating")
	cmd.Flags().StringVar(&o.action, "action", "", "Call this server action after navigating")
	cmd.Flags().StringVar(&o.args, "args", "null", "JSON arguments for --action")
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "Stay connected and apply pushed changes until interrupted")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "Time allowed for each step")

	return cmd
}

func runNav(ctx context.Context, sess *session, hrefs []string, o *navOptions) error {
	r := sess.router
	info("start     %s", describe(r.State()))

	step := func(fn func(context.Context) error) error {
		stepCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		return fn(stepCtx)
	}

	for _, href := range hrefs {
		if o.prefetch {
			r.Prefetch(href)
			if err := step(r.Settle); err != nil {
				return err
			}
		}
		err := step(func(ctx context.Context) error {
			var tr *router.Transition
			var err error
			if o.replace {
				tr, err = r.Replace(href)
			} else {
				tr, err = r.Push(href)
			}
			if err != nil {
				return err
			}
			return tr.Wait(ctx)
		})
		if err != nil {
			return fmt.Errorf("navigate to %s: %w", href, err)
		}
		info("%-9s %s", verb(o.replace), describe(r.State()))
		if r.State().Mode == reducer.ModeFullReload {
			return nil
		}
	}

	for i := 0; i < o.back; i++ {
		r.Back()
		if err := step(r.Settle); err != nil {
			return err
		}
		info("back      %s", describe(r.State()))
	}

	if o.action != "" {
		if !json.Valid([]byte(o.args)) {
			return errors.New("--args is not valid JSON")
		}
		var result json.RawMessage
		err := step(func(ctx context.Context) error {
			var err error
			result, err = r.CallServerAction(ctx, o.action, json.RawMessage(o.args))
			return err
		})
		if err != nil {
			return fmt.Errorf("action %s: %w", o.action, err)
		}
		info("action    %s -> %s", o.action, result)
		if err := step(r.Settle); err != nil {
			return err
		}
		info("          %s", describe(r.State()))
	}

	entries, index := sess.browser.Entries()
	for i, e := range entries {
		marker := " "
		if i == index {
			marker = ">"
		}
		info("%s history %s", marker, e.URL)
	}

	if o.watch {
		return watch(ctx, sess)
	}
	success("Done")
	return nil
}

// watch applies frames pushed by the patch server until ctx is done.
func watch(ctx context.Context, sess *session) error {
	if sess.client == nil {
		return errors.New("--watch needs an HTTP origin, not an S3 export")
	}
	endpoint := *sess.origin
	endpoint.Scheme = "ws"
	if sess.origin.Scheme == "https" {
		endpoint.Scheme = "wss"
	}
	endpoint.Path = "/_push"
	endpoint.RawQuery = ""

	unsubscribe := sess.router.Subscribe(func(s reducer.State) {
		info("update    %s", describe(s))
	})
	defer unsubscribe()

	success("Watching %s", endpoint.Redacted())
	err := push.NewSubscriber(endpoint.String(), sess.router).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func verb(replace bool) string {
	if replace {
		return "replace"
	}
	return "push"
}
