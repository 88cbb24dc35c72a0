package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/approuter/internal/config"
	"github.com/vango-dev/approuter/pkg/middleware"
	"github.com/vango-dev/approuter/pkg/patchserver"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		metrics bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo patch server",
		Long: `Run a patch server for the page patterns in the config.

Requests with the RSC header get the smallest patch that turns the
client's route tree into the target page. Other requests get an HTML
document carrying the initial tree. Connected clients are told to
refresh when a page is touched:

  curl -X POST 'localhost:3000/_touch?path=/blog/a'

Examples:
  approuter serve
  approuter serve --addr=:8080 --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			cfg, err := opts.load(logger)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Server.Metrics = metrics
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "Expose Prometheus metrics")

	return cmd
}

// newServer builds the patch server described by cfg. reg is nil when
// metrics are disabled.
func newServer(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) *patchserver.Server {
	popts := []patchserver.Option{
		patchserver.WithLogger(logger),
		patchserver.WithAction("echo", func(_ context.Context, args json.RawMessage) (any, string, error) {
			return args, "", nil
		}),
	}
	for from, to := range cfg.Server.Redirects {
		popts = append(popts, patchserver.WithRedirect(from, to))
	}
	if reg != nil {
		m := middleware.NewMetrics(middleware.WithRegistry(reg))
		popts = append(popts, patchserver.WithHTTPMiddleware(m.HTTP))
	}
	return patchserver.New(patchserver.NewChainSite(cfg.Server.Pages...), popts...)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var reg *prometheus.Registry
	if cfg.Server.Metrics {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	srv := newServer(cfg, logger, reg)
	defer srv.Close()

	r := chi.NewRouter()
	if reg != nil {
		r.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Handle("/*", srv)

	hs := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.ListenAndServe()
	}()

	success("Serving patches on http://%s", cfg.Server.Address)
	if len(cfg.Server.Pages) > 0 {
		info("Pages: %v", cfg.Server.Pages)
	}
	if reg != nil {
		info("Metrics: http://%s%s", cfg.Server.Address, cfg.Server.MetricsPath)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
