package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/approuter/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	verbose    bool
	jsonLogs   bool
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "approuter",
		Short: "Client navigation and cache state machine for server-rendered apps",
		Long: `approuter drives the client side of a server-rendered application:
navigations, history restores, refreshes, server patches and actions, and
prefetching, all applied to a cached route tree.

The CLI runs a demo patch server, drives a headless router against it,
warms prefetch caches and exports static patch documents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (default: approuter.toml or approuter.json in the project root)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&opts.jsonLogs, "json-logs", false, "Log as JSON")

	rootCmd.AddCommand(
		serveCmd(opts),
		navCmd(opts),
		warmCmd(opts),
		exportCmd(opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// logger builds the process logger from the persistent flags.
func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if o.jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

// load reads and validates the config, logging any warnings.
func (o *rootOptions) load(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}
	if cfg.Path() != "" {
		logger.Debug("loaded config", "path", cfg.Path())
	}
	return cfg, nil
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
