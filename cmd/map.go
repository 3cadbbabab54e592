package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/logging"
)

// flagBindings maps CLI flags to configuration keys.
var flagBindings = map[string]string{
	"seeds":           "seeds.files",
	"out":             "output.dir",
	"allow-host":      "target.allow_host",
	"origin":          "target.origin",
	"max-urls":        "crawl.max_urls",
	"rate-limit-ms":   "http.rate_limit_ms",
	"max-concurrency": "http.max_concurrency",
	"dry-run":         "crawl.dry_run",
	"log-level":       "logging.level",
}

func newMapCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Classify and crawl every endpoint reachable from the seeds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMap(cmd, opts, false)
		},
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("dry-run", false, "classify endpoints only; skip the crawl")
	return cmd
}

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify the seed endpoints without crawling (same as map --dry-run)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMap(cmd, opts, true)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("seeds", nil, "seed URL file, one URL per line (repeatable)")
	f.String("out", "", "output directory")
	f.String("allow-host", "", "the only host requests may be sent to")
	f.String("origin", "", "origin used to build detail URLs")
	f.Int("max-urls", 0, "ceiling on distinct URLs queued during the crawl")
	f.Int("rate-limit-ms", 0, "minimum milliseconds between requests")
	f.Int("max-concurrency", 0, "maximum requests in flight")
	f.String("log-level", "", "minimum log level (debug, info, warn, error)")
}

func bindFlags(cmd *cobra.Command, opts *rootOptions) error {
	for flag, key := range flagBindings {
		fl := cmd.Flags().Lookup(flag)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := opts.v.BindPFlag(key, fl); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func runMap(cmd *cobra.Command, opts *rootOptions, forceDryRun bool) error {
	if err := bindFlags(cmd, opts); err != nil {
		return err
	}
	if forceDryRun {
		opts.v.Set("crawl.dry_run", true)
	}
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	logger, err := newLogger(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if used := opts.v.ConfigFileUsed(); used != "" {
		logger.Info("Using config file", zap.String("path", used))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("Closing application failed", zap.Error(cerr))
		}
	}()

	res, runErr := runner.Run(ctx)
	if res.RunID != "" {
		printSummary(cmd, res.RunID, res.OutputDir, res.Stats.TotalEndpoints, res.Stats.DryRun, res.Stats.AuthBlocked)
	}
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	return nil
}

func printSummary(cmd *cobra.Command, runID, dir string, endpoints int, dryRun, authBlocked bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d endpoints -> %s\n", runID, endpoints, dir)
	if dryRun {
		fmt.Fprintln(out, "dry run: crawl skipped")
	}
	if authBlocked {
		fmt.Fprintln(out, "stopped: authentication blocked")
	}
}
