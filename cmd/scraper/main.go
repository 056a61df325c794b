package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-products/config"
)

var version = "dev"

type runOptions struct {
	configPath  string
	categories  []string
	resume      bool
	maxItems    int
	maxPages    int
	parallel    int
	schema      string
	outputDir   string
	metricsAddr string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scraper",
		Short:         "Crawl e-commerce category listings into SQLite, JSON and CSV",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl categories, or resume from the failure ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fail(err)
			}
			applyFlags(cmd, opts, cfg)

			logger, level := newLogger(cfg.Verbose)
			slog.SetDefault(logger)
			slog.SetLogLoggerLevel(level.Level())

			if err := cfg.Validate(); err != nil {
				slog.Error("invalid configuration", slog.Any("error", err))
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				slog.Info("shutdown signal received, waiting for in-flight work to finish")
			}()

			return runCrawl(ctx, cfg)
		},
	}

	bindRunFlags(cmd, opts)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, opts *runOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file path (default ./scraper.yaml when present)")
	f.StringSliceVar(&opts.categories, "category", nil, "category code to crawl, repeatable; skips discovery")
	f.BoolVar(&opts.resume, "resume", false, "retry only the URLs in the failure ledger")
	f.IntVar(&opts.maxItems, "max-items", 0, "maximum items to accept")
	f.IntVar(&opts.maxPages, "max-pages", 0, "maximum listing pages per category")
	f.IntVar(&opts.parallel, "parallel", 0, "concurrent categories and detail workers")
	f.StringVar(&opts.schema, "schema", "", "built-in schema name or schema file path")
	f.StringVar(&opts.outputDir, "output-dir", "", "directory for exports, database and ledger")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scraper %s\n", version)
		},
	}
}

// applyFlags overrides cfg with the flags set on the command line. A new
// output directory moves the database and ledger unless the config file
// placed them explicitly elsewhere.
func applyFlags(cmd *cobra.Command, opts *runOptions, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("category") {
		cfg.Categories = opts.categories
	}
	if changed("resume") {
		cfg.Resume = opts.resume
	}
	if changed("max-items") {
		cfg.MaxItems = opts.maxItems
	}
	if changed("max-pages") {
		cfg.MaxPages = opts.maxPages
	}
	if changed("parallel") {
		cfg.Parallelism = opts.parallel
	}
	if changed("schema") {
		cfg.Schema = opts.schema
	}
	if changed("output-dir") {
		defaults := config.DefaultConfig()
		if cfg.DatabasePath == defaults.DatabasePath {
			cfg.DatabasePath = ""
		}
		if cfg.FailedURLsFile == defaults.FailedURLsFile {
			cfg.FailedURLsFile = ""
		}
		cfg.OutputDir = opts.outputDir
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = cfg.OutputPath("crawl.db")
		}
		if cfg.FailedURLsFile == "" {
			cfg.FailedURLsFile = cfg.OutputPath("failed_urls.txt")
		}
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if changed("verbose") {
		cfg.Verbose = opts.verbose
	}
}

func fail(err error) error {
	fmt.Fprintln(os.Stderr, err)
	return err
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
