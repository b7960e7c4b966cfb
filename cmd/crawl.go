package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/config"
	"github.com/JakeFAU/wiki-circuit/internal/crawler"
	"github.com/JakeFAU/wiki-circuit/internal/job"
	"github.com/JakeFAU/wiki-circuit/internal/logging"
	"github.com/JakeFAU/wiki-circuit/internal/manager"
	"github.com/JakeFAU/wiki-circuit/internal/server"
)

const pollInterval = 250 * time.Millisecond

type crawlOptions struct {
	depth int
	top   int
}

// newCrawlCmd runs a single crawl in process and prints the most referenced
// articles.
func newCrawlCmd() *cobra.Command {
	opts := crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl <article>",
		Short: "Crawls from one article and prints the top references",
		Long: `Runs one crawl job in process against a local job cache, logging
progress as it goes, then prints the most referenced articles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.depth, "depth", 0, "maximum crawl depth (default from config)")
	cmd.Flags().IntVar(&opts.top, "top", 10, "number of results to print")
	return cmd
}

func runCrawl(ctx context.Context, cfg *config.Config, article string, opts crawlOptions, out io.Writer) error {
	if opts.depth < 0 {
		return fmt.Errorf("--depth must be >= 0, got %d", opts.depth)
	}
	logger, err := logging.Build(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	jobs, err := server.NewLocalJobCache(*cfg, logger.Named("cache"))
	if err != nil {
		return err
	}
	defer func() { _ = jobs.Dispose(context.Background()) }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := manager.New(context.Background(), jobs, server.NewWorkFactory(*cfg, logger),
		manager.WithThreshold(cfg.Jobs.ProgressThreshold),
		manager.WithLogger(logger.Named("manager")),
	)
	if err != nil {
		return err
	}

	var startOpts []manager.StartOption
	if opts.depth > 0 {
		startOpts = append(startOpts, manager.WithMaxDepth(opts.depth))
	}
	status, err := mgr.Start(ctx, article, startOpts...)
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}

	status, err = waitForJob(ctx, mgr, status.ID, logger)
	if err != nil {
		return err
	}
	if status.Status == job.StateFaulted {
		return fmt.Errorf("crawl of %s failed: %s", status.ID, status.Progress.Message)
	}
	results, _ := status.Result.([]crawler.DocumentResult)
	logger.Info("crawl finished",
		zap.String("article", status.ID),
		zap.Int("documents", len(results)),
		zap.Int64("run_time_ms", status.RunTime),
	)
	return printTop(out, results, opts.top)
}

// waitForJob polls the job until it finishes, logging each new progress
// message. Interrupting the wait stops the job.
func waitForJob(ctx context.Context, mgr *manager.Manager, id string, logger *zap.Logger) (job.Status, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last string
	for {
		status, err := mgr.Get(context.Background(), id)
		if err != nil {
			return job.Status{}, fmt.Errorf("read job status: %w", err)
		}
		if msg := status.Progress.Message; msg != "" && msg != last {
			last = msg
			logger.Info("crawl progress",
				zap.String("article", id),
				zap.Float64("ratio", status.Progress.CompletedRatio),
				zap.String("message", msg),
			)
		}
		if status.Status.IsTerminal() {
			return status, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mgr.Stop(stopCtx, id); err != nil && !errors.Is(err, manager.ErrNotRunning) {
				logger.Warn("stop crawl failed", zap.Error(err))
			}
			return job.Status{}, fmt.Errorf("crawl interrupted: %w", ctx.Err())
		}
	}
}

func printTop(out io.Writer, results []crawler.DocumentResult, top int) error {
	if top > 0 && len(results) > top {
		results = results[:top]
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tREFS\tDEPTH\tARTICLE")
	for i, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", i+1, r.ReferenceCount, r.Depth, r.Name)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}
