package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"siteaudit/internal/app"
	"siteaudit/internal/config"
	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/services/orchestrator"
)

type runOptions struct {
	url        string
	pages      int
	categories []string
	asJSON     bool
	quiet      bool
	verbose    bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Audit one site in-process",
		Long: `Run executes a full audit without usage limits and prints the result.

Examples:
  auditctl run --url example.com
  auditctl run --url https://example.com --pages 5 --categories seo,security --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.Path()
			}
			return runAudit(cmd.Context(), path, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "site to audit (required)")
	cmd.Flags().IntVar(&opts.pages, "pages", 1, "number of pages to collect")
	cmd.Flags().StringSliceVar(&opts.categories, "categories", nil, "comma-separated categories (default all)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "hide the progress bar")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runAudit(ctx context.Context, path string, opts runOptions, stdout, stderr io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil && !errors.Is(err, config.ErrNoDatabase) {
		return err
	}
	cfg.Logging.Level = "warn"
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	categories, err := domain.ParseCategories(opts.categories)
	if err != nil {
		return err
	}
	if len(categories) == 0 {
		categories = nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{SkipUsage: true})
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.Orchestrator.Prepare(ctx, domain.AuditRequest{
		URL:        opts.url,
		Pages:      opts.pages,
		Categories: categories,
		Admin:      true,
		UserAgent:  "auditctl",
	})
	if err != nil {
		return err
	}

	progress := io.Writer(stderr)
	if opts.quiet {
		progress = io.Discard
	}
	result, err := follow(run.Start(ctx), newBar(progress, len(run.Categories())))
	if err != nil {
		return err
	}
	return render(stdout, result, opts.asJSON)
}

func newBar(w io.Writer, categories int) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(24),
		progressbar.OptionSetDescription(fmt.Sprintf("auditing (%d categories)", categories)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// follow consumes the event stream, driving bar from status progress, and
// returns the final result or the run's error message.
func follow(events <-chan orchestrator.Event, bar *progressbar.ProgressBar) (*domain.AuditResult, error) {
	var (
		result *domain.AuditResult
		runErr error
	)
	for ev := range events {
		switch data := ev.Data.(type) {
		case orchestrator.StatusData:
			bar.Describe(data.Message)
			_ = bar.Set(data.Progress)
		case orchestrator.CategoryData:
			bar.Describe(fmt.Sprintf("%s: %d (%d/%d)", data.Category.Name, data.Category.Score, data.Completed, data.Total))
		case orchestrator.ErrorData:
			runErr = errors.New(data.Message)
		case *domain.AuditResult:
			result = data
		}
	}
	_ = bar.Finish()
	if runErr != nil {
		return nil, runErr
	}
	if result == nil {
		return nil, errors.New("audit ended without a result")
	}
	return result, nil
}

func render(w io.Writer, r *domain.AuditResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\noverall score: %d/100\n\n", r.URL, r.OverallScore)
	for _, c := range r.Categories {
		fmt.Fprintf(&b, "  %-22s %3d  (%d issues)\n", c.Name, c.Score, len(c.Issues))
	}
	if r.Pages.Worst != nil && len(r.Pages.All) > 1 {
		fmt.Fprintf(&b, "\nweakest page: %s (%d)\n", r.Pages.Worst.URL, r.Pages.Worst.Score)
	}
	fmt.Fprintf(&b, "\n%s\n\ntokens: %d (est. $%.4f)\n", r.Summary, r.TokenUsage.TotalTokens, r.TokenUsage.EstimatedCost)
	_, err := io.WriteString(w, b.String())
	return err
}
