// Package cmd provides the CLI commands for terraform-updater.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Logger defines the logging interface used by the command.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// Runner executes a batch plan.
type Runner interface {
	Run(ctx context.Context, plan domain.Plan) domain.BatchResult
}

// ErrRepositoriesFailed is returned after the report is written when at
// least one repository failed.
var ErrRepositoriesFailed = errors.New("one or more repositories failed")

// Dependencies holds all injectable dependencies for the command.
// This enables testing by allowing mock implementations to be injected.
type Dependencies struct {
	// LoggerFactory creates a logger instance.
	LoggerFactory func() Logger

	// ConfigLoader loads application configuration from the environment.
	ConfigLoader func() (*AppConfig, error)

	// RulesLoader reads the rules file. Settings in base are kept.
	RulesLoader func(path string, base domain.Settings) (*Rules, error)

	// ProviderFactory opens repositories on GitHub, or in local clones
	// under localRoot when it is set.
	ProviderFactory func(cfg *AppConfig, localRoot string, log Logger) (domain.RepositoryProvider, error)

	// NotifierFactory creates the notifier for per-repository and batch results.
	NotifierFactory func(cfg *AppConfig, log Logger) domain.Notifier

	// RunnerFactory creates the batch controller.
	RunnerFactory func(
		provider domain.RepositoryProvider,
		notifier domain.Notifier,
		rules *Rules,
		log Logger,
	) Runner

	// ReportWriterFactory creates the report writer for the named format.
	ReportWriterFactory func(format string, out io.Writer) (domain.ReportWriter, error)

	// Stdout is the writer for the batch report.
	Stdout io.Writer

	// Stderr is the writer for standard error (for warnings/errors).
	Stderr io.Writer
}

// AppConfig holds application configuration loaded by ConfigLoader.
type AppConfig struct {
	// Credentials is passed to the ProviderFactory.
	Credentials any

	// Settings are the environment-derived batch settings.
	Settings domain.Settings

	// ConfigFile is the default rules file path.
	ConfigFile string

	SlackWebhookURL string

	RateLimitThreshold int

	// LogLevel is the log level setting.
	LogLevel string

	// LogAppName is the application name for logging.
	LogAppName string
}

// Rules is the loaded rules file.
type Rules struct {
	Plan domain.Plan

	// ExpressionPrefixes and ExpressionOperators are passed to the RunnerFactory.
	ExpressionPrefixes  []string
	ExpressionOperators []string
}

// Command-line flags.
var (
	configFile  string
	dryRun      bool
	localRoot   string
	concurrency int
	outputFmt   string
	verbose     bool
)

// defaultDeps holds the production dependencies.
// This is set by the production wiring in main or via SetDefaultDependencies.
var defaultDeps *Dependencies

// SetDefaultDependencies sets the default dependencies for production use.
// This should be called from main() before Execute().
func SetDefaultDependencies(deps *Dependencies) {
	defaultDeps = deps
}

// NewRootCmd creates the root command for terraform-updater.
func NewRootCmd() *cobra.Command {
	return NewRootCmdWithDeps(defaultDeps)
}

// NewRootCmdWithDeps creates the root command with explicit dependencies.
// This is the primary constructor that enables testing via dependency injection.
func NewRootCmdWithDeps(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terraform-updater",
		Short: "Apply rule-driven parameter updates to Terraform files across repositories",
		Long: `terraform-updater rewrites parameters in Terraform files across many
repositories according to a YAML rules file.

For every repository it reads the configured files from the base branch,
applies the update rules and not-found policies in order, commits every
file that changed substantively onto a fresh branch, and opens one pull
request. Formatting-only differences are never committed.

Credentials and defaults come from the environment (GITHUB_TOKEN or a
GitHub App, BASE_BRANCH, BRANCH_PREFIX, CONFIG_FILE, DRY_RUN,
SLACK_WEBHOOK_URL). The command exits non-zero when any repository failed.

Examples:
  # Apply config.yaml
  terraform-updater

  # Preview changes without writing anything
  terraform-updater --dry-run -c rules.yaml

  # Work on local clones under ./repos instead of the GitHub API
  terraform-updater --local-root ./repos

  # Machine-readable report
  terraform-updater --output json`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd, deps)
		},
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "",
		"Path to the rules file (defaults to CONFIG_FILE or config.yaml)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Run every step but write nothing; print diffs instead")
	rootCmd.Flags().StringVar(&localRoot, "local-root", "",
		"Directory of local clones (<root>/<owner>/<repo> or <root>/<repo>) to use instead of GitHub")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0,
		"Number of repositories processed at once (overrides the rules file)")
	rootCmd.Flags().StringVar(&outputFmt, "output", "table",
		"Report format: table or json")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose/debug logging")

	return rootCmd
}

// runUpdate executes the batch with injected dependencies.
func runUpdate(cmd *cobra.Command, deps *Dependencies) error {
	if deps == nil {
		return errors.New("dependencies not configured")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	stdout := deps.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := deps.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	// Set log level based on verbose flag (best-effort)
	if verbose {
		if err := os.Setenv("LOG_LEVEL", "debug"); err != nil {
			writeWarningf(stderr, "warning: could not set log level: %v\n", err)
		}
	}

	log := deps.LoggerFactory()

	cfg, err := deps.ConfigLoader()
	if err != nil {
		log.Error(ctx, "failed to load configuration", err, nil)
		return fmt.Errorf("configuration error: %w", err)
	}

	rulesPath := cfg.ConfigFile
	if configFile != "" {
		rulesPath = configFile
	}

	base := cfg.Settings
	base.DryRun = base.DryRun || dryRun

	log.Info(ctx, "starting terraform-updater", map[string]interface{}{
		"config":     rulesPath,
		"dry_run":    base.DryRun,
		"local_root": localRoot,
		"verbose":    verbose,
	})

	rules, err := deps.RulesLoader(rulesPath, base)
	if err != nil {
		log.Error(ctx, "failed to load rules", err, map[string]interface{}{
			"path": rulesPath,
		})
		return fmt.Errorf("configuration error: %w", err)
	}
	if concurrency < 0 {
		return fmt.Errorf("configuration error: --concurrency must not be negative")
	}
	if concurrency > 0 {
		rules.Plan.Settings.Concurrency = concurrency
	}

	writer, err := deps.ReportWriterFactory(outputFmt, stdout)
	if err != nil {
		return fmt.Errorf("output error: %w", err)
	}

	provider, err := deps.ProviderFactory(cfg, localRoot, log)
	if err != nil {
		log.Error(ctx, "failed to initialize repository provider", err, nil)
		return fmt.Errorf("provider error: %w", err)
	}

	notifier := deps.NotifierFactory(cfg, log)
	runner := deps.RunnerFactory(provider, notifier, rules, log)

	batch := runner.Run(ctx, rules.Plan)

	if err := writer.WriteReport(batch); err != nil {
		log.Error(ctx, "failed to write report", err, nil)
		return fmt.Errorf("output error: %w", err)
	}

	counts := batch.Counts()
	log.Info(ctx, "terraform-updater complete", map[string]interface{}{
		"total":   counts.Total,
		"failed":  counts.Failed,
		"prs":     counts.PRs,
		"dry_run": batch.DryRun,
	})

	if counts.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrRepositoriesFailed, counts.Failed, counts.Total)
	}
	return nil
}

// Execute runs the root command. SIGINT and SIGTERM cancel the batch;
// repositories not yet started are reported as failed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rootCmd := NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// writeWarningf writes a warning message to the given writer.
// This is a best-effort operation; errors are intentionally ignored
// because there is no recovery action if stderr writes fail.
func writeWarningf(w io.Writer, format string, args ...any) {
	_, err := fmt.Fprintf(w, format, args...)
	if err != nil {
		return
	}
}
