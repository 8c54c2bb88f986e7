// Package main is the entry point for the terraform-updater CLI application.
// terraform-updater applies rule-driven parameter updates to Terraform files
// across many repositories and opens one pull request per repository.
package main

import (
	"context"
	"io"
	"os"

	"github.com/MyCarrier-DevOps/goLibMyCarrier/logger"

	"github.com/MyCarrier-DevOps/terraform-updater/cmd"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/clock"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/git"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/github"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/hcltree"
	logadapter "github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/logger"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/notify"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/output"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/adapters/ratelimit"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/infrastructure/config"
	"github.com/MyCarrier-DevOps/terraform-updater/internal/usecases"
)

func main() {
	// Create a single shared logger instance for the application
	zapLog := logger.NewZapLoggerFromConfig()
	adapter := logadapter.NewZapAdapter(zapLog)
	systemClock := clock.New()

	// Wire up production dependencies
	deps := &cmd.Dependencies{
		LoggerFactory: func() cmd.Logger {
			return adapter
		},

		ConfigLoader: func() (*cmd.AppConfig, error) {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			return &cmd.AppConfig{
				Credentials:        cfg.GitHub,
				Settings:           cfg.Settings(),
				ConfigFile:         cfg.ConfigFile,
				SlackWebhookURL:    cfg.SlackWebhookURL,
				RateLimitThreshold: cfg.RateLimitThreshold,
				LogLevel:           cfg.LogLevel,
				LogAppName:         cfg.LogAppName,
			}, nil
		},

		RulesLoader: func(path string, base domain.Settings) (*cmd.Rules, error) {
			rules, err := config.LoadRules(path, base)
			if err != nil {
				return nil, err
			}
			return &cmd.Rules{
				Plan:                rules.Plan,
				ExpressionPrefixes:  rules.ExpressionPrefixes,
				ExpressionOperators: rules.ExpressionOperators,
			}, nil
		},

		ProviderFactory: func(cfg *cmd.AppConfig, localRoot string, _ cmd.Logger) (domain.RepositoryProvider, error) {
			if localRoot != "" {
				return git.NewProvider(localRoot, systemClock, adapter.WithComponent("git")), nil
			}
			creds, ok := cfg.Credentials.(config.GitHubConfig)
			if !ok {
				return nil, newConfigTypeError("config.GitHubConfig")
			}
			return newGitHubProvider(creds, cfg.RateLimitThreshold, systemClock, adapter)
		},

		NotifierFactory: func(cfg *cmd.AppConfig, _ cmd.Logger) domain.Notifier {
			return notify.New(notify.Options{
				WebhookURL:     cfg.SlackWebhookURL,
				WorkflowRunURL: cfg.Settings.WorkflowRunURL,
			}, adapter.WithComponent("notify"))
		},

		RunnerFactory: func(
			provider domain.RepositoryProvider,
			notifier domain.Notifier,
			rules *cmd.Rules,
			_ cmd.Logger,
		) cmd.Runner {
			formatter := usecases.NewFormatter(rules.ExpressionPrefixes, rules.ExpressionOperators)
			return usecases.NewController(
				provider,
				hcltree.NewParser(),
				usecases.NewMutationEngine(formatter),
				hcltree.NewDetector(),
				notifier,
				systemClock,
				adapter.WithComponent("controller"),
			)
		},

		ReportWriterFactory: func(format string, out io.Writer) (domain.ReportWriter, error) {
			f, err := output.ParseFormat(format)
			if err != nil {
				return nil, err
			}
			return output.NewWriterWithOutput(out, f), nil
		},

		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	cmd.SetDefaultDependencies(deps)
	cmd.Execute()
}

// newGitHubProvider builds the GitHub provider behind the quota arbiter.
// The provider reports every response's quota to the arbiter and serves as
// its quota source.
func newGitHubProvider(
	creds config.GitHubConfig,
	threshold int,
	clk domain.Clock,
	adapter *logadapter.ZapAdapter,
) (domain.RepositoryProvider, error) {
	client, err := github.NewClient(github.ClientOptions{
		Token:          creds.Token,
		AppID:          creds.AppID,
		InstallationID: creds.InstallationID,
		PrivateKey:     creds.PrivateKey,
		APIURL:         creds.APIURL,
	})
	if err != nil {
		return nil, err
	}

	var gh *github.Provider
	arbiter := ratelimit.NewArbiter(
		ratelimit.QuotaSourceFunc(func(ctx context.Context) (domain.RateLimitState, error) {
			return gh.RateLimit(ctx)
		}),
		clk,
		adapter.WithComponent("ratelimit"),
		ratelimit.ArbiterOptions{Threshold: threshold},
	)
	gh = github.NewProvider(client, arbiter, clk, adapter.WithComponent("github"))

	return ratelimit.NewProvider(gh, arbiter, adapter.WithComponent("ratelimit"), ratelimit.RetryOptions{}), nil
}

func newConfigTypeError(expected string) error {
	return &configTypeError{expected: expected}
}

// configTypeError is returned when configuration type assertion fails.
type configTypeError struct {
	expected string
}

func (e *configTypeError) Error() string {
	return "invalid configuration type: expected " + e.expected
}
