// Package config provides configuration loading for the terraform-updater
// application. It handles loading GitHub credentials, batch settings, and
// other application settings from environment variables and HashiCorp Vault.
// The rules file itself is loaded by LoadRules.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MyCarrier-DevOps/goLibMyCarrier/vault"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Environment variable names.
const (
	// EnvGitHubToken is a personal access or workflow token.
	EnvGitHubToken = "GITHUB_TOKEN"

	// EnvGitHubAppID is the GitHub App ID used instead of a token.
	EnvGitHubAppID = "GITHUB_APP_ID"

	// EnvGitHubAppInstallationID is the App installation to act as.
	EnvGitHubAppInstallationID = "GITHUB_APP_INSTALLATION_ID"

	// EnvGitHubAppPrivateKey is the App private key PEM, or a path to it.
	EnvGitHubAppPrivateKey = "GITHUB_APP_PRIVATE_KEY"

	// EnvGitHubAPIURL is the GitHub Enterprise API base URL.
	EnvGitHubAPIURL = "GITHUB_API_URL"

	// EnvBaseBranch is the branch files are read from and PRs target.
	EnvBaseBranch = "BASE_BRANCH"

	// EnvBranchPrefix prefixes generated branch names.
	EnvBranchPrefix = "BRANCH_PREFIX"

	// EnvConfigFile is the path to the rules file.
	EnvConfigFile = "CONFIG_FILE"

	// EnvDryRun disables every write when true.
	EnvDryRun = "DRY_RUN"

	// EnvSlackWebhookURL enables Slack notifications.
	EnvSlackWebhookURL = "SLACK_WEBHOOK_URL"

	// EnvLogLevel is the log level (debug, info, error).
	EnvLogLevel = "LOG_LEVEL"

	// EnvLogAppName is the application name for log context.
	EnvLogAppName = "LOG_APP_NAME"

	// EnvGitHubServerURL, EnvGitHubRepository, and EnvGitHubRunID are set by
	// GitHub Actions and locate the current workflow run.
	EnvGitHubServerURL  = "GITHUB_SERVER_URL"
	EnvGitHubRepository = "GITHUB_REPOSITORY"
	EnvGitHubRunID      = "GITHUB_RUN_ID"

	// EnvRateLimitThreshold is the remaining quota below which calls wait for the reset.
	EnvRateLimitThreshold = "RATE_LIMIT_THRESHOLD"

	// EnvVaultGitHubTokenPath is the path in Vault KV where the GitHub token is stored.
	// A "#key" suffix selects the key inside the secret.
	EnvVaultGitHubTokenPath = "VAULT_GITHUB_TOKEN_PATH"

	// EnvVaultGitHubTokenMount is the Vault KV mount point (defaults to "secret").
	EnvVaultGitHubTokenMount = "VAULT_GITHUB_TOKEN_MOUNT"
)

// Default values.
const (
	DefaultLogLevel           = "info"
	DefaultLogAppName         = "terraform-updater"
	DefaultConfigFile         = "config.yaml"
	DefaultGitHubServerURL    = "https://github.com"
	DefaultRateLimitThreshold = 50
	DefaultVaultMount         = "secret"

	// DefaultSecretKey is the key read from the Vault secret when the path
	// carries no "#key" suffix.
	DefaultSecretKey = "token"
)

// Configuration errors.
var (
	// ErrInvalidValue indicates an environment variable could not be parsed.
	ErrInvalidValue = errors.New("invalid configuration value")

	// ErrInvalidPrivateKey indicates the GitHub App private key could not be read.
	ErrInvalidPrivateKey = errors.New("invalid GitHub App private key")

	// ErrVaultClientFailed indicates failure to create or authenticate with Vault.
	ErrVaultClientFailed = errors.New("failed to create Vault client")

	// ErrVaultSecretNotFound indicates the secret was not found in Vault.
	ErrVaultSecretNotFound = errors.New("GitHub token not found in Vault")
)

// VaultClient defines the interface for Vault operations.
// This interface allows for dependency injection and testing.
type VaultClient interface {
	// GetKVSecret retrieves a secret from Vault's KV v2 secrets engine.
	GetKVSecret(ctx context.Context, path, mount string) (map[string]interface{}, error)
}

// VaultClientFactory creates a VaultClient using AppRole authentication.
// This is the default factory used in production.
type VaultClientFactory func(ctx context.Context) (VaultClient, error)

// DefaultVaultClientFactory creates a VaultClient using goLibMyCarrier/vault with AppRole auth.
func DefaultVaultClientFactory(ctx context.Context) (VaultClient, error) {
	// Uses: VAULT_ADDRESS, VAULT_ROLE_ID, VAULT_SECRET_ID
	vaultConfig, err := vault.VaultLoadConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVaultClientFailed, err)
	}

	client, err := vault.CreateVaultClient(ctx, vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVaultClientFailed, err)
	}

	return client, nil
}

// GitHubConfig holds the credentials for the GitHub API.
// Either Token or the App fields are set; the App takes precedence.
type GitHubConfig struct {
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKey     []byte

	// APIURL is empty for github.com.
	APIURL string
}

// HasCredentials reports whether a token or a complete App identity is set.
func (g GitHubConfig) HasCredentials() bool {
	return g.Token != "" || (g.AppID != 0 && g.InstallationID != 0 && len(g.PrivateKey) > 0)
}

// Config holds all application configuration.
type Config struct {
	GitHub GitHubConfig

	// BaseBranch is read from and targeted by pull requests.
	BaseBranch string

	// BranchPrefix prefixes every generated branch name.
	BranchPrefix string

	// ConfigFile is the path to the rules file.
	ConfigFile string

	DryRun bool

	SlackWebhookURL string

	// WorkflowRunURL links the current GitHub Actions run, when known.
	WorkflowRunURL string

	RateLimitThreshold int

	// LogLevel is the logging level (debug, info, error).
	LogLevel string

	// LogAppName is the application name for log context.
	LogAppName string
}

// Settings returns the batch settings derived from the environment. The
// rules file fills in the rest.
func (c *Config) Settings() domain.Settings {
	return domain.Settings{
		BaseBranch:     c.BaseBranch,
		BranchPrefix:   c.BranchPrefix,
		DryRun:         c.DryRun,
		WorkflowRunURL: c.WorkflowRunURL,
	}
}

// Load loads the application configuration from environment variables.
// The GitHub token is read from GITHUB_TOKEN or, when that is unset and
// VAULT_GITHUB_TOKEN_PATH is set, from Vault.
//
// For Vault loading, requires:
//   - VAULT_ADDRESS: Vault server address
//   - VAULT_ROLE_ID: AppRole role ID
//   - VAULT_SECRET_ID: AppRole secret ID
//   - VAULT_GITHUB_TOKEN_PATH: Path to the secret in Vault, optionally "path#key"
//   - VAULT_GITHUB_TOKEN_MOUNT: KV mount point (optional, defaults to "secret")
//
// Missing credentials are not an error here: a local run needs none.
func Load() (*Config, error) {
	return LoadWithVaultClient(context.Background(), nil)
}

// LoadWithVaultClient loads configuration using the provided VaultClient factory.
// If vaultClientFactory is nil, DefaultVaultClientFactory is used.
// This function enables dependency injection for testing.
func LoadWithVaultClient(ctx context.Context, vaultClientFactory VaultClientFactory) (*Config, error) {
	gh, err := loadGitHubConfig(ctx, vaultClientFactory)
	if err != nil {
		return nil, err
	}

	dryRun, err := envBool(EnvDryRun)
	if err != nil {
		return nil, err
	}

	threshold, err := envInt(EnvRateLimitThreshold, DefaultRateLimitThreshold)
	if err != nil {
		return nil, err
	}
	if threshold < 0 {
		return nil, fmt.Errorf("%w: %s must not be negative", ErrInvalidValue, EnvRateLimitThreshold)
	}

	return &Config{
		GitHub:             gh,
		BaseBranch:         envOr(EnvBaseBranch, domain.DefaultBaseBranch),
		BranchPrefix:       envOr(EnvBranchPrefix, domain.DefaultBranchPrefix),
		ConfigFile:         envOr(EnvConfigFile, DefaultConfigFile),
		DryRun:             dryRun,
		SlackWebhookURL:    strings.TrimSpace(os.Getenv(EnvSlackWebhookURL)),
		WorkflowRunURL:     workflowRunURL(),
		RateLimitThreshold: threshold,
		LogLevel:           envOr(EnvLogLevel, DefaultLogLevel),
		LogAppName:         envOr(EnvLogAppName, DefaultLogAppName),
	}, nil
}

func loadGitHubConfig(ctx context.Context, vaultClientFactory VaultClientFactory) (GitHubConfig, error) {
	gh := GitHubConfig{
		Token:  strings.TrimSpace(os.Getenv(EnvGitHubToken)),
		APIURL: strings.TrimSpace(os.Getenv(EnvGitHubAPIURL)),
	}

	appID, err := envInt64(EnvGitHubAppID)
	if err != nil {
		return GitHubConfig{}, err
	}
	installationID, err := envInt64(EnvGitHubAppInstallationID)
	if err != nil {
		return GitHubConfig{}, err
	}
	gh.AppID = appID
	gh.InstallationID = installationID

	if raw := os.Getenv(EnvGitHubAppPrivateKey); raw != "" {
		key, err := readPrivateKey(raw)
		if err != nil {
			return GitHubConfig{}, err
		}
		gh.PrivateKey = key
	}

	if gh.Token == "" {
		if vaultPath := os.Getenv(EnvVaultGitHubTokenPath); vaultPath != "" {
			token, err := loadTokenFromVault(ctx, vaultClientFactory, vaultPath)
			if err != nil {
				return GitHubConfig{}, err
			}
			gh.Token = token
		}
	}

	return gh, nil
}

// readPrivateKey accepts PEM text directly or a path to a PEM file.
func readPrivateKey(raw string) ([]byte, error) {
	if strings.Contains(raw, "-----BEGIN") {
		// Secrets injected through single-line variables often carry escaped newlines.
		return []byte(strings.ReplaceAll(raw, `\n`, "\n")), nil
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	return data, nil
}

// loadTokenFromVault loads the GitHub token from Vault KV v2.
func loadTokenFromVault(ctx context.Context, vaultClientFactory VaultClientFactory, fullPath string) (string, error) {
	if vaultClientFactory == nil {
		vaultClientFactory = DefaultVaultClientFactory
	}

	client, err := vaultClientFactory(ctx)
	if err != nil {
		return "", err
	}

	mount := os.Getenv(EnvVaultGitHubTokenMount)
	if mount == "" {
		mount = DefaultVaultMount
	}

	path, key := parseVaultPath(fullPath)
	secretData, err := client.GetKVSecret(ctx, path, mount)
	if err != nil {
		return "", fmt.Errorf("%w at path %s: %w", ErrVaultSecretNotFound, path, err)
	}

	token, ok := secretData[key].(string)
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: key %q missing at path %s", ErrVaultSecretNotFound, key, path)
	}
	return strings.TrimSpace(token), nil
}

// parseVaultPath splits "path#key" on the last '#'. A path without a key
// selects DefaultSecretKey.
func parseVaultPath(fullPath string) (path, key string) {
	idx := strings.LastIndex(fullPath, "#")
	if idx < 0 {
		return fullPath, DefaultSecretKey
	}
	return fullPath[:idx], fullPath[idx+1:]
}

func workflowRunURL() string {
	repo := os.Getenv(EnvGitHubRepository)
	runID := os.Getenv(EnvGitHubRunID)
	if repo == "" || runID == "" {
		return ""
	}
	server := strings.TrimSuffix(envOr(EnvGitHubServerURL, DefaultGitHubServerURL), "/")
	return fmt.Sprintf("%s/%s/actions/runs/%s", server, repo, runID)
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envBool(name string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidValue, name, v)
	}
	return b, nil
}

func envInt(name string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, name, v)
	}
	return n, nil
}

func envInt64(name string) (int64, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, name, v)
	}
	return n, nil
}
