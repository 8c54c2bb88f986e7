// Package notify delivers batch results to Slack incoming webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// Message defaults.
const (
	DefaultUsername  = "Terraform Bot"
	DefaultIconEmoji = ":terraform:"
	DefaultTimeout   = 10 * time.Second
	DefaultRetryMax  = 3

	maxRepositoryChanges = 5
	maxBatchLinks        = 10
)

// Options configures the Slack notifier.
type Options struct {
	WebhookURL string

	// Channel overrides the webhook's default channel when set.
	Channel   string
	Username  string
	IconEmoji string

	// WorkflowRunURL links the CI run from every message.
	WorkflowRunURL string

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// Slack implements domain.Notifier with Block Kit messages.
type Slack struct {
	client *retryablehttp.Client
	opts   Options
	logger Logger
}

// New returns a Slack notifier, or a no-op notifier when no webhook is
// configured.
func New(opts Options, log Logger) domain.Notifier {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return Nop{}
	}
	return NewSlack(opts, log)
}

// NewSlack creates a Slack notifier.
func NewSlack(opts Options, log Logger) *Slack {
	if opts.Username == "" {
		opts.Username = DefaultUsername
	}
	if opts.IconEmoji == "" {
		opts.IconEmoji = DefaultIconEmoji
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = &leveledLogger{log: log}

	return &Slack{client: client, opts: opts, logger: log}
}

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type block struct {
	Type string      `json:"type"`
	Text *textObject `json:"text,omitempty"`
}

type payload struct {
	Text      string  `json:"text"`
	Channel   string  `json:"channel,omitempty"`
	Username  string  `json:"username"`
	IconEmoji string  `json:"icon_emoji"`
	Blocks    []block `json:"blocks,omitempty"`
}

func section(text string) block {
	return block{Type: "section", Text: &textObject{Type: "mrkdwn", Text: text}}
}

func divider() block {
	return block{Type: "divider"}
}

// NotifyRepository implements domain.Notifier. Repositories without changes
// are not announced.
func (s *Slack) NotifyRepository(ctx context.Context, result domain.RepositoryResult) error {
	switch {
	case result.Outcome == domain.OutcomeNoChange:
		return nil
	case result.Err != nil:
		return s.send(ctx, s.errorMessage(result))
	default:
		return s.send(ctx, s.repositoryMessage(result))
	}
}

// NotifyBatch implements domain.Notifier.
func (s *Slack) NotifyBatch(ctx context.Context, result domain.BatchResult) error {
	return s.send(ctx, s.batchMessage(result))
}

func (s *Slack) repositoryMessage(result domain.RepositoryResult) payload {
	var header string
	switch result.Outcome {
	case domain.OutcomeSuccess:
		header = ":white_check_mark: *Terraform Infrastructure Update* - Completed Successfully"
	case domain.OutcomePartial:
		header = ":warning: *Terraform Infrastructure Update* - Completed with Warnings"
	default:
		header = ":x: *Terraform Infrastructure Update* - Failed"
	}
	if result.DryRun {
		header += " (dry run)"
	}

	var details strings.Builder
	fmt.Fprintf(&details, "*Repository:* `%s`\n", result.Repository)
	if n := result.CommittedFiles(); n > 0 {
		fmt.Fprintf(&details, "*Files Modified:* %d\n", n)
	}
	if result.PullRequest != nil && result.PullRequest.URL != "" {
		fmt.Fprintf(&details, "*Pull Request:* <%s|View PR>\n", result.PullRequest.URL)
	}
	if s.opts.WorkflowRunURL != "" {
		fmt.Fprintf(&details, "*Workflow Run:* <%s|View Execution>\n", s.opts.WorkflowRunURL)
	}

	blocks := []block{section(header), section(details.String())}

	var summaries []string
	for _, change := range result.Changes() {
		if change.Mutating() {
			summaries = append(summaries, change.Summary())
		}
	}
	if len(summaries) > 0 {
		var changes strings.Builder
		changes.WriteString("*Changes Applied:*\n")
		for i, summary := range summaries {
			if i == maxRepositoryChanges {
				fmt.Fprintf(&changes, "• ... and %d more changes\n", len(summaries)-maxRepositoryChanges)
				break
			}
			fmt.Fprintf(&changes, "• %s\n", summary)
		}
		blocks = append(blocks, section(changes.String()))
	}
	blocks = append(blocks, divider())

	fallback := fmt.Sprintf("Terraform update for %s: %s", result.Repository, result.Outcome)
	if result.PullRequest != nil && result.PullRequest.URL != "" {
		fallback = fmt.Sprintf("Terraform PR created for %s: %s", result.Repository, result.PullRequest.URL)
	}
	return s.payload(fallback, blocks)
}

func (s *Slack) errorMessage(result domain.RepositoryResult) payload {
	var details strings.Builder
	fmt.Fprintf(&details, "*Repository:* `%s`\n", result.Repository)
	fmt.Fprintf(&details, "*Error:* %s\n", result.ErrorText())
	if s.opts.WorkflowRunURL != "" {
		fmt.Fprintf(&details, "*Logs:* <%s|View Execution Logs>\n", s.opts.WorkflowRunURL)
	}

	blocks := []block{
		section(":x: *Terraform Automation Error*"),
		section(details.String()),
		divider(),
	}
	return s.payload(fmt.Sprintf("Terraform automation failed for %s: %s", result.Repository, result.ErrorText()), blocks)
}

func (s *Slack) batchMessage(result domain.BatchResult) payload {
	c := result.Counts()
	succeeded := c.Total - c.Failed

	var header string
	switch {
	case c.Failed == 0:
		header = ":white_check_mark: *Infrastructure Update Batch Complete*"
	case succeeded > 0:
		header = ":warning: *Infrastructure Update Batch Completed with Issues*"
	default:
		header = ":x: *Infrastructure Update Batch Failed*"
	}

	urls := result.PullRequestURLs()

	var summary strings.Builder
	summary.WriteString("*Summary:*\n")
	fmt.Fprintf(&summary, "• Total repositories: %d\n", c.Total)
	fmt.Fprintf(&summary, "• Successful: %d\n", succeeded)
	if c.Partial > 0 {
		fmt.Fprintf(&summary, "• Partial: %d\n", c.Partial)
	}
	if c.Failed > 0 {
		fmt.Fprintf(&summary, "• Failed: %d\n", c.Failed)
	}
	fmt.Fprintf(&summary, "• PRs created: %d\n", len(urls))

	blocks := []block{section(header), section(summary.String())}

	if len(urls) > 0 {
		var links strings.Builder
		links.WriteString("*Created Pull Requests:*\n")
		for i, u := range urls {
			if i == maxBatchLinks {
				fmt.Fprintf(&links, "• ... and %d more PRs\n", len(urls)-maxBatchLinks)
				break
			}
			fmt.Fprintf(&links, "• <%s|%s>\n", u, linkLabel(u))
		}
		blocks = append(blocks, section(links.String()))
	}
	blocks = append(blocks, divider())

	return s.payload(fmt.Sprintf("Infrastructure Update Complete: %d/%d successful", succeeded, c.Total), blocks)
}

// linkLabel renders ".../owner/repo/pull/12" as "owner/repo PR #12".
func linkLabel(u string) string {
	parts := strings.Split(strings.TrimSuffix(u, "/"), "/")
	if len(parts) >= 4 && parts[len(parts)-2] == "pull" {
		return fmt.Sprintf("%s/%s PR #%s", parts[len(parts)-4], parts[len(parts)-3], parts[len(parts)-1])
	}
	return "View PR"
}

func (s *Slack) payload(text string, blocks []block) payload {
	return payload{
		Text:      text,
		Channel:   s.opts.Channel,
		Username:  s.opts.Username,
		IconEmoji: s.opts.IconEmoji,
		Blocks:    blocks,
	}
}

func (s *Slack) send(ctx context.Context, msg payload) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode slack message: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack notification failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack notification failed: %d %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	s.logger.Debug(ctx, "slack notification sent", map[string]interface{}{
		"text": msg.Text,
	})
	return nil
}

// Nop is the notifier used when no webhook is configured.
type Nop struct{}

// NotifyRepository implements domain.Notifier.
func (Nop) NotifyRepository(context.Context, domain.RepositoryResult) error { return nil }

// NotifyBatch implements domain.Notifier.
func (Nop) NotifyBatch(context.Context, domain.BatchResult) error { return nil }

// leveledLogger routes retryablehttp diagnostics to the application logger.
type leveledLogger struct {
	log Logger
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Warn(context.Background(), "slack: "+msg, kvFields(keysAndValues))
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(context.Background(), "slack: "+msg, kvFields(keysAndValues))
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug(context.Background(), "slack: "+msg, kvFields(keysAndValues))
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn(context.Background(), "slack: "+msg, kvFields(keysAndValues))
}
