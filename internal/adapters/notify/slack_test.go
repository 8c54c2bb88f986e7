package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Info(context.Context, string, map[string]interface{})         {}
func (nopLogger) Debug(context.Context, string, map[string]interface{})        {}
func (nopLogger) Warn(context.Context, string, map[string]interface{})         {}
func (nopLogger) Error(context.Context, string, error, map[string]interface{}) {}

type webhook struct {
	mu       sync.Mutex
	payloads []payload
	status   int
}

func newWebhook(t *testing.T, status int) (*webhook, *httptest.Server) {
	t.Helper()
	hook := &webhook{status: status}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))

		hook.mu.Lock()
		hook.payloads = append(hook.payloads, p)
		hook.mu.Unlock()

		w.WriteHeader(hook.status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)
	return hook, server
}

func (h *webhook) received() []payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]payload(nil), h.payloads...)
}

func newTestSlack(url string) *Slack {
	return NewSlack(Options{
		WebhookURL:     url,
		WorkflowRunURL: "https://github.com/acme/ops/actions/runs/42",
		RetryMax:       1,
		RetryWaitMin:   time.Millisecond,
		RetryWaitMax:   time.Millisecond,
	}, nopLogger{})
}

func blockTexts(p payload) []string {
	var texts []string
	for _, b := range p.Blocks {
		if b.Text != nil {
			texts = append(texts, b.Text.Text)
		} else {
			texts = append(texts, b.Type)
		}
	}
	return texts
}

func updated(block, path, from, to string) domain.ChangeRecord {
	o, n := domain.StringLiteral(from), domain.StringLiteral(to)
	return domain.ChangeRecord{Block: block, Path: path, Old: &o, New: &n, Action: domain.ActionUpdated}
}

func TestSlack_NotifyRepositorySuccess(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	slack := newTestSlack(server.URL)

	result := domain.RepositoryResult{
		Repository: "acme/infra",
		Outcome:    domain.OutcomeSuccess,
		PullRequest: &domain.PullRequestRef{
			Number: 7,
			URL:    "https://github.com/acme/infra/pull/7",
		},
		Files: []domain.FileResult{{
			Path:    "main.tf",
			Outcome: domain.FileCommitted,
			Changes: []domain.ChangeRecord{
				updated("module.eks", "version", "1.0.0", "1.1.0"),
				{Block: "module.eks", Path: "name", Action: domain.ActionSkipped, Reason: "no rule matched"},
			},
		}},
	}

	require.NoError(t, slack.NotifyRepository(context.Background(), result))

	got := hook.received()
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, "Terraform PR created for acme/infra: https://github.com/acme/infra/pull/7", p.Text)
	assert.Equal(t, DefaultUsername, p.Username)
	assert.Equal(t, DefaultIconEmoji, p.IconEmoji)

	texts := blockTexts(p)
	require.Len(t, texts, 4)
	assert.Equal(t, ":white_check_mark: *Terraform Infrastructure Update* - Completed Successfully", texts[0])
	assert.Equal(t, "*Repository:* `acme/infra`\n"+
		"*Files Modified:* 1\n"+
		"*Pull Request:* <https://github.com/acme/infra/pull/7|View PR>\n"+
		"*Workflow Run:* <https://github.com/acme/ops/actions/runs/42|View Execution>\n", texts[1])
	assert.Equal(t, "*Changes Applied:*\n• Updated module.eks.version: \"1.0.0\" → \"1.1.0\"\n", texts[2])
	assert.Equal(t, "divider", texts[3])
}

func TestSlack_NotifyRepositoryTruncatesChanges(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	slack := newTestSlack(server.URL)

	var changes []domain.ChangeRecord
	for i := 0; i < 8; i++ {
		changes = append(changes, updated("variable.v"+fmt.Sprint(i), "default", "a", "b"))
	}
	result := domain.RepositoryResult{
		Repository: "acme/infra",
		Outcome:    domain.OutcomePartial,
		Files:      []domain.FileResult{{Path: "main.tf", Outcome: domain.FileCommitted, Changes: changes}},
	}

	require.NoError(t, slack.NotifyRepository(context.Background(), result))

	texts := blockTexts(hook.received()[0])
	assert.Equal(t, ":warning: *Terraform Infrastructure Update* - Completed with Warnings", texts[0])
	assert.Contains(t, texts[2], "• Updated variable.v4.default")
	assert.NotContains(t, texts[2], "variable.v5")
	assert.Contains(t, texts[2], "• ... and 3 more changes\n")
}

func TestSlack_NotifyRepositoryError(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	slack := newTestSlack(server.URL)

	result := domain.RepositoryResult{
		Repository: "acme/infra",
		Outcome:    domain.OutcomeFailed,
		Err:        errors.New("failed to open repository: not found"),
	}

	require.NoError(t, slack.NotifyRepository(context.Background(), result))

	p := hook.received()[0]
	assert.Equal(t, "Terraform automation failed for acme/infra: failed to open repository: not found", p.Text)
	texts := blockTexts(p)
	assert.Equal(t, []string{
		":x: *Terraform Automation Error*",
		"*Repository:* `acme/infra`\n" +
			"*Error:* failed to open repository: not found\n" +
			"*Logs:* <https://github.com/acme/ops/actions/runs/42|View Execution Logs>\n",
		"divider",
	}, texts)
}

func TestSlack_NoChangeIsSilent(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	slack := newTestSlack(server.URL)

	result := domain.RepositoryResult{Repository: "acme/infra", Outcome: domain.OutcomeNoChange}
	require.NoError(t, slack.NotifyRepository(context.Background(), result))
	assert.Empty(t, hook.received())
}

func TestSlack_NotifyBatch(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []domain.RepositoryOutcome
		header   string
		text     string
	}{
		{
			name:     "all succeeded",
			outcomes: []domain.RepositoryOutcome{domain.OutcomeSuccess, domain.OutcomeNoChange},
			header:   ":white_check_mark: *Infrastructure Update Batch Complete*",
			text:     "Infrastructure Update Complete: 2/2 successful",
		},
		{
			name:     "some failed",
			outcomes: []domain.RepositoryOutcome{domain.OutcomeSuccess, domain.OutcomeFailed},
			header:   ":warning: *Infrastructure Update Batch Completed with Issues*",
			text:     "Infrastructure Update Complete: 1/2 successful",
		},
		{
			name:     "all failed",
			outcomes: []domain.RepositoryOutcome{domain.OutcomeFailed},
			header:   ":x: *Infrastructure Update Batch Failed*",
			text:     "Infrastructure Update Complete: 0/1 successful",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook, server := newWebhook(t, http.StatusOK)
			slack := newTestSlack(server.URL)

			var batch domain.BatchResult
			for i, o := range tt.outcomes {
				batch.Repositories = append(batch.Repositories, domain.RepositoryResult{
					Repository: fmt.Sprintf("acme/r%d", i),
					Outcome:    o,
				})
			}

			require.NoError(t, slack.NotifyBatch(context.Background(), batch))
			p := hook.received()[0]
			assert.Equal(t, tt.text, p.Text)
			assert.Equal(t, tt.header, blockTexts(p)[0])
		})
	}
}

func TestSlack_NotifyBatchLinksPullRequests(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	slack := newTestSlack(server.URL)

	var batch domain.BatchResult
	for i := 1; i <= 12; i++ {
		batch.Repositories = append(batch.Repositories, domain.RepositoryResult{
			Repository: fmt.Sprintf("acme/r%d", i),
			Outcome:    domain.OutcomeSuccess,
			PullRequest: &domain.PullRequestRef{
				Number: i,
				URL:    fmt.Sprintf("https://github.com/acme/r%d/pull/%d", i, i),
			},
		})
	}
	batch.Repositories = append(batch.Repositories, domain.RepositoryResult{
		Repository: "acme/broken",
		Outcome:    domain.OutcomeFailed,
	})

	require.NoError(t, slack.NotifyBatch(context.Background(), batch))

	texts := blockTexts(hook.received()[0])
	require.Len(t, texts, 4)
	assert.Equal(t, "*Summary:*\n"+
		"• Total repositories: 13\n"+
		"• Successful: 12\n"+
		"• Failed: 1\n"+
		"• PRs created: 12\n", texts[1])
	assert.Contains(t, texts[2], "• <https://github.com/acme/r1/pull/1|acme/r1 PR #1>\n")
	assert.Contains(t, texts[2], "acme/r10 PR #10")
	assert.NotContains(t, texts[2], "acme/r11 PR #11")
	assert.Contains(t, texts[2], "• ... and 2 more PRs\n")
}

func TestSlack_NonOKStatusIsError(t *testing.T) {
	_, server := newWebhook(t, http.StatusBadRequest)
	slack := newTestSlack(server.URL)

	err := slack.NotifyBatch(context.Background(), domain.BatchResult{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestSlack_ServerErrorsAreRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	slack := newTestSlack(server.URL)
	require.NoError(t, slack.NotifyBatch(context.Background(), domain.BatchResult{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestLinkLabel(t *testing.T) {
	assert.Equal(t, "acme/infra PR #12", linkLabel("https://github.com/acme/infra/pull/12"))
	assert.Equal(t, "View PR", linkLabel("local://acme/infra#branch"))
}

func TestNew_WithoutWebhookIsNop(t *testing.T) {
	n := New(Options{}, nopLogger{})
	assert.IsType(t, Nop{}, n)
	assert.NoError(t, n.NotifyBatch(context.Background(), domain.BatchResult{}))
	assert.NoError(t, n.NotifyRepository(context.Background(), domain.RepositoryResult{}))

	assert.IsType(t, &Slack{}, New(Options{WebhookURL: "http://example.invalid"}, nopLogger{}))
}
