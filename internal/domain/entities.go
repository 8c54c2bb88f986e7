// Package domain defines the core entities and interfaces for terraform-updater.
package domain

import (
	"encoding/json"
	"time"
)

// NotFoundAction is the configured behavior when a parameter does not resolve.
type NotFoundAction string

// Not-found actions. The zero value behaves as skip.
const (
	NotFoundSkip  NotFoundAction = "skip"
	NotFoundAdd   NotFoundAction = "add"
	NotFoundError NotFoundAction = "error"
)

// NotFoundPolicy decides what happens to a parameter that is absent.
type NotFoundPolicy struct {
	Action NotFoundAction

	// Value is the literal to add when Action is NotFoundAdd.
	Value Literal
}

// MatchRule rewrites a value found in Candidates to Target.
type MatchRule struct {
	Candidates []Literal
	Target     Literal
}

// Matches reports whether v equals one of the candidates.
// An empty candidate set never matches.
func (r MatchRule) Matches(v Literal) bool {
	for _, c := range r.Candidates {
		if c.Equal(v) {
			return true
		}
	}
	return false
}

// RuleSet is the ordered rule list for one parameter; first match wins.
type RuleSet struct {
	Rules    []MatchRule
	NotFound NotFoundPolicy
}

// ParameterEdit is one configured parameter inside one block.
type ParameterEdit struct {
	Block BlockSelector
	Path  ParameterPath
	Rules RuleSet
}

// Target renders the full address of the edited parameter.
func (e ParameterEdit) Target() string {
	return e.Block.String() + "." + e.Path.String()
}

// ChangeAction is the ledger action of a ChangeRecord.
type ChangeAction string

// Ledger actions.
const (
	ActionUpdated ChangeAction = "updated"
	ActionAdded   ChangeAction = "added"
	ActionSkipped ChangeAction = "skipped"
	ActionErrored ChangeAction = "errored"
)

// ChangeRecord is one entry of a file's ledger. Records are values and are
// never modified once appended.
type ChangeRecord struct {
	File   string       `json:"file"`
	Block  string       `json:"block"`
	Path   string       `json:"path"`
	Old    *Literal     `json:"old,omitempty"`
	New    *Literal     `json:"new,omitempty"`
	Action ChangeAction `json:"action"`
	Reason string       `json:"reason,omitempty"`
}

// Mutating reports whether the record changed the document.
func (c ChangeRecord) Mutating() bool {
	return c.Action == ActionUpdated || c.Action == ActionAdded
}

// Summary renders a one-line description for PR bodies and notifications.
func (c ChangeRecord) Summary() string {
	target := c.Block + "." + c.Path
	switch c.Action {
	case ActionUpdated:
		return "Updated " + target + ": " + literalText(c.Old) + " → " + literalText(c.New)
	case ActionAdded:
		return "Added " + target + ": " + literalText(c.New)
	case ActionErrored:
		return "Failed " + target + ": " + c.Reason
	default:
		return "Skipped " + target + ": " + c.Reason
	}
}

func literalText(l *Literal) string {
	if l == nil {
		return "none"
	}
	return l.String()
}

// FileOutcome is the terminal state of one file.
type FileOutcome string

// File outcomes.
const (
	FileCommitted       FileOutcome = "committed"
	FileSkippedNoChange FileOutcome = "skipped_no_change"
	FileErrored         FileOutcome = "errored"
)

// FileResult is the recorded result of one processed file.
type FileResult struct {
	Path    string         `json:"path"`
	Outcome FileOutcome    `json:"outcome"`
	Changes []ChangeRecord `json:"changes"`
	Diff    string         `json:"diff,omitempty"`
	Err     error          `json:"-"`
}

// RepositoryOutcome is the aggregate outcome of one repository.
type RepositoryOutcome string

// Repository outcomes.
const (
	OutcomeSuccess  RepositoryOutcome = "success"
	OutcomePartial  RepositoryOutcome = "partial"
	OutcomeFailed   RepositoryOutcome = "failed"
	OutcomeNoChange RepositoryOutcome = "no_change"
)

// RepositoryRef identifies a hosted repository.
type RepositoryRef struct {
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r RepositoryRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// PullRequestRef references an opened (or reused) pull request.
type PullRequestRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Reused bool   `json:"reused,omitempty"`
}

// RepositoryResult is the per-repository result handed to notification and
// reporting collaborators.
type RepositoryResult struct {
	Repository  string            `json:"repository"`
	Branch      string            `json:"branch"`
	Files       []FileResult      `json:"files"`
	PullRequest *PullRequestRef   `json:"pull_request,omitempty"`
	Outcome     RepositoryOutcome `json:"outcome"`
	Err         error             `json:"-"`
	DryRun      bool              `json:"dry_run,omitempty"`
}

// Changes flattens every file ledger in file order.
func (r RepositoryResult) Changes() []ChangeRecord {
	var out []ChangeRecord
	for _, f := range r.Files {
		out = append(out, f.Changes...)
	}
	return out
}

// CommittedFiles returns the number of files that reached FileCommitted.
func (r RepositoryResult) CommittedFiles() int {
	n := 0
	for _, f := range r.Files {
		if f.Outcome == FileCommitted {
			n++
		}
	}
	return n
}

// ErrorText returns the error message or an empty string.
func (r RepositoryResult) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// MarshalJSON adds the error text to the encoded result.
func (r RepositoryResult) MarshalJSON() ([]byte, error) {
	type plain RepositoryResult
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r), Error: r.ErrorText()})
}

// MarshalJSON adds the error text to the encoded result.
func (f FileResult) MarshalJSON() ([]byte, error) {
	type plain FileResult
	errText := ""
	if f.Err != nil {
		errText = f.Err.Error()
	}
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(f), Error: errText})
}

// BatchResult enumerates every attempted repository in configuration order.
type BatchResult struct {
	Repositories []RepositoryResult `json:"repositories"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	DryRun       bool               `json:"dry_run,omitempty"`
}

// BatchCounts summarizes a batch.
type BatchCounts struct {
	Total    int
	Success  int
	Partial  int
	Failed   int
	NoChange int
	PRs      int
}

// Counts tallies repository outcomes and opened pull requests.
func (b BatchResult) Counts() BatchCounts {
	c := BatchCounts{Total: len(b.Repositories)}
	for _, r := range b.Repositories {
		switch r.Outcome {
		case OutcomeSuccess:
			c.Success++
		case OutcomePartial:
			c.Partial++
		case OutcomeFailed:
			c.Failed++
		case OutcomeNoChange:
			c.NoChange++
		}
		if r.PullRequest != nil {
			c.PRs++
		}
	}
	return c
}

// PullRequestURLs returns the URLs of every opened pull request.
func (b BatchResult) PullRequestURLs() []string {
	var urls []string
	for _, r := range b.Repositories {
		if r.PullRequest != nil && r.PullRequest.URL != "" {
			urls = append(urls, r.PullRequest.URL)
		}
	}
	return urls
}

// FilePlan lists the edits for one file, in configuration order.
type FilePlan struct {
	Path  string
	Edits []ParameterEdit
}

// RepositoryPlan lists the files to process in one repository.
type RepositoryPlan struct {
	Repository RepositoryRef
	Files      []FilePlan
}

// Settings are the global batch settings.
type Settings struct {
	// BranchPrefix prefixes every generated branch name.
	BranchPrefix string

	// BaseBranch is read from and targeted by pull requests.
	BaseBranch string

	// DryRun runs the full pipeline but skips every write call.
	DryRun bool

	// CreatePR opens a pull request when at least one file was committed.
	CreatePR bool

	// PRTitleTemplate supports {{timestamp}}.
	PRTitleTemplate string

	// CommitMessageTemplate supports {{path}} and {{timestamp}}.
	CommitMessageTemplate string

	// Labels are applied to opened pull requests.
	Labels []string

	// Concurrency is the number of repositories processed at once.
	Concurrency int

	// WorkflowRunURL links the CI run in PR bodies and notifications.
	WorkflowRunURL string
}

// Plan is the validated batch input.
type Plan struct {
	Settings     Settings
	Repositories []RepositoryPlan
}

// Default settings values.
const (
	DefaultBranchPrefix          = "terraform-automation"
	DefaultBaseBranch            = "main"
	DefaultPRTitleTemplate       = "Automated Terraform Updates"
	DefaultCommitMessageTemplate = "Automated Terraform update - {{timestamp}}"
	DefaultConcurrency           = 1
)

// DefaultLabels are applied to pull requests when none are configured.
var DefaultLabels = []string{"Automated PR", "Terraform"}

func marshalPlain(v any) ([]byte, error) {
	return json.Marshal(v)
}
