package usecases

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// maxSummaryLines bounds the change list in pull request bodies.
const maxSummaryLines = 20

// Timestamp layouts used in templates and branch names.
const (
	titleTimestampLayout  = "2006-01-02 15:04:05"
	commitTimestampLayout = "20060102-150405"
	branchTimestampLayout = "20060102-150405.000"
)

var branchUnsafe = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// Controller drives the mutation engine across every repository and file of
// a plan and aggregates a batch result.
type Controller struct {
	provider domain.RepositoryProvider
	parser   domain.Parser
	engine   *MutationEngine
	detector domain.ChangeDetector
	notifier domain.Notifier
	clock    domain.Clock
	logger   Logger
}

// NewController creates a new Controller with the given dependencies.
// A nil notifier disables notifications.
func NewController(
	provider domain.RepositoryProvider,
	parser domain.Parser,
	engine *MutationEngine,
	detector domain.ChangeDetector,
	notifier domain.Notifier,
	clock domain.Clock,
	log Logger,
) *Controller {
	return &Controller{
		provider: provider,
		parser:   parser,
		engine:   engine,
		detector: detector,
		notifier: notifier,
		clock:    clock,
		logger:   log,
	}
}

// Run processes every repository of the plan. It never fails as a whole:
// the result enumerates every configured repository in configuration
// order. Repositories not started before ctx is done are reported failed.
func (c *Controller) Run(ctx context.Context, plan domain.Plan) domain.BatchResult {
	settings := plan.Settings
	batch := domain.BatchResult{
		Repositories: make([]domain.RepositoryResult, len(plan.Repositories)),
		StartedAt:    c.clock.Now(),
		DryRun:       settings.DryRun,
	}

	concurrency := settings.Concurrency
	if concurrency <= 0 {
		concurrency = domain.DefaultConcurrency
	}

	c.logger.Info(ctx, "starting batch", map[string]interface{}{
		"repositories": len(plan.Repositories),
		"concurrency":  concurrency,
		"dry_run":      settings.DryRun,
	})

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, repoPlan := range plan.Repositories {
		if err := ctx.Err(); err != nil {
			batch.Repositories[i] = notStarted(repoPlan, err, settings.DryRun)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				batch.Repositories[i] = notStarted(repoPlan, err, settings.DryRun)
				return nil
			}
			result := c.processRepository(ctx, settings, repoPlan)
			batch.Repositories[i] = result
			c.notifyRepository(ctx, result)
			return nil
		})
	}
	_ = g.Wait()

	batch.FinishedAt = c.clock.Now()
	counts := batch.Counts()
	c.logger.Info(ctx, "batch completed", map[string]interface{}{
		"total":     counts.Total,
		"success":   counts.Success,
		"partial":   counts.Partial,
		"failed":    counts.Failed,
		"no_change": counts.NoChange,
		"prs":       counts.PRs,
		"duration":  batch.FinishedAt.Sub(batch.StartedAt).String(),
	})

	if c.notifier != nil {
		if err := c.notifier.NotifyBatch(ctx, batch); err != nil {
			c.logger.Warn(ctx, "batch notification failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return batch
}

func notStarted(plan domain.RepositoryPlan, err error, dryRun bool) domain.RepositoryResult {
	return domain.RepositoryResult{
		Repository: plan.Repository.FullName(),
		Outcome:    domain.OutcomeFailed,
		Err:        fmt.Errorf("repository not processed: %w", err),
		DryRun:     dryRun,
	}
}

// repositoryRun is the state of one repository while its files are processed.
type repositoryRun struct {
	settings      domain.Settings
	remote        domain.RemoteRepository
	repo          domain.RepositoryRef
	branch        string
	branchCreated bool
}

func (c *Controller) processRepository(ctx context.Context, settings domain.Settings, plan domain.RepositoryPlan) domain.RepositoryResult {
	repoName := plan.Repository.FullName()
	result := domain.RepositoryResult{
		Repository: repoName,
		Branch:     BranchName(settings.BranchPrefix, plan.Repository, c.clock.Now()),
		DryRun:     settings.DryRun,
	}

	c.logger.Info(ctx, "processing repository", map[string]interface{}{
		"repository": repoName,
		"branch":     result.Branch,
		"files":      len(plan.Files),
	})

	remote, err := c.provider.Open(ctx, plan.Repository)
	if err != nil {
		result.Err = fmt.Errorf("failed to open repository: %w", err)
		result.Outcome = domain.OutcomeFailed
		c.logger.Error(ctx, "failed to open repository", err, map[string]interface{}{
			"repository": repoName,
		})
		return result
	}

	run := &repositoryRun{
		settings: settings,
		remote:   remote,
		repo:     plan.Repository,
		branch:   result.Branch,
	}

	for _, filePlan := range plan.Files {
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("processing cancelled: %w", err)
			break
		}
		fileResult, repoErr := c.processFile(ctx, run, filePlan)
		result.Files = append(result.Files, fileResult)
		if repoErr != nil {
			result.Err = repoErr
			break
		}
	}

	if result.Err != nil {
		result.Outcome = domain.OutcomeFailed
		c.logger.Error(ctx, "repository failed", result.Err, map[string]interface{}{
			"repository": repoName,
		})
		c.cleanupBranch(ctx, run)
		return result
	}

	result.Outcome = aggregateOutcome(result.Files)
	if !run.branchCreated && !settings.DryRun {
		result.Branch = ""
	}

	if result.CommittedFiles() == 0 || !settings.CreatePR || settings.DryRun {
		return result
	}

	pr, err := remote.OpenPR(ctx, domain.PullRequestSpec{
		Head:   run.branch,
		Base:   settings.BaseBranch,
		Title:  renderTemplate(settings.PRTitleTemplate, "", c.clock.Now(), titleTimestampLayout),
		Body:   pullRequestBody(result, settings),
		Labels: settings.Labels,
	})
	if err != nil {
		result.Err = fmt.Errorf("failed to open pull request: %w", err)
		result.Outcome = domain.OutcomeFailed
		c.logger.Error(ctx, "failed to open pull request", err, map[string]interface{}{
			"repository": repoName,
			"branch":     run.branch,
		})
		return result
	}
	result.PullRequest = pr
	c.logger.Info(ctx, "pull request ready", map[string]interface{}{
		"repository": repoName,
		"number":     pr.Number,
		"url":        pr.URL,
		"reused":     pr.Reused,
	})
	return result
}

// processFile runs one file through fetch, mutation, detection, and commit.
// File-level failures are recorded in the result; a non-nil error is a
// repository-level failure that aborts the remaining files.
func (c *Controller) processFile(ctx context.Context, run *repositoryRun, plan domain.FilePlan) (domain.FileResult, error) {
	result := domain.FileResult{Path: plan.Path}
	fields := map[string]interface{}{
		"repository": run.repo.FullName(),
		"file":       plan.Path,
	}

	remoteFile, err := run.remote.GetFile(ctx, plan.Path, run.settings.BaseBranch)
	if err != nil {
		err = fmt.Errorf("failed to fetch %s: %w", plan.Path, err)
		result.Outcome, result.Err = domain.FileErrored, err
		return result, err
	}

	doc, err := c.parser.Parse(plan.Path, remoteFile.Content)
	if err != nil {
		return c.fileError(ctx, result, err, fields), nil
	}

	mutated, ledger, err := c.engine.Apply(plan.Path, doc, plan.Edits)
	result.Changes = ledger
	if err != nil {
		return c.fileError(ctx, result, err, fields), nil
	}

	rendered := mutated.Bytes()
	changed, err := c.detector.Detect(remoteFile.Content, rendered)
	if err != nil {
		return c.fileError(ctx, result, err, fields), nil
	}
	if !changed {
		result.Outcome = domain.FileSkippedNoChange
		c.logger.Debug(ctx, "no substantive change", fields)
		return result, nil
	}
	result.Diff = c.detector.Diff(plan.Path, remoteFile.Content, rendered)

	if run.settings.DryRun {
		result.Outcome = domain.FileCommitted
		c.logger.Info(ctx, "dry run: change not committed", fields)
		return result, nil
	}

	if !run.branchCreated {
		if err := run.remote.CreateBranch(ctx, run.branch, run.settings.BaseBranch); err != nil {
			err = fmt.Errorf("failed to create branch %s: %w", run.branch, err)
			result.Outcome, result.Err = domain.FileErrored, err
			return result, err
		}
		run.branchCreated = true
		c.logger.Info(ctx, "created branch", map[string]interface{}{
			"repository": run.repo.FullName(),
			"branch":     run.branch,
		})
	}

	err = run.remote.CommitFile(ctx, domain.CommitRequest{
		Branch:  run.branch,
		Path:    plan.Path,
		Content: rendered,
		Message: renderTemplate(run.settings.CommitMessageTemplate, plan.Path, c.clock.Now(), commitTimestampLayout),
	})
	if err != nil {
		err = fmt.Errorf("failed to commit %s: %w", plan.Path, err)
		result.Outcome, result.Err = domain.FileErrored, err
		return result, err
	}

	result.Outcome = domain.FileCommitted
	c.logger.Info(ctx, "committed file", fields)
	return result, nil
}

func (c *Controller) fileError(ctx context.Context, result domain.FileResult, err error, fields map[string]interface{}) domain.FileResult {
	result.Outcome = domain.FileErrored
	result.Err = err
	c.logger.Error(ctx, "file failed", err, fields)
	return result
}

// cleanupBranch deletes a branch created by a failed run. Failures are logged.
func (c *Controller) cleanupBranch(ctx context.Context, run *repositoryRun) {
	if run == nil || !run.branchCreated || run.settings.DryRun {
		return
	}
	// The run context may already be cancelled; the cleanup gets its own.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := run.remote.DeleteBranch(cleanupCtx, run.branch); err != nil {
		c.logger.Warn(ctx, "failed to delete branch", map[string]interface{}{
			"repository": run.repo.FullName(),
			"branch":     run.branch,
			"error":      err.Error(),
		})
		return
	}
	c.logger.Info(ctx, "deleted branch", map[string]interface{}{
		"repository": run.repo.FullName(),
		"branch":     run.branch,
	})
}

func (c *Controller) notifyRepository(ctx context.Context, result domain.RepositoryResult) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyRepository(ctx, result); err != nil {
		c.logger.Warn(ctx, "repository notification failed", map[string]interface{}{
			"repository": result.Repository,
			"error":      err.Error(),
		})
	}
}

// aggregateOutcome folds file outcomes. Files skipped for lack of change
// count as succeeded.
func aggregateOutcome(files []domain.FileResult) domain.RepositoryOutcome {
	var errored, committed int
	for _, f := range files {
		switch f.Outcome {
		case domain.FileErrored:
			errored++
		case domain.FileCommitted:
			committed++
		}
	}
	switch {
	case errored > 0 && errored == len(files):
		return domain.OutcomeFailed
	case errored > 0:
		return domain.OutcomePartial
	case committed > 0:
		return domain.OutcomeSuccess
	default:
		return domain.OutcomeNoChange
	}
}

// BranchName derives a branch name from prefix, repository, and time.
// Owner and repository name both take part so that concurrent runs over
// different repositories never collide; milliseconds separate sequential
// runs. Characters outside [A-Za-z0-9-] are replaced.
func BranchName(prefix string, repo domain.RepositoryRef, now time.Time) string {
	if prefix == "" {
		prefix = domain.DefaultBranchPrefix
	}
	stamp := strings.ReplaceAll(now.UTC().Format(branchTimestampLayout), ".", "")
	name := strings.Join([]string{prefix, repo.Owner, repo.Name, stamp}, "-")
	name = branchUnsafe.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

func renderTemplate(tmpl, path string, now time.Time, layout string) string {
	out := strings.ReplaceAll(tmpl, "{{timestamp}}", now.UTC().Format(layout))
	return strings.ReplaceAll(out, "{{path}}", path)
}

func pullRequestBody(result domain.RepositoryResult, settings domain.Settings) string {
	var b strings.Builder
	b.WriteString("Automated Terraform configuration updates\n\n")
	fmt.Fprintf(&b, "Repository: %s\n", result.Repository)
	fmt.Fprintf(&b, "Files modified: %d\n", result.CommittedFiles())
	fmt.Fprintf(&b, "Branch: %s\n\n", result.Branch)

	var summaries []string
	for _, change := range result.Changes() {
		if change.Mutating() {
			summaries = append(summaries, change.File+": "+change.Summary())
		}
	}
	if len(summaries) > 0 {
		b.WriteString("Changes:\n")
		for i, s := range summaries {
			if i == maxSummaryLines {
				fmt.Fprintf(&b, "- ... and %d more\n", len(summaries)-maxSummaryLines)
				break
			}
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	var failed []string
	for _, f := range result.Files {
		if f.Outcome == domain.FileErrored {
			failed = append(failed, f.Path)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "Files not updated due to errors: %s\n\n", strings.Join(failed, ", "))
	}

	if settings.WorkflowRunURL != "" {
		fmt.Fprintf(&b, "GitHub Actions run: %s\n", settings.WorkflowRunURL)
	}
	return b.String()
}
