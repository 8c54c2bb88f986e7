package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	gogithub "github.com/google/go-github/v79/github"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Repository is one GitHub repository. File SHAs read or written through it
// are cached per path so updates can name the blob they replace.
type Repository struct {
	provider *Provider
	owner    string
	name     string

	mu   sync.Mutex
	shas map[string]string
}

func (r *Repository) fullName() string {
	return r.owner + "/" + r.name
}

func (r *Repository) cachedSHA(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shas[path]
}

func (r *Repository) cacheSHA(path, sha string) {
	if sha == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shas[path] = sha
}

// GetFile implements domain.RemoteRepository.
func (r *Repository) GetFile(ctx context.Context, path, ref string) (*domain.RemoteFile, error) {
	file, dir, resp, err := r.provider.client.Repositories.GetContents(ctx, r.owner, r.name, path,
		&gogithub.RepositoryContentGetOptions{Ref: ref})
	r.provider.observe(resp)
	if err != nil {
		return nil, r.provider.classify(resp, err, fmt.Sprintf("get %s@%s in %s", path, ref, r.fullName()))
	}
	if file == nil {
		return nil, fmt.Errorf("%w: %s is a directory with %d entries", domain.ErrValidation, path, len(dir))
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	r.cacheSHA(path, file.GetSHA())

	return &domain.RemoteFile{
		Path:    path,
		Content: []byte(content),
		SHA:     file.GetSHA(),
	}, nil
}

// CreateBranch implements domain.RemoteRepository.
func (r *Repository) CreateBranch(ctx context.Context, name, from string) error {
	base, resp, err := r.provider.client.Repositories.GetBranch(ctx, r.owner, r.name, from, 1)
	r.provider.observe(resp)
	if err != nil {
		return r.provider.classify(resp, err, fmt.Sprintf("get branch %s in %s", from, r.fullName()))
	}
	sha := base.GetCommit().GetSHA()
	if sha == "" {
		return fmt.Errorf("%w: branch %s has no head commit", domain.ErrValidation, from)
	}

	if err := r.provider.acquire(ctx, true); err != nil {
		return err
	}
	_, resp, err = r.provider.client.Git.CreateRef(ctx, r.owner, r.name, gogithub.CreateRef{
		Ref: "refs/heads/" + name,
		SHA: sha,
	})
	r.provider.observe(resp)
	if err != nil {
		return r.provider.classify(resp, err, fmt.Sprintf("create branch %s in %s", name, r.fullName()))
	}

	r.provider.logger.Debug(ctx, "created branch", map[string]interface{}{
		"repository": r.fullName(),
		"branch":     name,
		"sha":        sha,
	})
	return nil
}

// CommitFile implements domain.RemoteRepository. A path with a cached SHA
// is updated, any other path is created.
func (r *Repository) CommitFile(ctx context.Context, req domain.CommitRequest) error {
	opts := &gogithub.RepositoryContentFileOptions{
		Message: gogithub.Ptr(req.Message),
		Content: req.Content,
		Branch:  gogithub.Ptr(req.Branch),
	}

	var (
		result *gogithub.RepositoryContentResponse
		resp   *gogithub.Response
		err    error
	)
	if sha := r.cachedSHA(req.Path); sha != "" {
		opts.SHA = gogithub.Ptr(sha)
		result, resp, err = r.provider.client.Repositories.UpdateFile(ctx, r.owner, r.name, req.Path, opts)
	} else {
		result, resp, err = r.provider.client.Repositories.CreateFile(ctx, r.owner, r.name, req.Path, opts)
	}
	r.provider.observe(resp)
	if err != nil {
		return r.provider.classify(resp, err, fmt.Sprintf("commit %s to %s in %s", req.Path, req.Branch, r.fullName()))
	}

	if result != nil && result.Content != nil {
		r.cacheSHA(req.Path, result.Content.GetSHA())
	}
	return nil
}

// OpenPR implements domain.RemoteRepository. When GitHub reports that a pull
// request already exists for the head branch, the open one is reused.
// Labels are applied best-effort.
func (r *Repository) OpenPR(ctx context.Context, spec domain.PullRequestSpec) (*domain.PullRequestRef, error) {
	pr, resp, err := r.provider.client.PullRequests.Create(ctx, r.owner, r.name, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(spec.Title),
		Head:  gogithub.Ptr(spec.Head),
		Base:  gogithub.Ptr(spec.Base),
		Body:  gogithub.Ptr(spec.Body),
	})
	r.provider.observe(resp)

	var ref *domain.PullRequestRef
	switch {
	case err == nil:
		ref = &domain.PullRequestRef{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}
	case alreadyExists(err):
		if aerr := r.provider.acquire(ctx, false); aerr != nil {
			return nil, aerr
		}
		existing, lerr := r.findOpenPR(ctx, spec.Head)
		if lerr != nil {
			return nil, lerr
		}
		if existing == nil {
			return nil, r.provider.classify(resp, err, fmt.Sprintf("open pull request for %s in %s", spec.Head, r.fullName()))
		}
		ref = existing
		r.provider.logger.Info(ctx, "reusing open pull request", map[string]interface{}{
			"repository": r.fullName(),
			"number":     ref.Number,
		})
	default:
		return nil, r.provider.classify(resp, err, fmt.Sprintf("open pull request for %s in %s", spec.Head, r.fullName()))
	}

	if len(spec.Labels) > 0 {
		err := r.provider.acquire(ctx, true)
		if err == nil {
			var resp *gogithub.Response
			_, resp, err = r.provider.client.Issues.AddLabelsToIssue(ctx, r.owner, r.name, ref.Number, spec.Labels)
			r.provider.observe(resp)
		}
		if err != nil {
			r.provider.logger.Warn(ctx, "failed to add labels", map[string]interface{}{
				"repository": r.fullName(),
				"number":     ref.Number,
				"labels":     spec.Labels,
				"error":      err.Error(),
			})
		}
	}
	return ref, nil
}

func (r *Repository) findOpenPR(ctx context.Context, head string) (*domain.PullRequestRef, error) {
	prs, resp, err := r.provider.client.PullRequests.List(ctx, r.owner, r.name, &gogithub.PullRequestListOptions{
		State: "open",
		Head:  r.owner + ":" + head,
	})
	r.provider.observe(resp)
	if err != nil {
		return nil, r.provider.classify(resp, err, fmt.Sprintf("list pull requests for %s in %s", head, r.fullName()))
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &domain.PullRequestRef{Number: prs[0].GetNumber(), URL: prs[0].GetHTMLURL(), Reused: true}, nil
}

// DeleteBranch implements domain.RemoteRepository.
func (r *Repository) DeleteBranch(ctx context.Context, name string) error {
	resp, err := r.provider.client.Git.DeleteRef(ctx, r.owner, r.name, "heads/"+name)
	r.provider.observe(resp)
	if err != nil {
		return r.provider.classify(resp, err, fmt.Sprintf("delete branch %s in %s", name, r.fullName()))
	}
	return nil
}

func alreadyExists(err error) bool {
	var er *gogithub.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil || er.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(er.Message, "already exists") {
		return true
	}
	for _, e := range er.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return false
}
