// Package git implements the remote repository capability against local
// clones using go-git/v5. Branches and commits are prepared locally; the pull
// request step reports the prepared branch instead of opening one.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Logger defines the logging interface for the git adapter.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
}

// Commit identity used when the clone configures none.
const (
	DefaultAuthorName  = "terraform-updater"
	DefaultAuthorEmail = "terraform-updater@users.noreply.github.com"
)

// Provider opens clones below a root directory. A repository owner/name is
// looked up at root/owner/name, then root/name.
type Provider struct {
	root   string
	clock  domain.Clock
	logger Logger
}

// NewProvider creates a Provider for clones under root.
func NewProvider(root string, clock domain.Clock, log Logger) *Provider {
	return &Provider{root: root, clock: clock, logger: log}
}

// Open implements domain.RepositoryProvider. The clone's origin remote must
// name the requested repository.
func (p *Provider) Open(ctx context.Context, ref domain.RepositoryRef) (domain.RemoteRepository, error) {
	candidates := []string{
		filepath.Join(p.root, ref.Owner, ref.Name),
		filepath.Join(p.root, ref.Name),
	}
	for _, dir := range candidates {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		repo, err := NewGoGitRepository(dir, p.clock, p.logger)
		if err != nil {
			return nil, err
		}
		if err := repo.verifyOrigin(ref); err != nil {
			return nil, err
		}
		p.logger.Debug(ctx, "opened local clone", map[string]interface{}{
			"repository": ref.FullName(),
			"path":       dir,
		})
		return repo, nil
	}
	return nil, fmt.Errorf("%w: no clone of %s under %s", domain.ErrNotFound, ref.FullName(), p.root)
}

// GoGitRepository implements domain.RemoteRepository on a local clone.
// Ref updates are serialized.
type GoGitRepository struct {
	mu     sync.Mutex
	repo   *git.Repository
	path   string
	name   string
	clock  domain.Clock
	logger Logger
}

// NewGoGitRepository opens the clone at path.
// Returns domain.ErrNotFound if the path is not a valid Git repository.
func NewGoGitRepository(path string, clock domain.Clock, log Logger) (*GoGitRepository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a git repository", domain.ErrNotFound, path)
	}

	return &GoGitRepository{
		repo:   repo,
		path:   path,
		clock:  clock,
		logger: log,
	}, nil
}

func (r *GoGitRepository) verifyOrigin(ref domain.RepositoryRef) error {
	remote, err := r.repo.Remote("origin")
	if err != nil {
		return fmt.Errorf("%w: %s has no origin remote: %w", domain.ErrValidation, r.path, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return fmt.Errorf("%w: origin remote of %s has no URLs configured", domain.ErrValidation, r.path)
	}
	name, err := parseRepoFromURL(urls[0])
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if !strings.EqualFold(name, ref.FullName()) {
		return fmt.Errorf("%w: clone at %s is %s, not %s", domain.ErrValidation, r.path, name, ref.FullName())
	}
	r.name = name
	return nil
}

// GetFile implements domain.RemoteRepository. The file is read from the
// commit the branch ref points at; the worktree is not consulted.
func (r *GoGitRepository) GetFile(_ context.Context, file, ref string) (*domain.RemoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	commit, err := r.branchCommit(ref)
	if err != nil {
		return nil, err
	}
	f, err := commit.File(file)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s@%s", domain.ErrNotFound, file, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s@%s: %w", file, ref, err)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s@%s: %w", file, ref, err)
	}
	return &domain.RemoteFile{
		Path:    file,
		Content: []byte(contents),
		SHA:     f.Hash.String(),
	}, nil
}

// CreateBranch implements domain.RemoteRepository.
func (r *GoGitRepository) CreateBranch(ctx context.Context, name, from string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, err := r.branchRef(from)
	if err != nil {
		return err
	}
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(refName, false); err == nil {
		return fmt.Errorf("%w: branch %s already exists", domain.ErrValidation, name)
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, base.Hash())); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}

	r.logger.Debug(ctx, "created local branch", map[string]interface{}{
		"path":   r.path,
		"branch": name,
		"from":   from,
		"sha":    base.Hash().String(),
	})
	return nil
}

// CommitFile implements domain.RemoteRepository. The blob, trees and commit
// are written to the object store and the branch ref is advanced; the
// worktree and index are never touched. The checked-out branch is refused
// so the worktree cannot fall behind its own HEAD.
func (r *GoGitRepository) CommitFile(ctx context.Context, req domain.CommitRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel, err := cleanPath(req.Path)
	if err != nil {
		return err
	}
	refName := plumbing.NewBranchReferenceName(req.Branch)
	if head, err := r.repo.Head(); err == nil && head.Name() == refName {
		return fmt.Errorf("%w: branch %s is checked out", domain.ErrValidation, req.Branch)
	}
	branch, err := r.branchRef(req.Branch)
	if err != nil {
		return err
	}
	parent, err := r.repo.CommitObject(branch.Hash())
	if err != nil {
		return fmt.Errorf("failed to get commit for %s: %w", req.Branch, err)
	}
	root, err := parent.Tree()
	if err != nil {
		return fmt.Errorf("failed to read tree of %s: %w", req.Branch, err)
	}

	blob, err := r.writeBlob(req.Content)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	treeHash, err := r.writeTree(root, strings.Split(rel, "/"), blob)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}

	sig := r.signature()
	commit := &object.Commit{
		Author:       *sig,
		Committer:    *sig,
		Message:      req.Message,
		TreeHash:     treeHash,
		ParentHashes: []plumbing.Hash{parent.Hash},
	}
	hash, err := r.store(commit)
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", rel, err)
	}
	if err := r.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(refName, hash), branch); err != nil {
		return fmt.Errorf("failed to advance %s: %w", req.Branch, err)
	}

	r.logger.Debug(ctx, "committed file", map[string]interface{}{
		"path":   r.path,
		"branch": req.Branch,
		"file":   rel,
		"commit": hash.String(),
	})
	return nil
}

// encoder is an object that can be written to the object store.
type encoder interface {
	Encode(plumbing.EncodedObject) error
}

func (r *GoGitRepository) store(o encoder) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	if err := o.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

func (r *GoGitRepository) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// writeTree stores a copy of base with blob at parts, creating missing
// directories, and returns the new tree hash. base may be nil.
func (r *GoGitRepository) writeTree(base *object.Tree, parts []string, blob plumbing.Hash) (plumbing.Hash, error) {
	var entries []object.TreeEntry
	if base != nil {
		entries = append(entries, base.Entries...)
	}
	name := parts[0]
	idx := -1
	for i, e := range entries {
		if e.Name == name {
			idx = i
			break
		}
	}

	entry := object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob}
	if len(parts) == 1 {
		if idx >= 0 {
			switch entries[idx].Mode {
			case filemode.Regular, filemode.Executable, filemode.Deprecated:
				entry.Mode = entries[idx].Mode
			case filemode.Dir, filemode.Submodule:
				return plumbing.ZeroHash, fmt.Errorf("%w: %s is a directory", domain.ErrValidation, name)
			}
		}
	} else {
		var sub *object.Tree
		if idx >= 0 {
			if entries[idx].Mode != filemode.Dir {
				return plumbing.ZeroHash, fmt.Errorf("%w: %s is not a directory", domain.ErrValidation, name)
			}
			t, err := object.GetTree(r.repo.Storer, entries[idx].Hash)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			sub = t
		}
		hash, err := r.writeTree(sub, parts[1:], blob)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entry = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash}
	}

	if idx >= 0 {
		entries[idx] = entry
	} else {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
	return r.store(&object.Tree{Entries: entries})
}

// treeSortKey orders entries the way git does: directories sort as if
// their name ended in a slash.
func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// OpenPR implements domain.RemoteRepository. Both branches must exist; the
// returned reference names the prepared branch.
func (r *GoGitRepository) OpenPR(ctx context.Context, spec domain.PullRequestSpec) (*domain.PullRequestRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.branchRef(spec.Base); err != nil {
		return nil, err
	}
	if _, err := r.branchRef(spec.Head); err != nil {
		return nil, err
	}

	ref := &domain.PullRequestRef{URL: fmt.Sprintf("local://%s#%s", r.name, spec.Head)}
	r.logger.Info(ctx, "branch prepared locally; push it to open a pull request", map[string]interface{}{
		"path":   r.path,
		"head":   spec.Head,
		"base":   spec.Base,
		"title":  spec.Title,
		"labels": spec.Labels,
	})
	return ref, nil
}

// DeleteBranch implements domain.RemoteRepository. The checked-out branch
// cannot be deleted.
func (r *GoGitRepository) DeleteBranch(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	refName := plumbing.NewBranchReferenceName(name)
	if head, err := r.repo.Head(); err == nil && head.Name() == refName {
		return fmt.Errorf("%w: branch %s is checked out", domain.ErrValidation, name)
	}
	if _, err := r.branchRef(name); err != nil {
		return err
	}
	if err := r.repo.Storer.RemoveReference(refName); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

func (r *GoGitRepository) branchRef(name string) (*plumbing.Reference, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("%w: branch %s", domain.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch %s: %w", name, err)
	}
	return ref, nil
}

func (r *GoGitRepository) branchCommit(name string) (*object.Commit, error) {
	ref, err := r.branchRef(name)
	if err != nil {
		return nil, err
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit for %s: %w", name, err)
	}
	return commit, nil
}

func (r *GoGitRepository) signature() *object.Signature {
	sig := &object.Signature{Name: DefaultAuthorName, Email: DefaultAuthorEmail, When: r.clock.Now()}
	if cfg, err := r.repo.Config(); err == nil {
		if cfg.User.Name != "" {
			sig.Name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			sig.Email = cfg.User.Email
		}
	}
	return sig
}

// cleanPath keeps commits inside the worktree.
func cleanPath(p string) (string, error) {
	rel := path.Clean(filepath.ToSlash(p))
	if rel == "." || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: path %q leaves the repository", domain.ErrValidation, p)
	}
	return rel, nil
}

// Regular expressions for parsing Git remote URLs.
var (
	// httpsURLPattern matches HTTPS URLs like:
	// https://github.com/owner/repo.git
	// https://github.com/owner/repo
	httpsURLPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)

	// sshURLPattern matches SSH URLs like:
	// git@github.com:owner/repo.git
	// ssh://git@github.com/owner/repo
	sshURLPattern = regexp.MustCompile(`^(?:ssh://)?git@[^:/]+[:/]([^/]+)/([^/]+?)(?:\.git)?$`)
)

// parseRepoFromURL extracts owner/repo from a Git remote URL.
// Supports both HTTPS and SSH formats:
//   - https://github.com/owner/repo.git -> owner/repo
//   - git@github.com:owner/repo.git -> owner/repo
//   - ssh://git@github.com/owner/repo -> owner/repo
func parseRepoFromURL(url string) (string, error) {
	url = strings.TrimSpace(url)

	if matches := httpsURLPattern.FindStringSubmatch(url); len(matches) == 3 {
		return matches[1] + "/" + matches[2], nil
	}
	if matches := sshURLPattern.FindStringSubmatch(url); len(matches) == 3 {
		return matches[1] + "/" + matches[2], nil
	}

	return "", fmt.Errorf("unrecognized URL format: %s", url)
}
