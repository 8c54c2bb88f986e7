// Package domain defines the core entities and interfaces for terraform-updater.
// This package depends only on the standard library and represents the
// innermost layer of the CLEAN architecture.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Domain errors for tree mutation.
var (
	// ErrInvalidPath indicates a parameter path could not be parsed.
	ErrInvalidPath = errors.New("invalid parameter path")

	// ErrParse indicates configuration text could not be parsed.
	ErrParse = errors.New("failed to parse configuration")

	// ErrAmbiguousLiteral indicates a value cannot be rendered as a literal.
	ErrAmbiguousLiteral = errors.New("cannot render value as a literal")

	// ErrParameterNotFound indicates a required parameter is absent.
	ErrParameterNotFound = errors.New("parameter not found")

	// ErrBlockNotFound indicates the targeted block does not exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrShapeConflict indicates a write would replace a node of another shape.
	ErrShapeConflict = errors.New("node shape conflict")

	// ErrNormalization indicates the change detector could not normalize a file.
	ErrNormalization = errors.New("failed to normalize configuration")
)

// Domain errors for remote repository operations.
var (
	// ErrUnauthorized indicates the credentials were rejected (401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the credentials lack permission (403).
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the repository, ref, or file does not exist (404).
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates the request was rejected as invalid (422).
	ErrValidation = errors.New("validation failed")

	// ErrTransient indicates a network failure or server error worth retrying.
	ErrTransient = errors.New("transient remote failure")

	// ErrRateLimited indicates the API quota is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnsupported indicates the remote cannot perform the operation.
	ErrUnsupported = errors.New("operation not supported")
)

// RateLimitError carries the quota reset time of a rate-limited response.
type RateLimitError struct {
	Reset time.Time
	Err   error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s (resets at %s)", ErrRateLimited.Error(), e.Reset.UTC().Format(time.RFC3339))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether a remote error must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnsupported)
}

// RemoteFile is a file read from a repository ref.
type RemoteFile struct {
	Path    string
	Content []byte

	// SHA identifies the blob on the remote, when the remote has one.
	SHA string
}

// CommitRequest describes a single-file commit.
type CommitRequest struct {
	Branch  string
	Path    string
	Content []byte
	Message string
}

// PullRequestSpec describes a pull request to open.
type PullRequestSpec struct {
	Head   string
	Base   string
	Title  string
	Body   string
	Labels []string
}

// RemoteRepository is the write-capable view of one hosted repository.
type RemoteRepository interface {
	// GetFile reads a file at the given ref (branch name).
	GetFile(ctx context.Context, path, ref string) (*RemoteFile, error)

	// CreateBranch creates branch name pointing at the head of from.
	CreateBranch(ctx context.Context, name, from string) error

	// CommitFile commits new content for one file onto a branch.
	CommitFile(ctx context.Context, req CommitRequest) error

	// OpenPR opens a pull request, reusing an open one for the same head.
	OpenPR(ctx context.Context, spec PullRequestSpec) (*PullRequestRef, error)

	// DeleteBranch removes a branch created by this run.
	DeleteBranch(ctx context.Context, name string) error
}

// RepositoryProvider opens RemoteRepository handles.
type RepositoryProvider interface {
	Open(ctx context.Context, repo RepositoryRef) (RemoteRepository, error)
}

// RateLimitState is the last known API quota.
type RateLimitState struct {
	Limit     int
	Remaining int
	Reset     time.Time

	// Known is false until the quota has been fetched or observed.
	Known bool
}

// QuotaSource fetches the current API quota.
type QuotaSource interface {
	RateLimit(ctx context.Context) (RateLimitState, error)
}

// Notifier delivers results to people. Failures are reported, never fatal.
type Notifier interface {
	NotifyRepository(ctx context.Context, result RepositoryResult) error
	NotifyBatch(ctx context.Context, result BatchResult) error
}

// ReportWriter renders a finished batch.
type ReportWriter interface {
	WriteReport(result BatchResult) error
}

// Clock provides time and bounded waiting.
type Clock interface {
	Now() time.Time

	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}
