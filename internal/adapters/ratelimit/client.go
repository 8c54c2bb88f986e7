package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Default retry settings.
const (
	DefaultMaxAttempts       = 4
	DefaultInitialInterval   = 500 * time.Millisecond
	DefaultMaxInterval       = 10 * time.Second
	DefaultMaxRateLimitWaits = 3
)

// RetryOptions configures transient-error retry. Zero values select the
// defaults.
type RetryOptions struct {
	// MaxAttempts bounds the attempts of one call, rate-limit waits excluded.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxRateLimitWaits bounds the rate-limited responses absorbed by one call.
	MaxRateLimitWaits int
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.MaxRateLimitWaits <= 0 {
		o.MaxRateLimitWaits = DefaultMaxRateLimitWaits
	}
	return o
}

// Client decorates a RemoteRepository so that every call acquires quota
// from the Arbiter and transient failures are retried.
type Client struct {
	next    domain.RemoteRepository
	arbiter *Arbiter
	logger  Logger
	opts    RetryOptions
	repo    string
}

// NewClient wraps next. repo names the repository in log fields.
func NewClient(next domain.RemoteRepository, arbiter *Arbiter, log Logger, repo string, opts RetryOptions) *Client {
	return &Client{
		next:    next,
		arbiter: arbiter,
		logger:  log,
		opts:    opts.withDefaults(),
		repo:    repo,
	}
}

// GetFile implements domain.RemoteRepository.
func (c *Client) GetFile(ctx context.Context, path, ref string) (*domain.RemoteFile, error) {
	return call(ctx, c, "get_file", false, func(ctx context.Context) (*domain.RemoteFile, error) {
		return c.next.GetFile(ctx, path, ref)
	})
}

// CreateBranch implements domain.RemoteRepository.
func (c *Client) CreateBranch(ctx context.Context, name, from string) error {
	_, err := call(ctx, c, "create_branch", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.next.CreateBranch(ctx, name, from)
	})
	return err
}

// CommitFile implements domain.RemoteRepository.
func (c *Client) CommitFile(ctx context.Context, req domain.CommitRequest) error {
	_, err := call(ctx, c, "commit_file", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.next.CommitFile(ctx, req)
	})
	return err
}

// OpenPR implements domain.RemoteRepository.
func (c *Client) OpenPR(ctx context.Context, spec domain.PullRequestSpec) (*domain.PullRequestRef, error) {
	return call(ctx, c, "open_pr", true, func(ctx context.Context) (*domain.PullRequestRef, error) {
		return c.next.OpenPR(ctx, spec)
	})
}

// DeleteBranch implements domain.RemoteRepository.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	_, err := call(ctx, c, "delete_branch", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.next.DeleteBranch(ctx, name)
	})
	return err
}

// call runs fn under the retry policy. Rate-limited responses mark the
// quota exhausted and are retried after the Arbiter wait without consuming
// an attempt. Transient errors back off exponentially. Every other error is
// permanent.
func call[T any](ctx context.Context, c *Client, op string, write bool, fn func(context.Context) (T, error)) (T, error) {
	rateLimitWaits := 0
	attempt := 0

	operation := func() (T, error) {
		var zero T
		for {
			attempt++
			if err := c.arbiter.Acquire(ctx, write); err != nil {
				return zero, backoff.Permanent(err)
			}

			v, err := fn(ctx)
			if err == nil {
				return v, nil
			}

			var rle *domain.RateLimitError
			switch {
			case errors.As(err, &rle) || errors.Is(err, domain.ErrRateLimited):
				rateLimitWaits++
				if rateLimitWaits > c.opts.MaxRateLimitWaits {
					return zero, backoff.Permanent(err)
				}
				reset := time.Time{}
				if rle != nil {
					reset = rle.Reset
				}
				c.arbiter.MarkExhausted(reset)
				c.logger.Warn(ctx, "rate limited, waiting before retry", map[string]interface{}{
					"repository": c.repo,
					"operation":  op,
					"waits":      rateLimitWaits,
				})
				attempt--
				continue
			case errors.Is(err, domain.ErrTransient):
				return zero, err
			default:
				return zero, backoff.Permanent(err)
			}
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.InitialInterval
	exp.MaxInterval = c.opts.MaxInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn(ctx, "transient remote failure, retrying", map[string]interface{}{
				"repository": c.repo,
				"operation":  op,
				"attempt":    attempt,
				"next_retry": next.String(),
				"error":      err.Error(),
			})
		}),
	)
}

// Provider decorates a RepositoryProvider so every opened repository is
// wrapped in a Client sharing one Arbiter.
type Provider struct {
	next    domain.RepositoryProvider
	arbiter *Arbiter
	logger  Logger
	opts    RetryOptions
}

// NewProvider wraps next.
func NewProvider(next domain.RepositoryProvider, arbiter *Arbiter, log Logger, opts RetryOptions) *Provider {
	return &Provider{next: next, arbiter: arbiter, logger: log, opts: opts}
}

// Open implements domain.RepositoryProvider.
func (p *Provider) Open(ctx context.Context, repo domain.RepositoryRef) (domain.RemoteRepository, error) {
	remote, err := p.next.Open(ctx, repo)
	if err != nil {
		return nil, err
	}
	return NewClient(remote, p.arbiter, p.logger, repo.FullName(), p.opts), nil
}
