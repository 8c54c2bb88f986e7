// Package github implements the remote repository capability against the
// GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v79/github"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// Observer receives the quota reported by every API response.
type Observer interface {
	Observe(state domain.RateLimitState)
}

// Gate admits API calls against the shared quota. The caller of a
// Repository method has admitted its first request; an Observer that is
// also a Gate admits every further request the method issues.
type Gate interface {
	Acquire(ctx context.Context, write bool) error
}

// ErrNoCredentials is returned when neither a token nor an App is configured.
var ErrNoCredentials = errors.New("no GitHub credentials configured")

// DefaultHTTPTimeout bounds a single API request.
const DefaultHTTPTimeout = 30 * time.Second

// ClientOptions selects the authentication of the API client. App
// credentials take precedence over a token.
type ClientOptions struct {
	Token string

	AppID          int64
	InstallationID int64
	PrivateKey     []byte

	// APIURL is the GitHub Enterprise API root. Empty means github.com.
	APIURL string

	// HTTPClient overrides the transport used for API calls.
	HTTPClient *http.Client
}

// NewClient builds an authenticated go-github client.
func NewClient(opts ClientOptions) (*gogithub.Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	var client *gogithub.Client
	switch {
	case opts.AppID != 0:
		if opts.InstallationID == 0 || len(opts.PrivateKey) == 0 {
			return nil, fmt.Errorf("GitHub App %d requires an installation ID and private key", opts.AppID)
		}
		itr, err := ghinstallation.New(base, opts.AppID, opts.InstallationID, opts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub App transport: %w", err)
		}
		if opts.APIURL != "" {
			itr.BaseURL = strings.TrimSuffix(opts.APIURL, "/")
		}
		client = gogithub.NewClient(&http.Client{Transport: itr, Timeout: httpClient.Timeout})
	case opts.Token != "":
		client = gogithub.NewClient(httpClient).WithAuthToken(opts.Token)
	default:
		return nil, ErrNoCredentials
	}

	if opts.APIURL != "" {
		enterprise, err := client.WithEnterpriseURLs(opts.APIURL, opts.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", opts.APIURL, err)
		}
		client = enterprise
	}
	return client, nil
}

// Provider opens GitHub repositories and reports the API quota.
type Provider struct {
	client   *gogithub.Client
	observer Observer
	gate     Gate
	clock    domain.Clock
	logger   Logger
}

// NewProvider creates a Provider. A nil observer discards quota reports.
func NewProvider(client *gogithub.Client, observer Observer, clock domain.Clock, log Logger) *Provider {
	gate, _ := observer.(Gate)
	return &Provider{
		client:   client,
		observer: observer,
		gate:     gate,
		clock:    clock,
		logger:   log,
	}
}

func (p *Provider) acquire(ctx context.Context, write bool) error {
	if p.gate == nil {
		return nil
	}
	return p.gate.Acquire(ctx, write)
}

// Open implements domain.RepositoryProvider. No request is issued; a
// missing repository surfaces on the first file read.
func (p *Provider) Open(_ context.Context, ref domain.RepositoryRef) (domain.RemoteRepository, error) {
	if ref.Owner == "" || ref.Name == "" {
		return nil, fmt.Errorf("%w: repository %q", domain.ErrValidation, ref.FullName())
	}
	return &Repository{
		provider: p,
		owner:    ref.Owner,
		name:     ref.Name,
		shas:     make(map[string]string),
	}, nil
}

// RateLimit implements domain.QuotaSource.
func (p *Provider) RateLimit(ctx context.Context) (domain.RateLimitState, error) {
	limits, resp, err := p.client.RateLimit.Get(ctx)
	if err != nil {
		return domain.RateLimitState{}, p.classify(resp, err, "rate limit")
	}
	core := limits.GetCore()
	if core == nil {
		return domain.RateLimitState{}, fmt.Errorf("%w: rate limit response has no core quota", domain.ErrTransient)
	}
	return domain.RateLimitState{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		Reset:     core.Reset.Time,
		Known:     true,
	}, nil
}

func (p *Provider) observe(resp *gogithub.Response) {
	if p.observer == nil || resp == nil || resp.Rate.Limit == 0 {
		return
	}
	p.observer.Observe(domain.RateLimitState{
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		Reset:     resp.Rate.Reset.Time,
		Known:     true,
	})
}

// classify maps an API error onto the domain error taxonomy.
func (p *Provider) classify(resp *gogithub.Response, err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", what, err)
	}

	var rle *gogithub.RateLimitError
	if errors.As(err, &rle) {
		return &domain.RateLimitError{Reset: rle.Rate.Reset.Time, Err: fmt.Errorf("%s: %w", what, err)}
	}
	var abuse *gogithub.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return &domain.RateLimitError{Reset: p.clock.Now().Add(abuse.GetRetryAfter()), Err: fmt.Errorf("%s: %w", what, err)}
	}

	status := 0
	var er *gogithub.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		status = er.Response.StatusCode
	} else if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s: %w", domain.ErrUnauthorized, what, err)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %w", domain.ErrForbidden, what, err)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %w", domain.ErrNotFound, what, err)
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s: %w", domain.ErrValidation, what, err)
	case status == 0 || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: %w", domain.ErrTransient, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
