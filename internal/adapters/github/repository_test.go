package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v79/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// mockLogger implements the Logger interface for testing.
type mockLogger struct {
	mu    sync.Mutex
	warns []string
}

func (m *mockLogger) Info(_ context.Context, _ string, _ map[string]interface{})  {}
func (m *mockLogger) Debug(_ context.Context, _ string, _ map[string]interface{}) {}
func (m *mockLogger) Warn(_ context.Context, msg string, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warns = append(m.warns, msg)
}
func (m *mockLogger) Error(_ context.Context, _ string, _ error, _ map[string]interface{}) {}

// recordingObserver collects observed quota states.
type recordingObserver struct {
	mu     sync.Mutex
	states []domain.RateLimitState
}

func (o *recordingObserver) Observe(state domain.RateLimitState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

// gatingObserver also admits follow-up requests and records each admission.
type gatingObserver struct {
	recordingObserver
	writes []bool
	err    error
}

func (g *gatingObserver) Acquire(_ context.Context, write bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes = append(g.writes, write)
	return g.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                                   { return c.now }
func (c fixedClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

var testRef = domain.RepositoryRef{Owner: "acme", Name: "infra"}

type fixture struct {
	mux      *http.ServeMux
	server   *httptest.Server
	provider *Provider
	observer *recordingObserver
	logger   *mockLogger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := gogithub.NewClient(nil)
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL

	f := &fixture{mux: mux, server: server, observer: &recordingObserver{}, logger: &mockLogger{}}
	f.provider = NewProvider(client, f.observer, fixedClock{now: time.Unix(1767268800, 0)}, f.logger)
	return f
}

func (f *fixture) open(t *testing.T) domain.RemoteRepository {
	t.Helper()
	repo, err := f.provider.Open(context.Background(), testRef)
	require.NoError(t, err)
	return repo
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func contentJSON(path, body, sha string) map[string]any {
	return map[string]any{
		"type":     "file",
		"path":     path,
		"encoding": "base64",
		"content":  base64.StdEncoding.EncodeToString([]byte(body)),
		"sha":      sha,
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestRepository_GetFile(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("GET /repos/acme/infra/contents/eks/main.tf", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4321")
		w.Header().Set("X-RateLimit-Reset", "1767272400")
		writeJSON(w, http.StatusOK, contentJSON("eks/main.tf", "x = 1\n", "abc123"))
	})

	file, err := f.open(t).GetFile(context.Background(), "eks/main.tf", "main")
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(file.Content))
	assert.Equal(t, "abc123", file.SHA)

	require.Len(t, f.observer.states, 1)
	assert.Equal(t, 4321, f.observer.states[0].Remaining)
	assert.Equal(t, 5000, f.observer.states[0].Limit)
	assert.True(t, f.observer.states[0].Reset.Equal(time.Unix(1767272400, 0)))
}

func TestRepository_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		message string
		want    error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, message: "Bad credentials", want: domain.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, message: "Resource not accessible by integration", want: domain.ErrForbidden},
		{name: "not found", status: http.StatusNotFound, message: "Not Found", want: domain.ErrNotFound},
		{name: "validation", status: http.StatusUnprocessableEntity, message: "Validation Failed", want: domain.ErrValidation},
		{name: "server error", status: http.StatusBadGateway, message: "Bad Gateway", want: domain.ErrTransient},
		{
			name:    "primary rate limit",
			status:  http.StatusForbidden,
			message: "API rate limit exceeded for installation ID 1.",
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     "1767272400",
			},
			want: domain.ErrRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.mux.HandleFunc("GET /repos/acme/infra/contents/main.tf", func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				writeJSON(w, tt.status, map[string]any{"message": tt.message})
			})

			_, err := f.open(t).GetFile(context.Background(), "main.tf", "main")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRepository_RateLimitCarriesReset(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("GET /repos/acme/infra/contents/main.tf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "1767272400")
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "API rate limit exceeded for user ID 1."})
	})

	_, err := f.open(t).GetFile(context.Background(), "main.tf", "main")
	var rle *domain.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.True(t, rle.Reset.Equal(time.Unix(1767272400, 0)))
}

func TestRepository_NetworkErrorIsTransient(t *testing.T) {
	f := setup(t)
	repo := f.open(t)
	f.server.Close()

	_, err := repo.GetFile(context.Background(), "main.tf", "main")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestRepository_CreateBranch(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("GET /repos/acme/infra/branches/main", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "main", "commit": map[string]any{"sha": "base123"}})
	})
	var created map[string]any
	f.mux.HandleFunc("POST /repos/acme/infra/git/refs", func(w http.ResponseWriter, r *http.Request) {
		created = decodeBody(t, r)
		writeJSON(w, http.StatusCreated, map[string]any{"ref": created["ref"], "object": map[string]any{"sha": "base123"}})
	})

	require.NoError(t, f.open(t).CreateBranch(context.Background(), "terraform-automation-acme-infra-1", "main"))
	assert.Equal(t, "refs/heads/terraform-automation-acme-infra-1", created["ref"])
	assert.Equal(t, "base123", created["sha"])
}

func TestRepository_FollowUpRequestsAreAdmitted(t *testing.T) {
	existsResponse := map[string]any{
		"message": "Validation Failed",
		"errors":  []any{map[string]any{"resource": "PullRequest", "code": "custom", "message": "A pull request already exists for acme:feature."}},
	}

	tests := []struct {
		name       string
		prStatus   int
		call       func(ctx context.Context, repo domain.RemoteRepository) error
		wantWrites []bool
	}{
		{
			name: "create branch",
			call: func(ctx context.Context, repo domain.RemoteRepository) error {
				return repo.CreateBranch(ctx, "feature", "main")
			},
			wantWrites: []bool{true},
		},
		{
			name:     "open pull request with labels",
			prStatus: http.StatusCreated,
			call: func(ctx context.Context, repo domain.RemoteRepository) error {
				_, err := repo.OpenPR(ctx, domain.PullRequestSpec{Head: "feature", Base: "main", Labels: []string{"x"}})
				return err
			},
			wantWrites: []bool{true},
		},
		{
			name:     "reuse pull request with labels",
			prStatus: http.StatusUnprocessableEntity,
			call: func(ctx context.Context, repo domain.RemoteRepository) error {
				_, err := repo.OpenPR(ctx, domain.PullRequestSpec{Head: "feature", Base: "main", Labels: []string{"x"}})
				return err
			},
			wantWrites: []bool{false, true},
		},
		{
			name:     "open pull request without labels",
			prStatus: http.StatusCreated,
			call: func(ctx context.Context, repo domain.RemoteRepository) error {
				_, err := repo.OpenPR(ctx, domain.PullRequestSpec{Head: "feature", Base: "main"})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			gate := &gatingObserver{}
			f.provider = NewProvider(f.provider.client, gate, f.provider.clock, f.logger)

			f.mux.HandleFunc("GET /repos/acme/infra/branches/main", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"name": "main", "commit": map[string]any{"sha": "base123"}})
			})
			f.mux.HandleFunc("POST /repos/acme/infra/git/refs", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusCreated, map[string]any{"ref": "refs/heads/feature"})
			})
			f.mux.HandleFunc("POST /repos/acme/infra/pulls", func(w http.ResponseWriter, _ *http.Request) {
				if tt.prStatus == http.StatusUnprocessableEntity {
					writeJSON(w, tt.prStatus, existsResponse)
					return
				}
				writeJSON(w, http.StatusCreated, map[string]any{"number": 5, "html_url": "u"})
			})
			f.mux.HandleFunc("GET /repos/acme/infra/pulls", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, []any{map[string]any{"number": 5, "html_url": "u"}})
			})
			f.mux.HandleFunc("POST /repos/acme/infra/issues/5/labels", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, []any{})
			})

			require.NoError(t, tt.call(context.Background(), f.open(t)))
			assert.Equal(t, tt.wantWrites, gate.writes)
		})
	}
}

func TestRepository_CreateBranchStopsWhenNotAdmitted(t *testing.T) {
	f := setup(t)
	gate := &gatingObserver{err: context.Canceled}
	f.provider = NewProvider(f.provider.client, gate, f.provider.clock, f.logger)

	f.mux.HandleFunc("GET /repos/acme/infra/branches/main", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "main", "commit": map[string]any{"sha": "base123"}})
	})
	created := false
	f.mux.HandleFunc("POST /repos/acme/infra/git/refs", func(w http.ResponseWriter, _ *http.Request) {
		created = true
		writeJSON(w, http.StatusCreated, map[string]any{})
	})

	err := f.open(t).CreateBranch(context.Background(), "feature", "main")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, created)
}

func TestRepository_CreateBranchMissingBase(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("GET /repos/acme/infra/branches/develop", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Branch not found"})
	})

	err := f.open(t).CreateBranch(context.Background(), "b", "develop")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_CommitFileUsesCachedSHA(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("GET /repos/acme/infra/contents/main.tf", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, contentJSON("main.tf", "x = 1\n", "sha-1"))
	})

	var bodies []map[string]any
	next := 2
	f.mux.HandleFunc("PUT /repos/acme/infra/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		bodies = append(bodies, decodeBody(t, r))
		writeJSON(w, http.StatusOK, map[string]any{"content": map[string]any{"sha": fmt.Sprintf("sha-%d", next)}})
		next++
	})

	repo := f.open(t)
	_, err := repo.GetFile(context.Background(), "main.tf", "main")
	require.NoError(t, err)

	commit := domain.CommitRequest{Branch: "b", Path: "main.tf", Content: []byte("x = 2\n"), Message: "Update main.tf"}
	require.NoError(t, repo.CommitFile(context.Background(), commit))
	require.NoError(t, repo.CommitFile(context.Background(), commit))
	require.NoError(t, repo.CommitFile(context.Background(), domain.CommitRequest{Branch: "b", Path: "new.tf", Content: []byte("y = 1\n"), Message: "Add new.tf"}))

	require.Len(t, bodies, 3)
	assert.Equal(t, "sha-1", bodies[0]["sha"])
	assert.Equal(t, "b", bodies[0]["branch"])
	assert.Equal(t, "Update main.tf", bodies[0]["message"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("x = 2\n")), bodies[0]["content"])
	assert.Equal(t, "sha-2", bodies[1]["sha"], "the SHA of the previous commit is reused")
	_, hasSHA := bodies[2]["sha"]
	assert.False(t, hasSHA, "new files are created without a SHA")
}

func TestRepository_OpenPR(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("POST /repos/acme/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, "feature", body["head"])
		assert.Equal(t, "main", body["base"])
		assert.Equal(t, "Automated Terraform Updates", body["title"])
		writeJSON(w, http.StatusCreated, map[string]any{"number": 5, "html_url": "https://github.com/acme/infra/pull/5"})
	})
	var labels []string
	f.mux.HandleFunc("POST /repos/acme/infra/issues/5/labels", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &labels))
		writeJSON(w, http.StatusOK, []any{})
	})

	ref, err := f.open(t).OpenPR(context.Background(), domain.PullRequestSpec{
		Head:   "feature",
		Base:   "main",
		Title:  "Automated Terraform Updates",
		Body:   "body",
		Labels: domain.DefaultLabels,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, ref.Number)
	assert.Equal(t, "https://github.com/acme/infra/pull/5", ref.URL)
	assert.False(t, ref.Reused)
	assert.Equal(t, domain.DefaultLabels, labels)
}

func TestRepository_OpenPRReusesExisting(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("POST /repos/acme/infra/pulls", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "Validation Failed",
			"errors": []any{map[string]any{
				"resource": "PullRequest",
				"code":     "custom",
				"message":  "A pull request already exists for acme:feature.",
			}},
		})
	})
	f.mux.HandleFunc("GET /repos/acme/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme:feature", r.URL.Query().Get("head"))
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		writeJSON(w, http.StatusOK, []any{map[string]any{"number": 9, "html_url": "https://github.com/acme/infra/pull/9"}})
	})

	ref, err := f.open(t).OpenPR(context.Background(), domain.PullRequestSpec{Head: "feature", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, 9, ref.Number)
	assert.True(t, ref.Reused)
}

func TestRepository_OpenPRValidationError(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("POST /repos/acme/infra/pulls", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "Validation Failed",
			"errors":  []any{map[string]any{"resource": "PullRequest", "code": "invalid", "field": "base"}},
		})
	})

	_, err := f.open(t).OpenPR(context.Background(), domain.PullRequestSpec{Head: "feature", Base: "nope"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRepository_LabelFailureIsNotFatal(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("POST /repos/acme/infra/pulls", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"number": 3, "html_url": "u"})
	})
	f.mux.HandleFunc("POST /repos/acme/infra/issues/3/labels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "nope"})
	})

	ref, err := f.open(t).OpenPR(context.Background(), domain.PullRequestSpec{Head: "h", Base: "main", Labels: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, 3, ref.Number)
	assert.Equal(t, []string{"failed to add labels"}, f.logger.warns)
}

func TestRepository_DeleteBranch(t *testing.T) {
	f := setup(t)
	deleted := false
	f.mux.HandleFunc("DELETE /repos/acme/infra/git/refs/heads/feature", func(w http.ResponseWriter, _ *http.Request) {
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, f.open(t).DeleteBranch(context.Background(), "feature"))
	assert.True(t, deleted)
}

func TestProvider_RateLimit(t *testing.T) {
	f := setup(t)
	f.mux.HandleFunc("GET /rate_limit", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"resources": map[string]any{
				"core": map[string]any{"limit": 5000, "remaining": 4999, "reset": 1767272400},
			},
		})
	})

	state, err := f.provider.RateLimit(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Known)
	assert.Equal(t, 5000, state.Limit)
	assert.Equal(t, 4999, state.Remaining)
	assert.True(t, state.Reset.Equal(time.Unix(1767272400, 0)))
}

func TestProvider_OpenRejectsIncompleteRef(t *testing.T) {
	f := setup(t)
	_, err := f.provider.Open(context.Background(), domain.RepositoryRef{Owner: "acme"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name     string
		opts     ClientOptions
		wantErr  bool
		wantHost string
	}{
		{name: "token", opts: ClientOptions{Token: "t"}, wantHost: "api.github.com"},
		{name: "enterprise", opts: ClientOptions{Token: "t", APIURL: "https://ghe.example.com/api/v3/"}, wantHost: "ghe.example.com"},
		{name: "no credentials", opts: ClientOptions{}, wantErr: true},
		{name: "app without key", opts: ClientOptions{AppID: 1, InstallationID: 2}, wantErr: true},
		{name: "app with invalid key", opts: ClientOptions{AppID: 1, InstallationID: 2, PrivateKey: []byte("not a key")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, client.BaseURL.Host)
		})
	}
}
