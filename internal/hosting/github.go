package hosting

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultStatusContext = "taskd/push"

	// Client-side throttle for the GitHub API. Pushes are infrequent, so
	// a small sustained rate with a burst allowance is plenty.
	defaultRequestsPerSecond = 1
	defaultBurst             = 10
)

// GitHubConfig holds GitHubHost configuration.
type GitHubConfig struct {
	// Owner and Repo identify the upstream repository.
	Owner string
	Repo  string

	// Token authenticates both git pushes and API calls.
	Token config.Secret

	// DefaultBranch is the branch merges land on.
	// Default: main
	DefaultBranch string

	// AuthorName and AuthorEmail identify automated commits.
	AuthorName  string
	AuthorEmail string

	// StatusContext labels the commit status set after a push.
	// Default: taskd/push
	StatusContext string

	// APIBaseURL points the client at a GitHub Enterprise instance.
	// Empty means api.github.com.
	APIBaseURL string

	// RequestsPerSecond throttles API calls client-side.
	// Default: 1
	RequestsPerSecond float64

	// Retry configures the API retry helper.
	Retry *RetryConfig
}

// GitHubHost serves GitHub-hosted repositories. Branch, commit, and
// merge operations run locally in the sandbox workspace; Push publishes
// over https with token auth and then sets a commit status on the pushed
// head so the repository shows the automated push. API calls go through
// the retry helper and a client-side rate limiter.
type GitHubHost struct {
	config  GitHubConfig
	client  *github.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	pushed map[string]struct{}
}

// NewGitHubHost creates a host for one GitHub repository.
func NewGitHubHost(ctx context.Context, cfg GitHubConfig, logger *zap.Logger) (*GitHubHost, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = defaultAuthorName
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = defaultAuthorEmail
	}
	if cfg.StatusContext == "" {
		cfg.StatusContext = defaultStatusContext
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)
	if cfg.APIBaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.APIBaseURL, cfg.APIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure API base URL: %w", err)
		}
	}

	return &GitHubHost{
		config:  cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), defaultBurst),
		logger:  logger,
		pushed:  make(map[string]struct{}),
	}, nil
}

// CloneURL implements Host. The token is embedded so sandboxes can clone
// private repositories; the secrets scrubber strips it from anything
// that leaves the daemon.
func (h *GitHubHost) CloneURL() string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git",
		h.config.Token.Value(), h.config.Owner, h.config.Repo)
}

// DefaultBranch returns the branch merges land on.
func (h *GitHubHost) DefaultBranch() string {
	return h.config.DefaultBranch
}

// EnsureBranch implements Host.
func (h *GitHubHost) EnsureBranch(ctx context.Context, workspace, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	return ensureBranch(workspace, branch)
}

// CommitAll implements Host.
func (h *GitHubHost) CommitAll(ctx context.Context, workspace, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}
	return commitAll(workspace, message, object.Signature{
		Name:  h.config.AuthorName,
		Email: h.config.AuthorEmail,
	})
}

// Merge implements Host.
func (h *GitHubHost) Merge(ctx context.Context, workspace, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	return fastForward(workspace, h.config.DefaultBranch, branch)
}

// Push implements Host. The idempotency key is recorded only after the
// push and the status notification both succeed, so a redelivered push
// retries the remaining half instead of skipping it.
func (h *GitHubHost) Push(ctx context.Context, workspace, branch, idempotencyKey string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}

	if idempotencyKey != "" {
		h.mu.Lock()
		_, done := h.pushed[idempotencyKey]
		h.mu.Unlock()
		if done {
			h.logger.Debug("Push already applied",
				zap.String("branch", branch),
				zap.String("idempotency_key", idempotencyKey))
			return nil
		}
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	auth := &githttp.BasicAuth{Username: "x-access-token", Password: h.config.Token.Value()}
	if err := pushWorkspace(ctx, workspace, branch, h.config.DefaultBranch, auth); err != nil {
		return err
	}

	head, err := branchHead(workspace, branch)
	if err != nil {
		return err
	}

	status := &github.RepoStatus{
		State:       github.String("success"),
		Context:     github.String(h.config.StatusContext),
		Description: github.String(fmt.Sprintf("branch %s pushed", branch)),
	}
	_, err = withRetry(ctx, h.config.Retry, h.logger, func() (*github.Response, error) {
		_, resp, err := h.client.Repositories.CreateStatus(ctx, h.config.Owner, h.config.Repo, head, status)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("set push status: %w", err)
	}

	if idempotencyKey != "" {
		h.mu.Lock()
		h.pushed[idempotencyKey] = struct{}{}
		h.mu.Unlock()
	}

	h.logger.Info("Pushed branch to GitHub",
		zap.String("owner", h.config.Owner),
		zap.String("repo", h.config.Repo),
		zap.String("branch", branch),
		zap.String("head", head))
	return nil
}
