package hosting

import (
	"context"
	"errors"
	"fmt"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

const (
	defaultAuthorName  = "taskd"
	defaultAuthorEmail = "taskd@localhost"
)

// LocalConfig holds LocalHost configuration.
type LocalConfig struct {
	// RepoPath is the upstream repository on the local filesystem.
	RepoPath string

	// DefaultBranch is the branch merges land on. Detected from the
	// upstream HEAD when empty.
	DefaultBranch string

	// AuthorName and AuthorEmail identify automated commits.
	AuthorName  string
	AuthorEmail string
}

// LocalHost serves repositories on the local filesystem. Sandboxes clone
// from RepoPath and push back to it; a workspace without an origin
// remote makes Push a no-op, which keeps detached experiments runnable.
type LocalHost struct {
	config LocalConfig
	logger *zap.Logger

	mu     sync.Mutex
	pushed map[string]struct{}
}

// NewLocalHost creates a host backed by a repository on disk. The
// repository must already exist.
func NewLocalHost(config LocalConfig, logger *zap.Logger) (*LocalHost, error) {
	if config.RepoPath == "" {
		return nil, fmt.Errorf("repo path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	repo, err := git.PlainOpen(config.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", config.RepoPath, err)
	}
	if config.DefaultBranch == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("detect default branch: %w", err)
		}
		if !head.Name().IsBranch() {
			return nil, fmt.Errorf("detect default branch: HEAD is not a branch")
		}
		config.DefaultBranch = head.Name().Short()
	}
	if config.AuthorName == "" {
		config.AuthorName = defaultAuthorName
	}
	if config.AuthorEmail == "" {
		config.AuthorEmail = defaultAuthorEmail
	}

	return &LocalHost{
		config: config,
		logger: logger,
		pushed: make(map[string]struct{}),
	}, nil
}

// CloneURL implements Host.
func (h *LocalHost) CloneURL() string {
	return h.config.RepoPath
}

// DefaultBranch returns the branch merges land on.
func (h *LocalHost) DefaultBranch() string {
	return h.config.DefaultBranch
}

// EnsureBranch implements Host.
func (h *LocalHost) EnsureBranch(ctx context.Context, workspace, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	return ensureBranch(workspace, branch)
}

// CommitAll implements Host.
func (h *LocalHost) CommitAll(ctx context.Context, workspace, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}
	hash, err := commitAll(workspace, message, object.Signature{
		Name:  h.config.AuthorName,
		Email: h.config.AuthorEmail,
	})
	if err != nil {
		return "", err
	}
	h.logger.Debug("Committed workspace changes",
		zap.String("workspace", workspace),
		zap.String("commit", hash))
	return hash, nil
}

// Merge implements Host.
func (h *LocalHost) Merge(ctx context.Context, workspace, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	return fastForward(workspace, h.config.DefaultBranch, branch)
}

// Push implements Host.
func (h *LocalHost) Push(ctx context.Context, workspace, branch, idempotencyKey string) error {
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

	err := pushWorkspace(ctx, workspace, branch, h.config.DefaultBranch, nil)
	switch {
	case err == nil:
	case errors.Is(err, errNoRemote):
		h.logger.Debug("Workspace has no origin remote, push skipped",
			zap.String("workspace", workspace))
	default:
		return err
	}

	if idempotencyKey != "" {
		h.mu.Lock()
		h.pushed[idempotencyKey] = struct{}{}
		h.mu.Unlock()
	}

	h.logger.Info("Pushed branch",
		zap.String("branch", branch),
		zap.String("default_branch", h.config.DefaultBranch))
	return nil
}
