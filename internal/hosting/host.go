package hosting

import (
	"context"
	"errors"
)

var (
	// ErrNotFastForward indicates the default branch has commits the task
	// branch does not contain, so the merge cannot fast-forward.
	ErrNotFastForward = errors.New("merge is not a fast-forward")

	// ErrBranchNotFound indicates the named branch does not exist in the
	// workspace.
	ErrBranchNotFound = errors.New("branch not found")

	// errNoRemote indicates the workspace has no origin remote to push to.
	errNoRemote = errors.New("workspace has no origin remote")
)

// Host is the narrow contract the execution engine holds against a
// version-control hosting service. All workspace-scoped operations act
// on a sandbox clone, never on the upstream repository directly.
type Host interface {
	// CloneURL returns the repository reference to materialize into a
	// sandbox workspace.
	CloneURL() string

	// EnsureBranch creates branch at the workspace HEAD if it does not
	// exist and checks it out. Idempotent.
	EnsureBranch(ctx context.Context, workspace, branch string) error

	// CommitAll stages every pending change in the workspace and commits
	// it on the current branch, returning the commit hash. A clean
	// worktree returns the current HEAD hash without creating a commit.
	CommitAll(ctx context.Context, workspace, message string) (string, error)

	// Merge fast-forwards the default branch to the head of branch.
	// Returns ErrNotFastForward when the histories have diverged.
	Merge(ctx context.Context, workspace, branch string) error

	// Push publishes branch and the default branch to the upstream
	// repository. idempotencyKey dedupes redelivered pushes; a key that
	// already completed is a no-op.
	Push(ctx context.Context, workspace, branch, idempotencyKey string) error
}
