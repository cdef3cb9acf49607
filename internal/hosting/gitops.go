package hosting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ensureBranch creates branch at HEAD if missing and checks it out.
func ensureBranch(workspace, branch string) error {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	refName := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(refName, true); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("resolve branch %s: %w", branch, err)
		}
		head, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, head.Hash())); err != nil {
			return fmt.Errorf("create branch %s: %w", branch, err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: refName}); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// commitAll stages everything and commits on the current branch. A clean
// worktree returns the current HEAD hash so redelivered commits stay
// idempotent.
func commitAll(workspace, message string, author object.Signature) (string, error) {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return "", fmt.Errorf("open workspace: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolve HEAD: %w", err)
		}
		return head.Hash().String(), nil
	}

	if author.When.IsZero() {
		author.When = time.Now()
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: &author})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// fastForward moves the default branch ref to the head of branch. The
// histories must not have diverged.
func fastForward(workspace, defaultBranch, branch string) error {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	defaultRefName := plumbing.NewBranchReferenceName(defaultBranch)
	defaultRef, err := repo.Reference(defaultRefName, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, defaultBranch)
		}
		return fmt.Errorf("resolve branch %s: %w", defaultBranch, err)
	}

	if defaultRef.Hash() == branchRef.Hash() {
		return nil
	}

	base, err := object.GetCommit(repo.Storer, defaultRef.Hash())
	if err != nil {
		return fmt.Errorf("load commit %s: %w", defaultRef.Hash(), err)
	}
	tip, err := object.GetCommit(repo.Storer, branchRef.Hash())
	if err != nil {
		return fmt.Errorf("load commit %s: %w", branchRef.Hash(), err)
	}

	ancestor, err := base.IsAncestor(tip)
	if err != nil {
		return fmt.Errorf("walk history: %w", err)
	}
	if !ancestor {
		return fmt.Errorf("%w: %s has diverged from %s", ErrNotFastForward, defaultBranch, branch)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(defaultRefName, branchRef.Hash())); err != nil {
		return fmt.Errorf("advance %s: %w", defaultBranch, err)
	}
	return nil
}

// pushWorkspace publishes branch and the default branch to origin.
// Already-up-to-date is success. auth applies only to http(s) remotes.
func pushWorkspace(ctx context.Context, workspace, branch, defaultBranch string, auth transport.AuthMethod) error {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return errNoRemote
		}
		return fmt.Errorf("resolve remote: %w", err)
	}

	opts := &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   pushRefSpecs(branch, defaultBranch),
	}
	if auth != nil && remoteUsesHTTP(remote) {
		opts.Auth = auth
	}

	if err := repo.PushContext(ctx, opts); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

func pushRefSpecs(branch, defaultBranch string) []gitconfig.RefSpec {
	specs := []gitconfig.RefSpec{
		gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)),
	}
	if defaultBranch != "" && defaultBranch != branch {
		specs = append(specs,
			gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", defaultBranch, defaultBranch)))
	}
	return specs
}

func remoteUsesHTTP(remote *git.Remote) bool {
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return false
	}
	return strings.HasPrefix(urls[0], "http://") || strings.HasPrefix(urls[0], "https://")
}

// branchHead resolves the commit hash a branch points at in a workspace.
func branchHead(workspace, branch string) (string, error) {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return "", fmt.Errorf("open workspace: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}
