package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, mutate func(*Config)) Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	m, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sandbox execution tests require a unix shell")
	}
}

func TestManager_ProvisionAndTeardown(t *testing.T) {
	m := newTestManager(t, nil)

	sb, err := m.Provision(context.Background(), "proj-1", "1.1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, sb.Status)
	assert.Equal(t, "proj-1", sb.ProjectID)
	assert.Equal(t, "1.1", sb.TaskID)
	assert.DirExists(t, sb.WorkspacePath)

	require.NoError(t, m.Teardown(sb.ID))
	assert.Equal(t, StatusDestroyed, sb.Status)
	assert.NoDirExists(t, sb.WorkspacePath)

	provisioned, destroyed := m.Stats()
	assert.Equal(t, int64(1), provisioned)
	assert.Equal(t, int64(1), destroyed)
}

func TestManager_ProvisionIdempotentPerAttempt(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)

	// Redelivery of the same attempt returns the same sandbox.
	again, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	provisioned, _ := m.Stats()
	assert.Equal(t, int64(1), provisioned)

	// A new attempt gets a fresh sandbox.
	second, err := m.Provision(ctx, "proj-1", "1.1", 2)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// After teardown the key no longer pins the destroyed sandbox.
	require.NoError(t, m.Teardown(first.ID))
	replacement, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, replacement.ID)
}

func TestManager_TeardownExactlyOnce(t *testing.T) {
	m := newTestManager(t, nil)

	sb, err := m.Provision(context.Background(), "proj-1", "1.1", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Teardown(sb.ID)
		}()
	}
	wg.Wait()

	provisioned, destroyed := m.Stats()
	assert.Equal(t, int64(1), provisioned)
	assert.Equal(t, int64(1), destroyed, "teardown must run exactly once")
}

func TestManager_TeardownUnknown(t *testing.T) {
	m := newTestManager(t, nil)

	err := m.Teardown("nope")
	assert.True(t, errors.Is(err, ErrSandboxNotFound))
}

func TestManager_Execute(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t, nil)
	ctx := context.Background()

	sb, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)

	res, err := m.Execute(ctx, sb.ID, []string{"/bin/sh", "-c", "echo out; echo err 1>&2"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Positive(t, res.Duration)

	// The sandbox returns to ready for the next step of the attempt.
	assert.Equal(t, StatusReady, sb.Status)
}

func TestManager_ExecuteNonZeroExit(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t, nil)
	ctx := context.Background()

	sb, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)

	// A failing command is a result for VERIFY to judge, not an error.
	res, err := m.Execute(ctx, sb.ID, []string{"/bin/sh", "-c", "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestManager_ExecuteTimeout(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t, func(cfg *Config) {
		cfg.ExecTimeout = 100 * time.Millisecond
	})
	ctx := context.Background()

	sb, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)

	_, err = m.Execute(ctx, sb.ID, []string{"/bin/sh", "-c", "sleep 5"})
	assert.True(t, errors.Is(err, ErrExecTimeout))
}

func TestManager_ExecuteScrubsEnvironment(t *testing.T) {
	requireUnix(t)
	t.Setenv("TASKD_TEST_SECRET", "should-not-leak")

	m := newTestManager(t, nil)
	ctx := context.Background()

	sb, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)

	res, err := m.Execute(ctx, sb.ID, []string{"/bin/sh", "-c", "env"})
	require.NoError(t, err)
	assert.NotContains(t, res.Stdout, "TASKD_TEST_SECRET")
	assert.Contains(t, res.Stdout, "TASKD_SANDBOX_ID="+sb.ID)
}

func TestManager_ExecuteAfterTeardown(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t, nil)
	ctx := context.Background()

	sb, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)
	require.NoError(t, m.Teardown(sb.ID))

	_, err = m.Execute(ctx, sb.ID, []string{"/bin/sh", "-c", "true"})
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestManager_MaterializeRepository(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	src := initTestRepo(t)

	sb, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)

	require.NoError(t, m.MaterializeRepository(ctx, sb.ID, src))
	assert.FileExists(t, filepath.Join(sb.WorkspacePath, "README.md"))
}

// initTestRepo creates a git repository with one commit.
func initTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	path := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(path, []byte("# fixture\n"), 0600))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "tester",
			Email: "tester@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	return dir
}

func TestManager_CloseSweepsLiveSandboxes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	m, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	a, err := m.Provision(ctx, "proj-1", "1.1", 1)
	require.NoError(t, err)
	b, err := m.Provision(ctx, "proj-1", "1.2", 1)
	require.NoError(t, err)

	require.NoError(t, m.Close())

	assert.NoDirExists(t, a.WorkspacePath)
	assert.NoDirExists(t, b.WorkspacePath)

	provisioned, destroyed := m.Stats()
	assert.Equal(t, provisioned, destroyed, "every provision must be matched by a teardown")

	_, err = m.Provision(ctx, "proj-1", "2", 1)
	assert.True(t, errors.Is(err, ErrManagerClosed))
}
