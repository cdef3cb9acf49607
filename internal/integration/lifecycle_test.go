//go:build integration

// Package integration exercises the assembled stack end to end: a real
// supervisor driving a real engine over the embedded broker, against a
// git upstream on disk. Unit tests fake one side or the other; this is
// the one place everything runs together.
package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/codegen"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/hosting"
	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/resolve"
	"github.com/fyrsmithlabs/taskd/internal/sandbox"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
	"github.com/fyrsmithlabs/taskd/internal/supervisor"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const projectID = "proj-e2e"

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// generatorScript consumes the instruction on stdin, appends one line to
// a workspace file, and reports it. Each task lands one more line on the
// default branch, so the final file proves both merges happened.
const generatorScript = `set -e
cat >/dev/null
printf 'x\n' >> log.txt
printf '%s' '{"files":["log.txt"],"summary":"implemented task"}'`

// initOrigin builds a bare origin repository with one commit on master.
func initOrigin(t *testing.T) string {
	t.Helper()

	seed := t.TempDir()
	repo, err := git.PlainInit(seed, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("# project\n"), 0o644))
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	origin := t.TempDir()
	_, err = git.PlainClone(origin, true, &git.CloneOptions{URL: seed})
	require.NoError(t, err)
	return origin
}

type sessionCompletion struct {
	ProjectComplete bool `json:"project_complete"`
	TasksRemaining  int  `json:"tasks_remaining"`
}

// collectUntilProjectComplete drains the subscription until the
// session-level completion that closes the plan arrives.
func collectUntilProjectComplete(t *testing.T, sub events.Subscription) []*events.Envelope {
	t.Helper()

	var seen []*events.Envelope
	deadline := time.After(time.Minute)
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed before the project completed")
			}
			seen = append(seen, env)
			if env.Type != events.TypeCompletion || env.TaskID != "" {
				continue
			}
			var p sessionCompletion
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			if p.ProjectComplete {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for project completion after %d events", len(seen))
		}
	}
}

func TestSessionLifecycle_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	requireUnix(t)

	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	broker, err := events.StartBroker(nil, logger)
	require.NoError(t, err)
	t.Cleanup(broker.Shutdown)

	nc, err := nats.Connect(broker.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	bus, err := events.NewBus(nil, nc, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	origin := initOrigin(t)
	host, err := hosting.NewLocalHost(hosting.LocalConfig{RepoPath: origin}, logger)
	require.NoError(t, err)

	boxes, err := sandbox.NewManager(&sandbox.Config{
		Root:        t.TempDir(),
		Limits:      sandbox.Limits{CPUSeconds: 300, MemoryBytes: 1 << 30},
		ExecTimeout: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = boxes.Close() })

	gen, err := codegen.NewExecGenerator(codegen.Config{
		Command: []string{"/bin/sh", "-c", generatorScript},
		Timeout: time.Minute,
	}, logger)
	require.NoError(t, err)

	plans, err := plan.NewRegistry(t.TempDir(), logger)
	require.NoError(t, err)
	store, err := plans.Get(projectID)
	require.NoError(t, err)
	_, err = store.Init([]plan.Task{
		{ID: "1", Title: "Add user model"},
		{ID: "2", Title: "Wire user routes", Dependencies: []string{"1"}},
	})
	require.NoError(t, err)

	scrubber := secrets.MustNew(nil)
	coordinator, err := resolve.NewCoordinator(nil, scrubber, logger)
	require.NoError(t, err)

	engineCfg := engine.DefaultConfig()
	engineCfg.StepTimeout = time.Minute
	engineCfg.BuildCommand = []string{"/bin/sh", "-c", "exit 0"}
	engineCfg.TestCommand = []string{"/bin/sh", "-c", "exit 0"}

	// The factory mirrors the daemon's wiring: one engine per project,
	// all sharing the sandbox manager, generator, host, and bus.
	factory := supervisor.FactoryFunc(func(_ context.Context, id string) (supervisor.Runner, error) {
		store, err := plans.Get(id)
		if err != nil {
			return nil, err
		}
		return engine.New(engineCfg, engine.Collaborators{
			Plan:      store,
			Sandboxes: boxes,
			Generator: gen,
			Host:      host,
			Resolver:  coordinator,
			Events:    bus,
			Scrubber:  scrubber,
		}, logger.Named("engine"))
	})

	sup, err := supervisor.New(nil, factory, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })

	// Subscribe before initializing so no event is missed.
	sub, err := bus.Subscribe(projectID, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	st, err := sup.Initialize(ctx, &supervisor.InitializeRequest{ProjectID: projectID})
	require.NoError(t, err)
	require.Equal(t, supervisor.StateRunning, st.State)

	seen := collectUntilProjectComplete(t, sub)

	// The loop settles to completed once the final run returns.
	require.Eventually(t, func() bool {
		st, err := sup.Status(ctx, projectID)
		return err == nil && st.State == supervisor.StateCompleted
	}, 10*time.Second, 50*time.Millisecond)

	final, err := sup.Status(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.TasksCompleted)
	assert.Equal(t, 0, final.TasksRemaining)
	assert.Empty(t, final.LastError)

	// Both task branches and the fast-forwarded default branch landed on
	// the upstream.
	repo, err := git.PlainOpen(origin)
	require.NoError(t, err)
	for _, branch := range []string{"master", "task/1-add-user-model", "task/2-wire-user-routes"} {
		_, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		assert.NoError(t, err, "branch %s should exist on the upstream", branch)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)
	commit, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	file, err := commit.File("log.txt")
	require.NoError(t, err)
	content, err := file.Contents()
	require.NoError(t, err)
	assert.Equal(t, "x\nx\n", content, "both tasks should have landed on master")

	// Every envelope is scoped to the project, sequences are gapless per
	// session, and each run was its own session.
	sessions := make(map[string][]uint64)
	var sessionDone []*events.Envelope
	var taskDone []*events.Envelope
	for _, env := range seen {
		assert.Equal(t, projectID, env.ProjectID)
		require.NotEmpty(t, env.SessionID)
		sessions[env.SessionID] = append(sessions[env.SessionID], env.Seq)
		if env.Type != events.TypeCompletion {
			continue
		}
		if env.TaskID == "" {
			sessionDone = append(sessionDone, env)
		} else {
			taskDone = append(taskDone, env)
		}
	}
	assert.Len(t, sessions, 2, "each run should be its own session")
	for id, seqs := range sessions {
		for i, seq := range seqs {
			assert.Equal(t, uint64(i+1), seq, "session %s has a sequence gap", id)
		}
	}

	require.Len(t, taskDone, 2)
	assert.Equal(t, "1", taskDone[0].TaskID)
	assert.Equal(t, "2", taskDone[1].TaskID)

	require.Len(t, sessionDone, 2)
	var first, last sessionCompletion
	require.NoError(t, json.Unmarshal(sessionDone[0].Payload, &first))
	require.NoError(t, json.Unmarshal(sessionDone[1].Payload, &last))
	assert.False(t, first.ProjectComplete)
	assert.Equal(t, 1, first.TasksRemaining)
	assert.True(t, last.ProjectComplete)
	assert.Equal(t, 0, last.TasksRemaining)

	// Every sandbox provisioned during the run was torn down.
	provisioned, destroyed := boxes.Stats()
	assert.Equal(t, provisioned, destroyed)
	assert.GreaterOrEqual(t, provisioned, int64(2))
}
