package resolve

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
)

func newTestCoordinator(t *testing.T) Coordinator {
	t.Helper()

	c, err := NewCoordinator(nil, secrets.MustNew(nil), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// newTestStore seeds a plan store with one active task.
func newTestStore(t *testing.T) *plan.Store {
	t.Helper()

	store, err := plan.NewStore(t.TempDir(), "proj-1", zap.NewNop())
	require.NoError(t, err)

	_, err = store.Init([]plan.Task{
		{ID: "1", Title: "Set up schema"},
		{ID: "2", Title: "Add endpoint", Dependencies: []string{"1"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Activate("1"))
	return store
}

func verifyFailure() Failure {
	return Failure{
		TaskID:     "1",
		Step:       "verify",
		Category:   CategoryVerification,
		ExitCode:   2,
		Stdout:     "ok ok ok\nFAIL: TestSchema\n",
		Stderr:     "schema.sql:14: syntax error\n",
		Message:    "test command exited 2",
		OccurredAt: time.Now().UTC(),
	}
}

func TestNewCoordinator_RequiresScrubber(t *testing.T) {
	_, err := NewCoordinator(nil, nil, zap.NewNop())
	require.Error(t, err)
}

func TestCoordinator_BuildTask(t *testing.T) {
	c := newTestCoordinator(t)

	task, err := c.BuildTask(verifyFailure())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(task.Title, "Resolve Error: "))
	assert.True(t, strings.HasPrefix(task.ID, "resolve-"))
	require.NoError(t, task.Validate(), "resolution tasks must satisfy plan validation")
	assert.Equal(t, plan.StatusInjected, task.Status)
	assert.Empty(t, task.Dependencies)

	assert.Contains(t, task.Description, "task 1")
	assert.Contains(t, task.Description, "Step: verify")
	assert.Contains(t, task.Description, "Category: verification")
	assert.Contains(t, task.Description, "Exit code: 2")
	assert.Contains(t, task.Description, "FAIL: TestSchema")
	assert.Contains(t, task.Description, "syntax error")

	require.Len(t, task.AcceptanceCriteria, 2)
	assert.Contains(t, task.AcceptanceCriteria[0], "verify")
}

func TestCoordinator_BuildTask_UniqueIDs(t *testing.T) {
	c := newTestCoordinator(t)

	first, err := c.BuildTask(verifyFailure())
	require.NoError(t, err)
	second, err := c.BuildTask(verifyFailure())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Title, second.Title)
}

func TestCoordinator_BuildTask_ScrubsLogs(t *testing.T) {
	c := newTestCoordinator(t)

	token := "ghp_" + strings.Repeat("a1B2", 9)
	failure := verifyFailure()
	failure.Stderr = "auth failed for token " + token + "\n"

	task, err := c.BuildTask(failure)
	require.NoError(t, err)

	assert.NotContains(t, task.Description, token)
	assert.Contains(t, task.Description, "[REDACTED]")
}

func TestCoordinator_BuildTask_TruncatesLogs(t *testing.T) {
	c := newTestCoordinator(t)

	failure := verifyFailure()
	failure.Stdout = strings.Repeat("noise line\n", 2000)
	failure.Stdout += "the actual failure\n"

	task, err := c.BuildTask(failure)
	require.NoError(t, err)

	assert.Less(t, len(task.Description), 3*DefaultConfig().MaxLogBytes)
	assert.Contains(t, task.Description, "(truncated)")
	assert.Contains(t, task.Description, "the actual failure")
}

func TestCoordinator_BuildTask_Validation(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.BuildTask(Failure{Step: "verify", Category: CategoryVerification, Message: "x"})
	require.ErrorIs(t, err, ErrInvalidFailure)
}

func TestCoordinator_Submit(t *testing.T) {
	c := newTestCoordinator(t)
	store := newTestStore(t)
	ctx := context.Background()

	result, err := c.Submit(ctx, store, verifyFailure())
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, store.Version(), result.PlanVersion)
	assert.NotEmpty(t, result.InjectionID)

	// The resolution task runs strictly next; the original task was
	// rolled back to pending with no partial credit.
	next, ok := store.Next()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(next.ID, "resolve-"))
	assert.Equal(t, next.ID, result.TaskID)

	original, err := store.Get("1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, original.Status)

	assert.Equal(t, 1, c.Attempts("proj-1", "1"))

	// A second failure for the same task bumps the count.
	_, err = c.Submit(ctx, store, verifyFailure())
	require.NoError(t, err)
	assert.Equal(t, 2, c.Attempts("proj-1", "1"))

	// Completion resets the ceiling.
	c.Reset("proj-1", "1")
	assert.Equal(t, 0, c.Attempts("proj-1", "1"))
}

func TestCoordinator_Submit_OriginAttribution(t *testing.T) {
	c := newTestCoordinator(t)
	store := newTestStore(t)

	// A failing resolution task counts against the task whose failure
	// created it, not against itself.
	f := verifyFailure()
	f.TaskID = "resolve-deadbeef"
	f.Origin = "1"

	_, err := c.Submit(context.Background(), store, f)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Attempts("proj-1", "1"))
	assert.Equal(t, 0, c.Attempts("proj-1", "resolve-deadbeef"))
}

func TestCoordinator_Submit_AuditTrail(t *testing.T) {
	c := newTestCoordinator(t)
	store := newTestStore(t)

	result, err := c.Submit(context.Background(), store, verifyFailure())
	require.NoError(t, err)

	audit := store.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, result.InjectionID, audit[0].InjectionID)
	assert.Equal(t, plan.InjectPriority, audit[0].Type)
	assert.Equal(t, "taskd-resolver", audit[0].RequestedBy)
	assert.Contains(t, audit[0].Reason, "task 1")
}

func TestCoordinator_Submit_Validation(t *testing.T) {
	c := newTestCoordinator(t)
	store := newTestStore(t)

	_, err := c.Submit(context.Background(), store, Failure{})
	require.ErrorIs(t, err, ErrInvalidFailure)

	_, err = c.Submit(context.Background(), nil, verifyFailure())
	require.Error(t, err)
}

func TestCoordinator_Close(t *testing.T) {
	c := newTestCoordinator(t)
	store := newTestStore(t)

	require.NoError(t, c.Close())

	_, err := c.Submit(context.Background(), store, verifyFailure())
	require.ErrorIs(t, err, ErrCoordinatorClosed)
}
