package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(t.TempDir(), "proj-1", zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func seedTasks() []Task {
	return []Task{
		{ID: "1", Title: "Set up schema"},
		{ID: "1.1", Title: "Add login endpoint", Dependencies: []string{"1"}},
		{ID: "2", Title: "Write docs"},
	}
}

func seededStore(t *testing.T) *Store {
	t.Helper()

	s := newTestStore(t)
	if _, err := s.Init(seedTasks()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func priorityRequest(taskID string) *InjectionRequest {
	return &InjectionRequest{
		ProjectID:   "proj-1",
		Type:        InjectPriority,
		Task:        Task{ID: taskID, Title: "Injected " + taskID},
		Reason:      "test injection",
		RequestedBy: "operator",
		Timestamp:   time.Now().UTC(),
	}
}

func TestStore_InitAndReload(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir, "proj-1", zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	p, err := s.Init(seedTasks())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("Version = %d, want 1", p.Version)
	}
	if len(p.Tasks) != 3 {
		t.Errorf("len(Tasks) = %d, want 3", len(p.Tasks))
	}
	for _, task := range p.Tasks {
		if task.Status != StatusPending {
			t.Errorf("task %s status = %s, want pending", task.ID, task.Status)
		}
	}

	if _, err := s.Init(seedTasks()); !errors.Is(err, ErrPlanExists) {
		t.Errorf("second Init = %v, want ErrPlanExists", err)
	}

	// A fresh store over the same directory resumes the persisted plan.
	s2, err := NewStore(dir, "proj-1", zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore (reload) failed: %v", err)
	}
	if s2.Version() != 1 {
		t.Errorf("reloaded Version = %d, want 1", s2.Version())
	}
	if got := len(s2.Snapshot().Tasks); got != 3 {
		t.Errorf("reloaded len(Tasks) = %d, want 3", got)
	}

	// The plan belongs to its project.
	if _, err := NewStore(dir, "proj-2", zap.NewNop()); err == nil {
		t.Error("NewStore with wrong project = nil, want error")
	}
}

func TestStore_NextRespectsDependencies(t *testing.T) {
	s := seededStore(t)

	next, ok := s.Next()
	if !ok || next.ID != "1" {
		t.Fatalf("Next() = %v, %v, want task 1", next, ok)
	}

	if err := s.Activate("1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := s.Complete("1", "schema done"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	next, ok = s.Next()
	if !ok || next.ID != "1.1" {
		t.Fatalf("Next() after completing 1 = %v, %v, want task 1.1", next, ok)
	}

	done, err := s.Get("1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if done.Status != StatusCompleted || done.Summary != "schema done" || done.CompletedAt == nil {
		t.Errorf("completed task = %+v, want completed with summary and timestamp", done)
	}
}

func TestStore_ActivateGuards(t *testing.T) {
	s := seededStore(t)

	if err := s.Activate("1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	// Redelivered activation of the same task is a no-op.
	if err := s.Activate("1"); err != nil {
		t.Errorf("idempotent Activate = %v, want nil", err)
	}

	if err := s.Activate("2"); !errors.Is(err, ErrActiveExists) {
		t.Errorf("Activate with another active = %v, want ErrActiveExists", err)
	}

	if err := s.Complete("1", "done"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := s.Complete("1", "done"); err != nil {
		t.Errorf("idempotent Complete = %v, want nil", err)
	}
	if err := s.Activate("1"); !errors.Is(err, ErrNotSelectable) {
		t.Errorf("Activate completed task = %v, want ErrNotSelectable", err)
	}
	if err := s.Complete("2", "done"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Complete pending task = %v, want ErrNotActive", err)
	}
	if err := s.Activate("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Activate unknown task = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_Release(t *testing.T) {
	s := seededStore(t)

	if err := s.Activate("1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := s.Release("1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	task, err := s.Get("1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != StatusPending {
		t.Errorf("released task status = %s, want pending", task.Status)
	}

	if err := s.Release("1"); err != nil {
		t.Errorf("idempotent Release = %v, want nil", err)
	}

	if err := s.Activate("1"); err != nil {
		t.Fatalf("re-Activate failed: %v", err)
	}
	if err := s.Complete("1", "done"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := s.Release("1"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Release completed task = %v, want ErrNotActive", err)
	}
}

func TestStore_ApplyPriorityRollsBackActive(t *testing.T) {
	s := seededStore(t)

	if err := s.Activate("1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	res, err := s.Apply(priorityRequest("90"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Accepted || res.PlanVersion != 2 || res.InjectionID == "" {
		t.Errorf("ApplyResult = %+v, want accepted at version 2 with id", res)
	}

	// The running task lost its slot with no partial credit.
	original, err := s.Get("1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if original.Status != StatusPending {
		t.Errorf("original status = %s, want pending", original.Status)
	}

	// The injected task executes strictly next.
	next, ok := s.Next()
	if !ok || next.ID != "90" {
		t.Fatalf("Next() = %v, %v, want injected task 90", next, ok)
	}
	if next.Status != StatusInjected {
		t.Errorf("injected status = %s, want injected", next.Status)
	}

	snap := s.Snapshot()
	if snap.Tasks[0].ID != "90" || snap.Tasks[1].ID != "1" {
		t.Errorf("task order = %s, %s, want 90 before 1", snap.Tasks[0].ID, snap.Tasks[1].ID)
	}

	audit := s.Audit()
	if len(audit) != 1 {
		t.Fatalf("len(Audit) = %d, want 1", len(audit))
	}
	if audit[0].Type != InjectPriority || audit[0].TaskID != "90" || audit[0].PlanVersion != 2 {
		t.Errorf("audit record = %+v", audit[0])
	}
}

func TestStore_ApplyPriorityWithoutActive(t *testing.T) {
	s := seededStore(t)

	if _, err := s.Apply(priorityRequest("90")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	next, ok := s.Next()
	if !ok || next.ID != "90" {
		t.Fatalf("Next() = %v, %v, want task 90 first", next, ok)
	}
}

func TestStore_ApplyReplace(t *testing.T) {
	s := seededStore(t)

	if err := s.Activate("1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	req := priorityRequest("99")
	req.Type = InjectReplace
	res, err := s.Apply(req)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("ApplyResult = %+v, want accepted", res)
	}

	replaced, err := s.Get("1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if replaced.Status != StatusReplaced {
		t.Errorf("replaced status = %s, want replaced", replaced.Status)
	}

	next, ok := s.Next()
	if !ok || next.ID != "99" {
		t.Fatalf("Next() = %v, %v, want replacement 99", next, ok)
	}

	audit := s.Audit()
	if len(audit) != 1 || audit[0].ReplacedTaskID != "1" {
		t.Errorf("audit = %+v, want replaced_task_id 1", audit)
	}
}

func TestStore_ApplyReplaceWithoutActive(t *testing.T) {
	s := seededStore(t)

	req := priorityRequest("99")
	req.Type = InjectReplace
	if _, err := s.Apply(req); !errors.Is(err, ErrNoActiveTask) {
		t.Errorf("Apply replace without active = %v, want ErrNoActiveTask", err)
	}
}

func TestStore_ApplyPositional(t *testing.T) {
	s := seededStore(t)

	pos := 1
	req := priorityRequest("50")
	req.Type = InjectPositional
	req.Position = &pos

	if _, err := s.Apply(req); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	snap := s.Snapshot()
	order := []string{snap.Tasks[0].ID, snap.Tasks[1].ID, snap.Tasks[2].ID, snap.Tasks[3].ID}
	want := []string{"1", "50", "1.1", "2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("task order = %v, want %v", order, want)
		}
	}

	bad := 99
	req = priorityRequest("51")
	req.Type = InjectPositional
	req.Position = &bad
	if _, err := s.Apply(req); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("Apply out-of-range position = %v, want ErrInvalidPosition", err)
	}
}

func TestStore_ApplyRejections(t *testing.T) {
	s := seededStore(t)

	req := priorityRequest("1")
	if _, err := s.Apply(req); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("duplicate task id = %v, want ErrDuplicateTask", err)
	}

	req = priorityRequest("90")
	req.Task.Dependencies = []string{"404"}
	if _, err := s.Apply(req); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("unknown dependency = %v, want ErrUnknownDependency", err)
	}

	req = priorityRequest("90")
	req.ProjectID = "proj-9"
	if _, err := s.Apply(req); !errors.Is(err, ErrInvalidInjection) {
		t.Errorf("wrong project = %v, want ErrInvalidInjection", err)
	}

	// Rejections never mutate the plan.
	if s.Version() != 1 {
		t.Errorf("Version = %d after rejections, want 1", s.Version())
	}
	if len(s.Audit()) != 0 {
		t.Errorf("Audit = %v after rejections, want empty", s.Audit())
	}
}

func TestStore_BackupKeepsPriorVersion(t *testing.T) {
	s := seededStore(t)

	if _, err := s.Apply(priorityRequest("90")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	data, err := os.ReadFile(s.backup)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	var prior Plan
	if err := json.Unmarshal(data, &prior); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if prior.Version != s.Version()-1 {
		t.Errorf("backup version = %d, want %d", prior.Version, s.Version()-1)
	}
	if prior.find("90") != nil {
		t.Error("backup already contains the injected task")
	}
}

func TestStore_ConcurrentAppliesQueue(t *testing.T) {
	s := seededStore(t)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pos := 0
			req := priorityRequest(fmt.Sprintf("inj-%d", i))
			req.Type = InjectPositional
			req.Position = &pos
			_, err := s.Apply(req)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Apply failed: %v", err)
		}
	}

	if s.Version() != 1+n {
		t.Errorf("Version = %d, want %d", s.Version(), 1+n)
	}
	if got := len(s.Snapshot().Tasks); got != 3+n {
		t.Errorf("len(Tasks) = %d, want %d", got, 3+n)
	}
	if got := len(s.Audit()); got != n {
		t.Errorf("len(Audit) = %d, want %d", got, n)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := seededStore(t)

	snap := s.Snapshot()
	snap.Tasks[0].Status = StatusCompleted
	snap.Tasks[0].Title = "mutated"

	task, err := s.Get("1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != StatusPending || task.Title != "Set up schema" {
		t.Errorf("store observed snapshot mutation: %+v", task)
	}
}

func TestStore_Remaining(t *testing.T) {
	s := seededStore(t)

	if got := s.Remaining(); got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}

	if err := s.Activate("1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if got := s.Remaining(); got != 2 {
		t.Errorf("Remaining with one active = %d, want 2", got)
	}

	if err := s.Complete("1", "done"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := s.Remaining(); got != 2 {
		t.Errorf("Remaining after completion = %d, want 2", got)
	}
}
