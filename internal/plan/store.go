package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Errors for store operations.
var (
	ErrPlanExists    = errors.New("plan already initialized")
	ErrPlanCorrupted = errors.New("plan file corrupted")
	ErrTaskNotFound  = errors.New("task not found in plan")
	ErrActiveExists  = errors.New("another task is already active")
	ErrNoActiveTask  = errors.New("no task is active")
	ErrNotSelectable = errors.New("task is not selectable")
	ErrNotActive     = errors.New("task is not active")

	// ErrStoreRetry signals a failed plan write. The previous plan is
	// retained on disk and in memory; the operation may be retried.
	ErrStoreRetry = errors.New("plan write failed, previous plan retained")
)

const (
	planFileName   = "plan.json"
	backupFileName = "plan.json.backup"
)

// Store holds one project's plan and serializes every mutation. Concurrent
// Apply calls queue on the store lock rather than being rejected, and each
// committed mutation is an atomic rewrite of the plan file.
type Store struct {
	mu     sync.RWMutex
	dir    string
	path   string
	backup string
	plan   *Plan
	logger *zap.Logger

	// lastWrite fingerprints the bytes of the most recent own save so the
	// watcher can tell external rewrites apart from ours.
	lastWrite string
}

// NewStore opens (or creates) the plan store for a project under dir.
func NewStore(dir, projectID string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create plan directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		path:   filepath.Join(dir, planFileName),
		backup: filepath.Join(dir, backupFileName),
		logger: logger,
		plan: &Plan{
			Version:   0,
			ProjectID: projectID,
			Tasks:     []*Task{},
			UpdatedAt: time.Now().UTC(),
		},
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	if s.plan.ProjectID != projectID {
		return nil, fmt.Errorf("plan at %s belongs to project %q, not %q", s.path, s.plan.ProjectID, projectID)
	}

	return s, nil
}

// Init seeds an empty plan with its initial task list. Tasks default to
// pending. Re-initializing an existing plan fails with ErrPlanExists.
func (s *Store) Init(tasks []Task) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.plan.Tasks) > 0 {
		return nil, ErrPlanExists
	}

	now := time.Now().UTC()
	next := s.plan.Clone()
	next.Version++
	next.UpdatedAt = now
	for i := range tasks {
		t := tasks[i].clone()
		if t.Status == "" {
			t.Status = StatusPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		next.Tasks = append(next.Tasks, t)
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.plan = next

	s.logger.Info("plan initialized",
		zap.String("project.id", next.ProjectID),
		zap.Int("tasks", len(next.Tasks)),
		zap.Int("plan.version", next.Version),
	)
	return next.Clone(), nil
}

// Snapshot returns a deep copy of the current plan.
func (s *Store) Snapshot() *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.Clone()
}

// Audit returns the injection audit trail, oldest first.
func (s *Store) Audit() []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditRecord(nil), s.plan.Audit...)
}

// Next returns a copy of the first selectable task whose dependencies are
// all completed. ok is false when no task is currently eligible; Remaining
// distinguishes an exhausted plan from a blocked one.
func (s *Store) Next() (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.plan.nextEligible()
	if t == nil {
		return nil, false
	}
	return t.clone(), true
}

// Remaining counts tasks still awaiting execution.
func (s *Store) Remaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.remaining()
}

// Active returns a copy of the active task, if any.
func (s *Store) Active() (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.plan.activeTask()
	if t == nil {
		return nil, false
	}
	return t.clone(), true
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.plan.find(taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.clone(), nil
}

// Version returns the current plan version.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.Version
}

// ProjectID returns the project this store belongs to.
func (s *Store) ProjectID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.ProjectID
}

// Activate marks a selectable task active. Activating the task that is
// already active is a no-op, so a redelivered activation cannot
// double-apply. A second task cannot become active while one is.
func (s *Store) Activate(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.plan.find(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status == StatusActive {
		return nil
	}
	if active := s.plan.activeTask(); active != nil {
		return fmt.Errorf("%w: %s", ErrActiveExists, active.ID)
	}
	if !t.Status.Selectable() {
		return fmt.Errorf("%w: %s is %s", ErrNotSelectable, taskID, t.Status)
	}

	return s.commit(func(p *Plan) error {
		pt := p.find(taskID)
		pt.Status = StatusActive
		pt.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Complete marks the active task completed with a summary. Completing an
// already-completed task is a no-op for idempotent redelivery.
func (s *Store) Complete(taskID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.plan.find(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status == StatusCompleted {
		return nil
	}
	if t.Status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, taskID, t.Status)
	}

	err := s.commit(func(p *Plan) error {
		now := time.Now().UTC()
		pt := p.find(taskID)
		pt.Status = StatusCompleted
		pt.Summary = summary
		pt.CompletedAt = &now
		pt.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("task completed",
		zap.String("project.id", s.plan.ProjectID),
		zap.String("task.id", taskID),
		zap.Int("plan.version", s.plan.Version),
	)
	return nil
}

// Release rolls an active task back to pending with no partial credit.
// Releasing a task that is already pending is a no-op.
func (s *Store) Release(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.plan.find(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status.Selectable() {
		return nil
	}
	if t.Status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, taskID, t.Status)
	}

	return s.commit(func(p *Plan) error {
		pt := p.find(taskID)
		pt.Status = StatusPending
		pt.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Apply commits an injection request. Priority injections insert before
// the active (or next selectable) task and roll a running task back to
// pending; replace injections substitute the active task and mark it
// replaced; positional injections insert at an explicit index. Requests
// arriving while another is applying wait on the store lock.
func (s *Store) Apply(req *InjectionRequest) (*ApplyResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidInjection)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ProjectID != s.plan.ProjectID {
		return nil, fmt.Errorf("%w: request targets project %q", ErrInvalidInjection, req.ProjectID)
	}
	if s.plan.find(req.Task.ID) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, req.Task.ID)
	}
	for _, dep := range req.Task.Dependencies {
		if s.plan.find(dep) == nil {
			return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, req.Task.ID, dep)
		}
	}

	injectionID := req.InjectionID
	if injectionID == "" {
		injectionID = uuid.New().String()
	}

	now := time.Now().UTC()
	task := req.Task.clone()
	task.Status = StatusInjected
	task.CreatedAt = now
	task.UpdatedAt = now
	task.CompletedAt = nil
	task.Summary = ""

	record := AuditRecord{
		InjectionID: injectionID,
		Type:        req.Type,
		TaskID:      task.ID,
		Position:    req.Position,
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
		Timestamp:   now,
	}

	err := s.commit(func(p *Plan) error {
		switch req.Type {
		case InjectPriority:
			idx := len(p.Tasks)
			if active := p.activeTask(); active != nil {
				idx = p.indexOf(active.ID)
				active.Status = StatusPending
				active.UpdatedAt = now
			} else if next := p.nextEligible(); next != nil {
				idx = p.indexOf(next.ID)
			}
			p.insertAt(idx, task)

		case InjectReplace:
			active := p.activeTask()
			if active == nil {
				return ErrNoActiveTask
			}
			active.Status = StatusReplaced
			active.UpdatedAt = now
			record.ReplacedTaskID = active.ID
			p.insertAt(p.indexOf(active.ID)+1, task)

		case InjectPositional:
			pos := *req.Position
			if pos < 0 || pos > len(p.Tasks) {
				return fmt.Errorf("%w: %d with %d tasks", ErrInvalidPosition, pos, len(p.Tasks))
			}
			p.insertAt(pos, task)
		}

		record.PlanVersion = p.Version
		p.Audit = append(p.Audit, record)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("injection applied",
		zap.String("project.id", s.plan.ProjectID),
		zap.String("injection.id", injectionID),
		zap.String("injection.type", string(req.Type)),
		zap.String("task.id", task.ID),
		zap.Int("plan.version", s.plan.Version),
	)

	return &ApplyResult{
		Accepted:    true,
		InjectionID: injectionID,
		TaskID:      task.ID,
		PlanVersion: s.plan.Version,
	}, nil
}

// commit applies mutate to a copy of the plan, validates it, persists it
// atomically, and swaps it in. Callers hold s.mu.
func (s *Store) commit(mutate func(*Plan) error) error {
	next := s.plan.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	if err := mutate(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}

	s.plan = next
	return nil
}

// persist writes the plan to disk: back up the current file, then write a
// temp file, fsync, and rename over the plan. Any failure retains the
// previous plan and surfaces ErrStoreRetry.
func (s *Store) persist(p *Plan) error {
	if current, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.backup, current, 0600); err != nil {
			return fmt.Errorf("%w: backup: %v", ErrStoreRetry, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: read current: %v", ErrStoreRetry, err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrStoreRetry, err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: open temp: %v", ErrStoreRetry, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write temp: %v", ErrStoreRetry, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: sync temp: %v", ErrStoreRetry, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp: %v", ErrStoreRetry, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrStoreRetry, err)
	}

	s.lastWrite = fingerprint(data)
	return nil
}

// load reads the plan file from disk.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrPlanCorrupted, err)
	}
	if p.Tasks == nil {
		p.Tasks = []*Task{}
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlanCorrupted, err)
	}

	s.plan = &p
	s.lastWrite = fingerprint(data)
	return nil
}

// Path returns the plan file location.
func (s *Store) Path() string {
	return s.path
}

// fingerprint identifies file content so the watcher can distinguish the
// store's own writes from external ones.
func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
