package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/codegen"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/resolve"
	"github.com/fyrsmithlabs/taskd/internal/sandbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome reports how a session run ended.
type Outcome struct {
	// Session is the final snapshot.
	Session Session

	// CompletedTaskID is set when the run completed a task.
	CompletedTaskID string

	// ProjectComplete is set when the plan has no remaining work.
	ProjectComplete bool

	// Blocked is set when pending tasks remain but none is eligible.
	Blocked bool

	// Paused is set when the run halted for an operator pause or
	// cancellation instead of reaching a terminal state.
	Paused bool

	// TasksRemaining counts plan tasks still to run when the session
	// reached a terminal state.
	TasksRemaining int
}

// attempt carries the working state of one task through the machine.
type attempt struct {
	task    *plan.Task
	number  int
	origin  string
	box     *sandbox.Sandbox
	branch  string
	summary string
	failure *resolve.Failure
}

// Event payloads. These are the wire shapes streamed to clients.
type transitionPayload struct {
	From       State `json:"from"`
	To         State `json:"to"`
	RetryCount int   `json:"retry_count"`
}

type logPayload struct {
	Stream string `json:"stream"`
	Chunk  string `json:"chunk"`
}

type errorPayload struct {
	Step     string           `json:"step"`
	Category resolve.Category `json:"category"`
	Message  string           `json:"message"`
	ExitCode int              `json:"exit_code,omitempty"`
}

type taskCompletionPayload struct {
	Summary string `json:"summary"`
}

type sessionCompletionPayload struct {
	ProjectComplete bool `json:"project_complete"`
	TasksRemaining  int  `json:"tasks_remaining"`
}

// Run executes one session: it selects a task and drives it through the
// machine until a task completes, the plan runs out, or the session is
// parked for human review. Step failures inject a resolution task and
// re-enter selection, so a run may execute injected tasks before ending.
//
// Pause and context cancellation halt at the next state boundary: the
// active task is released with no partial credit, the sandbox is torn
// down, and the returned outcome is marked paused. Calling Run again
// resumes from selection.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunActive
	}
	e.running = true
	e.paused = false
	e.session.ID = newSessionID()
	e.session.State = StateSelect
	e.session.CurrentTaskID = ""
	e.session.BranchName = ""
	e.session.SandboxID = ""
	e.session.RetryCount = 0
	e.session.StartedAt = time.Now().UTC()
	snap := e.session
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.Info("session started",
		zap.String("session_id", snap.ID),
		zap.String("project_id", snap.ProjectID))

	e.recoverStaleTask()

	var cur *attempt
	out := &Outcome{}

	// Teardown is guaranteed even if the loop exits on an unexpected
	// path. Manager teardown is idempotent, so the normal-path release
	// makes this a no-op.
	defer func() {
		e.releaseSandbox(cur)
	}()

	for {
		// Operator pause and cancellation halt between states, never
		// mid-step, leaving the session resumable.
		if !e.state().Terminal() {
			if err := ctx.Err(); err != nil {
				e.halt(cur)
				cur = nil
				out.Paused = true
				out.Session = e.Session()
				return out, fmt.Errorf("session canceled: %w", err)
			}
			if e.pauseRequested() {
				e.halt(cur)
				cur = nil
				out.Paused = true
				out.Session = e.Session()
				e.logger.Info("session paused", zap.String("session_id", snap.ID))
				return out, nil
			}
		}

		switch e.state() {
		case StateSelect:
			task, ok, err := e.selectTask()
			if err != nil {
				e.halt(cur)
				cur = nil
				out.Paused = true
				out.Session = e.Session()
				return out, err
			}
			if !ok {
				remaining := e.collab.Plan.Remaining()
				out.ProjectComplete = remaining == 0
				out.Blocked = remaining > 0
				e.transition(ctx, StateDone, "")
				continue
			}
			cur = e.beginAttempt(task)
			e.transition(ctx, StatePrep, task.ID)

		case StatePrep:
			e.transition(ctx, e.stepPrep(ctx, cur), cur.task.ID)

		case StateImplement:
			e.transition(ctx, e.stepImplement(ctx, cur), cur.task.ID)

		case StateVerify:
			e.transition(ctx, e.stepVerify(ctx, cur), cur.task.ID)

		case StateMerge:
			e.transition(ctx, e.stepMerge(ctx, cur), cur.task.ID)

		case StatePush:
			e.transition(ctx, e.stepPush(ctx, cur), cur.task.ID)

		case StateUpdatePlan:
			next := e.stepUpdatePlan(ctx, cur)
			taskID := cur.task.ID
			if next == StateDone {
				out.CompletedTaskID = taskID
				out.ProjectComplete = e.collab.Plan.Remaining() == 0
				e.releaseSandbox(cur)
				e.setSession(func(s *Session) {
					s.CurrentTaskID = ""
					s.BranchName = ""
				})
				cur = nil
			}
			e.transition(ctx, next, taskID)

		case StateErrorInject:
			next := e.stepErrorInject(ctx, cur)
			taskID := cur.task.ID
			e.releaseSandbox(cur)
			if next == StateHumanReview {
				// The ceiling path never injected, so the failed task
				// is still active; hand it back to the plan for the
				// operator.
				if err := e.collab.Plan.Release(taskID); err != nil {
					e.logger.Warn("failed to release task",
						zap.String("task_id", taskID), zap.Error(err))
				}
			} else {
				e.setSession(func(s *Session) {
					s.CurrentTaskID = ""
					s.BranchName = ""
				})
				cur = nil
			}
			e.transition(ctx, next, taskID)

		case StateDone:
			remaining := e.collab.Plan.Remaining()
			out.TasksRemaining = remaining
			e.publish(ctx, events.TypeCompletion, "", sessionCompletionPayload{
				ProjectComplete: out.ProjectComplete,
				TasksRemaining:  remaining,
			})
			e.logger.Info("session done",
				zap.String("session_id", snap.ID),
				zap.String("completed_task_id", out.CompletedTaskID),
				zap.Bool("project_complete", out.ProjectComplete),
				zap.Bool("blocked", out.Blocked),
				zap.Int("tasks_remaining", remaining))
			out.Session = e.Session()
			return out, nil

		case StateHumanReview:
			out.Session = e.Session()
			out.TasksRemaining = e.collab.Plan.Remaining()
			e.logger.Warn("session parked for human review",
				zap.String("session_id", snap.ID),
				zap.String("task_id", out.Session.CurrentTaskID),
				zap.Int("retry_count", out.Session.RetryCount))
			return out, nil
		}
	}
}

// recoverStaleTask releases a task left active by an interrupted run. No
// partial credit: the task re-runs from scratch.
func (e *Engine) recoverStaleTask() {
	active, ok := e.collab.Plan.Active()
	if !ok {
		return
	}
	if err := e.collab.Plan.Release(active.ID); err != nil {
		e.logger.Warn("failed to release stale active task",
			zap.String("task_id", active.ID), zap.Error(err))
		return
	}
	e.logger.Info("released stale active task", zap.String("task_id", active.ID))
}

// selectTask pops and activates the next eligible task. Activation can lose
// a race with a concurrent injection; the store rejects with a retriable
// error and selection re-reads the plan.
func (e *Engine) selectTask() (*plan.Task, bool, error) {
	for i := 0; i < 3; i++ {
		task, ok := e.collab.Plan.Next()
		if !ok {
			return nil, false, nil
		}
		err := e.collab.Plan.Activate(task.ID)
		if err == nil {
			return task, true, nil
		}
		if !errors.Is(err, plan.ErrStoreRetry) && !errors.Is(err, plan.ErrNotSelectable) {
			return nil, false, fmt.Errorf("activate task %s: %w", task.ID, err)
		}
		e.logger.Warn("task activation conflicted, reselecting",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	return nil, false, errors.New("task selection kept conflicting with plan mutations")
}

// beginAttempt opens a new attempt for a selected task.
func (e *Engine) beginAttempt(task *plan.Task) *attempt {
	origin := e.originOf(task.ID)
	cur := &attempt{
		task:   task,
		number: e.nextAttempt(task.ID),
		origin: origin,
	}
	retries := e.collab.Resolver.Attempts(e.collab.Plan.ProjectID(), origin)
	e.setSession(func(s *Session) {
		s.CurrentTaskID = task.ID
		s.RetryCount = retries
		s.BranchName = ""
		s.SandboxID = ""
	})
	e.logger.Info("task selected",
		zap.String("task_id", task.ID),
		zap.String("origin_task_id", origin),
		zap.Int("attempt", cur.number),
		zap.Int("retry_count", retries))
	return cur
}

// stepPrep provisions the sandbox, materializes the repository, and puts
// the workspace on the task branch.
func (e *Engine) stepPrep(ctx context.Context, cur *attempt) State {
	ctx, span := e.tracer.Start(ctx, "engine.prep",
		trace.WithAttributes(
			attribute.String("task.id", cur.task.ID),
			attribute.Int("task.attempt", cur.number),
		))
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	box, err := e.collab.Sandboxes.Provision(stepCtx, e.collab.Plan.ProjectID(), cur.task.ID, cur.number)
	if err != nil {
		return e.fail(ctx, cur, StatePrep, err, "sandbox provisioning failed")
	}
	cur.box = box
	e.setSession(func(s *Session) { s.SandboxID = box.ID })

	if err := e.collab.Sandboxes.MaterializeRepository(stepCtx, box.ID, e.collab.Host.CloneURL()); err != nil {
		return e.fail(ctx, cur, StatePrep, err, "repository materialization failed")
	}

	cur.branch = branchName(e.config.BranchPrefix, cur.task)
	if err := e.collab.Host.EnsureBranch(stepCtx, box.WorkspacePath, cur.branch); err != nil {
		return e.fail(ctx, cur, StatePrep, err, "branch creation failed")
	}
	e.setSession(func(s *Session) { s.BranchName = cur.branch })

	e.logger.Info("workspace prepared",
		zap.String("task_id", cur.task.ID),
		zap.String("sandbox_id", box.ID),
		zap.String("branch", cur.branch))
	return StateImplement
}

// stepImplement hands the task to the code generator.
func (e *Engine) stepImplement(ctx context.Context, cur *attempt) State {
	ctx, span := e.tracer.Start(ctx, "engine.implement",
		trace.WithAttributes(
			attribute.String("task.id", cur.task.ID),
			attribute.Int("task.attempt", cur.number),
		))
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	result, err := e.collab.Generator.Generate(stepCtx, cur.box.WorkspacePath, codegen.Instruction{
		TaskID:             cur.task.ID,
		Title:              cur.task.Title,
		Description:        cur.task.Description,
		AcceptanceCriteria: cur.task.AcceptanceCriteria,
		Attempt:            cur.number,
		Branch:             cur.branch,
	})
	if err != nil {
		return e.fail(ctx, cur, StateImplement, err, "code generation failed")
	}
	cur.summary = result.Summary

	e.logger.Info("code generated",
		zap.String("task_id", cur.task.ID),
		zap.Int("files", len(result.Files)))
	e.publish(ctx, events.TypeExecutionLog, cur.task.ID, logPayload{
		Stream: "stdout",
		Chunk:  tail(e.scrub(result.Summary), maxEventLogBytes),
	})
	return StateVerify
}

// stepVerify runs the build and test commands inside the sandbox. Both
// must exit zero; the first failure ends the step.
func (e *Engine) stepVerify(ctx context.Context, cur *attempt) State {
	ctx, span := e.tracer.Start(ctx, "engine.verify",
		trace.WithAttributes(
			attribute.String("task.id", cur.task.ID),
			attribute.Int("task.attempt", cur.number),
		))
	defer span.End()

	checks := []struct {
		label string
		argv  []string
	}{
		{"build", e.config.BuildCommand},
		{"test", e.config.TestCommand},
	}

	for _, check := range checks {
		stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
		result, err := e.collab.Sandboxes.Execute(stepCtx, cur.box.ID, check.argv)
		cancel()
		if err != nil {
			return e.fail(ctx, cur, StateVerify, err, check.label+" command failed to run")
		}

		e.publishOutput(ctx, cur.task.ID, result)

		if result.ExitCode != 0 {
			return e.failCheck(ctx, cur, check.label, result)
		}
		e.logger.Info("verification passed",
			zap.String("task_id", cur.task.ID),
			zap.String("check", check.label),
			zap.Duration("duration", result.Duration))
	}
	return StateMerge
}

// stepMerge commits the workspace on the task branch and fast-forwards
// the default branch onto it. Divergence is a failure, not a rebase.
func (e *Engine) stepMerge(ctx context.Context, cur *attempt) State {
	ctx, span := e.tracer.Start(ctx, "engine.merge",
		trace.WithAttributes(
			attribute.String("task.id", cur.task.ID),
			attribute.Int("task.attempt", cur.number),
		))
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	message := fmt.Sprintf("task %s: %s", cur.task.ID, cur.task.Title)
	commit, err := e.collab.Host.CommitAll(stepCtx, cur.box.WorkspacePath, message)
	if err != nil {
		return e.fail(ctx, cur, StateMerge, err, "commit failed")
	}

	if err := e.collab.Host.Merge(stepCtx, cur.box.WorkspacePath, cur.branch); err != nil {
		return e.fail(ctx, cur, StateMerge, err, "fast-forward merge failed")
	}

	e.logger.Info("branch merged",
		zap.String("task_id", cur.task.ID),
		zap.String("branch", cur.branch),
		zap.String("commit", commit))
	return StatePush
}

// stepPush publishes the task and default branches under the attempt's
// idempotency key.
func (e *Engine) stepPush(ctx context.Context, cur *attempt) State {
	ctx, span := e.tracer.Start(ctx, "engine.push",
		trace.WithAttributes(
			attribute.String("task.id", cur.task.ID),
			attribute.Int("task.attempt", cur.number),
		))
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	key := fmt.Sprintf("%s/%d", cur.task.ID, cur.number)
	if err := e.collab.Host.Push(stepCtx, cur.box.WorkspacePath, cur.branch, key); err != nil {
		return e.fail(ctx, cur, StatePush, err, "push failed")
	}

	e.logger.Info("branch pushed",
		zap.String("task_id", cur.task.ID),
		zap.String("branch", cur.branch),
		zap.String("idempotency_key", key))
	return StateUpdatePlan
}

// stepUpdatePlan records completion in the plan and resets the retry
// ceiling when the completed task is its own origin.
func (e *Engine) stepUpdatePlan(ctx context.Context, cur *attempt) State {
	ctx, span := e.tracer.Start(ctx, "engine.update_plan",
		trace.WithAttributes(
			attribute.String("task.id", cur.task.ID),
			attribute.Int("task.attempt", cur.number),
		))
	defer span.End()

	err := e.collab.Plan.Complete(cur.task.ID, cur.summary)
	if errors.Is(err, plan.ErrStoreRetry) {
		err = e.collab.Plan.Complete(cur.task.ID, cur.summary)
	}
	if err != nil {
		return e.fail(ctx, cur, StateUpdatePlan, err, "plan update failed")
	}

	projectID := e.collab.Plan.ProjectID()
	if cur.task.ID == cur.origin {
		e.collab.Resolver.Reset(projectID, cur.origin)
	}
	e.mu.Lock()
	delete(e.origins, cur.task.ID)
	e.mu.Unlock()

	if e.completedCounter != nil {
		e.completedCounter.Add(ctx, 1)
	}
	e.logger.Info("task completed",
		zap.String("task_id", cur.task.ID),
		zap.String("summary", cur.summary))
	e.publish(ctx, events.TypeCompletion, cur.task.ID, taskCompletionPayload{
		Summary: e.scrub(cur.summary),
	})
	return StateDone
}

// stepErrorInject converts the recorded failure into a priority-injected
// resolution task, or routes to human review when the ceiling is reached
// or injection itself keeps failing.
func (e *Engine) stepErrorInject(ctx context.Context, cur *attempt) State {
	ctx, span := e.tracer.Start(ctx, "engine.error_inject",
		trace.WithAttributes(
			attribute.String("task.id", cur.task.ID),
			attribute.String("origin.task.id", cur.origin),
		))
	defer span.End()

	projectID := e.collab.Plan.ProjectID()
	count := e.collab.Resolver.Attempts(projectID, cur.origin)
	if count >= e.config.MaxRetries {
		e.logger.Error("retry ceiling exceeded",
			zap.String("task_id", cur.task.ID),
			zap.String("origin_task_id", cur.origin),
			zap.Int("attempts", count),
			zap.Int("ceiling", e.config.MaxRetries))
		e.publish(ctx, events.TypeError, cur.task.ID, errorPayload{
			Step:     StateErrorInject.step(),
			Category: resolve.CategoryFatal,
			Message:  fmt.Sprintf("retry ceiling exceeded after %d resolution attempts for task %s", count, cur.origin),
		})
		return StateHumanReview
	}

	result, err := e.collab.Resolver.Submit(ctx, e.collab.Plan, *cur.failure)
	if err != nil {
		result, err = e.collab.Resolver.Submit(ctx, e.collab.Plan, *cur.failure)
	}
	if err != nil {
		e.logger.Error("resolution injection failed",
			zap.String("task_id", cur.task.ID), zap.Error(err))
		e.publish(ctx, events.TypeError, cur.task.ID, errorPayload{
			Step:     StateErrorInject.step(),
			Category: resolve.CategoryFatal,
			Message:  e.scrub(fmt.Sprintf("resolution injection failed twice: %v", err)),
		})
		return StateHumanReview
	}

	e.mu.Lock()
	e.origins[result.TaskID] = cur.origin
	e.mu.Unlock()
	retries := e.collab.Resolver.Attempts(projectID, cur.origin)
	e.setSession(func(s *Session) { s.RetryCount = retries })

	e.logger.Info("resolution task injected",
		zap.String("failed_task_id", cur.task.ID),
		zap.String("origin_task_id", cur.origin),
		zap.String("resolution_task_id", result.TaskID),
		zap.Int("retry_count", retries),
		zap.Int("plan_version", result.PlanVersion))
	return StateSelect
}

// fail records a step failure built from an error and routes to
// ERROR_INJECT.
func (e *Engine) fail(ctx context.Context, cur *attempt, state State, err error, message string) State {
	failure := &resolve.Failure{
		TaskID:     cur.task.ID,
		Origin:     cur.origin,
		Step:       state.step(),
		Category:   resolve.Classify(err),
		Message:    fmt.Sprintf("%s: %v", message, err),
		OccurredAt: time.Now().UTC(),
	}
	var execErr *codegen.ExecError
	if errors.As(err, &execErr) {
		failure.ExitCode = execErr.ExitCode
		failure.Stderr = execErr.Stderr
	}
	return e.recordFailure(ctx, cur, failure)
}

// failCheck records a verification command that exited non-zero.
func (e *Engine) failCheck(ctx context.Context, cur *attempt, label string, result *sandbox.ExecResult) State {
	failure := &resolve.Failure{
		TaskID:     cur.task.ID,
		Origin:     cur.origin,
		Step:       StateVerify.step(),
		Category:   resolve.CategoryVerification,
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		Message:    fmt.Sprintf("%s command exited %d", label, result.ExitCode),
		OccurredAt: time.Now().UTC(),
	}
	return e.recordFailure(ctx, cur, failure)
}

func (e *Engine) recordFailure(ctx context.Context, cur *attempt, failure *resolve.Failure) State {
	cur.failure = failure

	if e.failureCounter != nil {
		e.failureCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("step", failure.Step),
				attribute.String("category", string(failure.Category)),
			))
	}
	e.logger.Error("step failed",
		zap.String("task_id", failure.TaskID),
		zap.String("step", failure.Step),
		zap.String("category", string(failure.Category)),
		zap.Int("exit_code", failure.ExitCode),
		zap.String("message", failure.Message))
	e.publish(ctx, events.TypeError, failure.TaskID, errorPayload{
		Step:     failure.Step,
		Category: failure.Category,
		Message:  e.scrub(failure.Message),
		ExitCode: failure.ExitCode,
	})
	return StateErrorInject
}

// transition moves the machine to the next state and announces it.
func (e *Engine) transition(ctx context.Context, to State, taskID string) {
	from := e.state()
	e.setSession(func(s *Session) { s.State = to })

	if e.transitionCounter != nil {
		e.transitionCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("from", string(from)),
				attribute.String("to", string(to)),
			))
	}
	e.logger.Debug("state transition",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	e.publish(ctx, events.TypeExecutionUpdate, taskID, transitionPayload{
		From:       from,
		To:         to,
		RetryCount: e.Session().RetryCount,
	})
}

// publish sends one event for the current session. Event loss is logged
// and never blocks execution.
func (e *Engine) publish(ctx context.Context, typ events.Type, taskID string, payload any) {
	snap := e.Session()
	env, err := events.New(typ, snap.ProjectID, snap.ID, taskID, payload)
	if err != nil {
		e.logger.Warn("failed to build event",
			zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := e.collab.Events.Publish(ctx, env); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("type", string(typ)), zap.Error(err))
	}
}

// publishOutput streams the tail of a command's output as log events.
// Scrubbing happens before truncation so a cut never bisects a redaction
// back into a recognizable secret.
func (e *Engine) publishOutput(ctx context.Context, taskID string, result *sandbox.ExecResult) {
	if result.Stdout != "" {
		e.publish(ctx, events.TypeExecutionLog, taskID, logPayload{
			Stream: "stdout",
			Chunk:  tail(e.scrub(result.Stdout), maxEventLogBytes),
		})
	}
	if result.Stderr != "" {
		e.publish(ctx, events.TypeExecutionLog, taskID, logPayload{
			Stream: "stderr",
			Chunk:  tail(e.scrub(result.Stderr), maxEventLogBytes),
		})
	}
}

// scrub redacts secrets from text leaving the session.
func (e *Engine) scrub(s string) string {
	return e.collab.Scrubber.Scrub(s).Scrubbed
}

// releaseSandbox tears down the attempt's sandbox if one is live.
func (e *Engine) releaseSandbox(cur *attempt) {
	if cur == nil || cur.box == nil {
		return
	}
	if err := e.collab.Sandboxes.Teardown(cur.box.ID); err != nil {
		e.logger.Warn("sandbox teardown failed",
			zap.String("sandbox_id", cur.box.ID), zap.Error(err))
	}
	cur.box = nil
	e.setSession(func(s *Session) { s.SandboxID = "" })
}

// halt releases the current attempt for a pause or cancellation: the
// sandbox is torn down and the task goes back to pending, ready for
// reselection on resume.
func (e *Engine) halt(cur *attempt) {
	e.releaseSandbox(cur)
	if cur != nil {
		if err := e.collab.Plan.Release(cur.task.ID); err != nil {
			e.logger.Warn("failed to release task on halt",
				zap.String("task_id", cur.task.ID), zap.Error(err))
		}
	}
	e.setSession(func(s *Session) {
		s.State = StateSelect
		s.CurrentTaskID = ""
		s.BranchName = ""
	})
}
