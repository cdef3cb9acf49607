package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/engine"
	"go.uber.org/zap"
)

// runLoop drives one project: acquire a slot, run a session, settle the
// outcome, repeat. It exits on pause, cancellation, completion, human
// review, a blocked plan, or a run error.
func (s *Supervisor) runLoop(ctx context.Context, rec *record, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		rec.loopActive = false
		rec.updatedAt = time.Now().UTC()
		s.mu.Unlock()
	}()

	for {
		if s.pauseHandled(rec) {
			return
		}

		select {
		case <-ctx.Done():
			s.setState(rec, StatePaused)
			return
		case s.slots <- struct{}{}:
		}

		// A pause that landed while waiting for a slot would otherwise
		// be lost: the engine clears its own pause flag on run start.
		if s.pauseHandled(rec) {
			<-s.slots
			return
		}

		s.setState(rec, StateRunning)
		if s.sessionsGauge != nil {
			s.sessionsGauge.Add(context.Background(), 1)
		}
		out, err := rec.runner.Run(ctx)
		if s.sessionsGauge != nil {
			s.sessionsGauge.Add(context.Background(), -1)
		}
		<-s.slots

		if s.settle(rec, out, err) {
			return
		}
	}
}

// pauseHandled consumes a pending pause request, parking the record.
func (s *Supervisor) pauseHandled(rec *record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rec.pause {
		return false
	}
	rec.pause = false
	rec.state = StatePaused
	rec.updatedAt = time.Now().UTC()
	s.logger.Info("session loop paused", zap.String("project_id", rec.projectID))
	return true
}

// settle records a finished run and reports whether the loop should exit.
func (s *Supervisor) settle(rec *record, out *engine.Outcome, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.updatedAt = time.Now().UTC()

	if out != nil {
		if out.CompletedTaskID != "" {
			rec.tasksCompleted++
		}
		if !out.Paused {
			rec.tasksRemaining = out.TasksRemaining
		}
	}

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		rec.state = StatePaused
		s.logger.Info("session loop canceled", zap.String("project_id", rec.projectID))
		return true

	case err != nil:
		rec.state = StateIdle
		rec.lastError = err.Error()
		s.logger.Error("session run failed",
			zap.String("project_id", rec.projectID), zap.Error(err))
		return true

	case out.Paused:
		rec.pause = false
		rec.state = StatePaused
		s.logger.Info("session loop paused", zap.String("project_id", rec.projectID))
		return true

	case out.Session.State == engine.StateHumanReview:
		rec.state = StateHumanReview
		s.logger.Warn("project parked for human review",
			zap.String("project_id", rec.projectID),
			zap.String("task_id", out.Session.CurrentTaskID),
			zap.Int("retry_count", out.Session.RetryCount))
		return true

	case out.ProjectComplete:
		rec.state = StateCompleted
		rec.lastError = ""
		s.logger.Info("project complete",
			zap.String("project_id", rec.projectID),
			zap.Int("tasks_completed", rec.tasksCompleted))
		return true

	case out.Blocked:
		rec.state = StateIdle
		rec.lastError = "plan blocked: pending tasks have unmet dependencies"
		s.logger.Warn("project blocked",
			zap.String("project_id", rec.projectID),
			zap.Int("tasks_remaining", rec.tasksRemaining))
		return true

	default:
		// One task completed with more to go. Honor a pause that raced
		// the run start, otherwise take the next session.
		if rec.pause {
			rec.pause = false
			rec.state = StatePaused
			s.logger.Info("session loop paused", zap.String("project_id", rec.projectID))
			return true
		}
		rec.lastError = ""
		return false
	}
}

// setState moves the record to a new state.
func (s *Supervisor) setState(rec *record, state ProjectState) {
	s.mu.Lock()
	rec.state = state
	rec.updatedAt = time.Now().UTC()
	s.mu.Unlock()
}
