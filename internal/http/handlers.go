package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/supervisor"
	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// idempotencyKeyHeader carries the client idempotency key on control
// operations.
const idempotencyKeyHeader = "Idempotency-Key"

// errorJSON writes the error envelope with the given status.
func errorJSON(c echo.Context, status int, code, message string, err error) error {
	resp := apiv1.ErrorResponse{Code: code, Message: message}
	if err != nil {
		resp.Details = err.Error()
	}
	return c.JSON(status, &resp)
}

// handleIngest accepts an automation request, journals it, and hands it to
// the request queue for asynchronous dispatch.
func (s *Server) handleIngest(c echo.Context) error {
	var req apiv1.AutomationRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid automation request", zap.Error(err))
		return errorJSON(c, http.StatusBadRequest, apiv1.CodeInvalidRequest, "invalid request body", nil)
	}
	if req.ProjectID == "" {
		return errorJSON(c, http.StatusBadRequest, apiv1.CodeInvalidRequest, "project_id is required", nil)
	}
	if !apiv1.ValidAction(req.Action) {
		return errorJSON(c, http.StatusBadRequest, apiv1.CodeInvalidRequest, fmt.Sprintf("unknown action %q", req.Action), nil)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	// Journal before publish: an accepted request must be on disk before
	// anything acts on it.
	entry := &Entry{
		RequestID:      req.ID,
		ProjectID:      req.ProjectID,
		Action:         req.Action,
		IdempotencyKey: req.IdempotencyKey,
		ReceivedAt:     time.Now().UTC(),
	}
	if err := s.journal.Append(entry); err != nil {
		s.logger.Error("failed to journal request",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, apiv1.CodeInternal, "could not record request", nil)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, apiv1.CodeInternal, "could not encode request", nil)
	}
	if err := s.nc.Publish(supervisor.RequestSubject, data); err != nil {
		s.logger.Error("failed to enqueue request",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return errorJSON(c, http.StatusServiceUnavailable, apiv1.CodeUnavailable, "could not enqueue request", nil)
	}

	s.logger.Info("automation request accepted",
		zap.String("request_id", req.ID),
		zap.String("project_id", req.ProjectID),
		zap.String("action", req.Action),
	)
	return c.JSON(http.StatusAccepted, apiv1.AcceptedResponse{RequestID: req.ID, Status: "accepted"})
}

// controlRequest builds a supervisor control request from the path and the
// Idempotency-Key header.
func controlRequest(c echo.Context) *supervisor.ControlRequest {
	return &supervisor.ControlRequest{
		ProjectID:      c.Param("project_id"),
		IdempotencyKey: c.Request().Header.Get(idempotencyKeyHeader),
	}
}

// handleInitialize starts automation for a project.
func (s *Server) handleInitialize(c echo.Context) error {
	req := &supervisor.InitializeRequest{
		ProjectID:      c.Param("project_id"),
		IdempotencyKey: c.Request().Header.Get(idempotencyKeyHeader),
	}
	st, err := s.services.Supervisor().Initialize(c.Request().Context(), req)
	return s.renderStatus(c, st, err)
}

// handlePause pauses a project's session loop.
func (s *Server) handlePause(c echo.Context) error {
	st, err := s.services.Supervisor().Pause(c.Request().Context(), controlRequest(c))
	return s.renderStatus(c, st, err)
}

// handleResume resumes a paused or parked project.
func (s *Server) handleResume(c echo.Context) error {
	st, err := s.services.Supervisor().Resume(c.Request().Context(), controlRequest(c))
	return s.renderStatus(c, st, err)
}

// handleStop stops automation and destroys the project record. The stopped
// session's replay and sequence state is released with it.
func (s *Server) handleStop(c echo.Context) error {
	st, err := s.services.Supervisor().Stop(c.Request().Context(), controlRequest(c))
	if err == nil && st.SessionID != "" {
		s.services.Bus().DropSession(st.SessionID)
	}
	return s.renderStatus(c, st, err)
}

// handleAutomationStatus reports a project's automation status.
func (s *Server) handleAutomationStatus(c echo.Context) error {
	st, err := s.services.Supervisor().Status(c.Request().Context(), c.Param("project_id"))
	return s.renderStatus(c, st, err)
}

// handleListProjects reports all project statuses with per-state counts.
func (s *Server) handleListProjects(c echo.Context) error {
	sup := s.services.Supervisor()
	statuses := sup.List(c.Request().Context())

	out := apiv1.ProjectList{
		Projects: make([]apiv1.ProjectStatus, 0, len(statuses)),
		Counts:   make(map[string]int),
	}
	for _, st := range statuses {
		out.Projects = append(out.Projects, toProjectStatus(st))
	}
	for state, n := range sup.Counts() {
		out.Counts[string(state)] = n
	}
	return c.JSON(http.StatusOK, out)
}

// renderStatus maps a supervisor result onto the wire.
func (s *Server) renderStatus(c echo.Context, st *supervisor.Status, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, toProjectStatus(st))
	case errors.Is(err, supervisor.ErrProjectNotFound):
		return errorJSON(c, http.StatusNotFound, apiv1.CodeNotFound, "project not found", err)
	case errors.Is(err, supervisor.ErrClosed):
		return errorJSON(c, http.StatusServiceUnavailable, apiv1.CodeUnavailable, "supervisor is shutting down", nil)
	default:
		s.logger.Error("automation operation failed", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, apiv1.CodeInternal, "operation failed", err)
	}
}

// toProjectStatus converts a supervisor status to its wire form.
func toProjectStatus(st *supervisor.Status) apiv1.ProjectStatus {
	return apiv1.ProjectStatus{
		ProjectID:      st.ProjectID,
		State:          string(st.State),
		SessionID:      st.SessionID,
		CurrentTaskID:  st.CurrentTaskID,
		RetryCount:     st.RetryCount,
		TasksCompleted: st.TasksCompleted,
		TasksRemaining: st.TasksRemaining,
		LastError:      st.LastError,
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
}

// handleInject applies a task injection to the project's plan.
func (s *Server) handleInject(c echo.Context) error {
	projectID := c.Param("project_id")

	var req apiv1.InjectionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid injection request", zap.Error(err))
		return errorJSON(c, http.StatusBadRequest, apiv1.CodeInvalidRequest, "invalid request body", nil)
	}

	store, herr := s.planStore(c, projectID)
	if store == nil {
		return herr
	}

	inj := &plan.InjectionRequest{
		InjectionID: req.InjectionID,
		ProjectID:   projectID,
		Type:        plan.InjectionType(req.Type),
		Position:    req.Position,
		Task: plan.Task{
			ID:                 req.Task.ID,
			Title:              s.scrub(req.Task.Title),
			Description:        s.scrub(req.Task.Description),
			AcceptanceCriteria: s.scrubAll(req.Task.AcceptanceCriteria),
			Dependencies:       req.Task.Dependencies,
			Priority:           req.Task.Priority,
		},
		Reason:      s.scrub(req.Reason),
		RequestedBy: req.RequestedBy,
		Timestamp:   time.Now().UTC(),
	}

	res, err := store.Apply(inj)
	if err != nil {
		return injectionError(c, err)
	}

	return c.JSON(http.StatusAccepted, apiv1.InjectionResponse{
		Accepted:    res.Accepted,
		InjectionID: res.InjectionID,
		TaskID:      res.TaskID,
		PlanVersion: res.PlanVersion,
	})
}

// injectionError maps plan store rejections onto structured responses.
func injectionError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, plan.ErrDuplicateTask), errors.Is(err, plan.ErrNoActiveTask):
		return errorJSON(c, http.StatusConflict, apiv1.CodeConflict, "injection conflicts with plan state", err)
	case errors.Is(err, plan.ErrInvalidInjection), errors.Is(err, plan.ErrInvalidTaskID),
		errors.Is(err, plan.ErrInvalidPosition), errors.Is(err, plan.ErrUnknownDependency):
		return errorJSON(c, http.StatusUnprocessableEntity, apiv1.CodeUnprocessable, "injection rejected", err)
	default:
		return errorJSON(c, http.StatusInternalServerError, apiv1.CodeInternal, "injection failed", err)
	}
}

// handlePlan renders the project's plan in the requested format.
func (s *Server) handlePlan(c echo.Context) error {
	store, herr := s.planStore(c, c.Param("project_id"))
	if store == nil {
		return herr
	}

	format := plan.Format(c.QueryParam("format"))
	if format == "" {
		format = plan.FormatJSON
	}

	data, err := store.Render(format)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, apiv1.CodeInvalidRequest, "unsupported plan format", err)
	}
	return c.Blob(http.StatusOK, contentTypeFor(format), data)
}

// handleAudit reports the plan's injection audit trail.
func (s *Server) handleAudit(c echo.Context) error {
	store, herr := s.planStore(c, c.Param("project_id"))
	if store == nil {
		return herr
	}
	return c.JSON(http.StatusOK, store.Audit())
}

// planStore resolves the project's plan store, writing the error response
// itself when the store cannot be opened.
func (s *Server) planStore(c echo.Context, projectID string) (*plan.Store, error) {
	store, err := s.services.Plans().Get(projectID)
	if err != nil {
		if errors.Is(err, plan.ErrInvalidProjectID) {
			return nil, errorJSON(c, http.StatusBadRequest, apiv1.CodeInvalidRequest, "invalid project id", err)
		}
		s.logger.Error("failed to open plan store",
			zap.String("project_id", projectID),
			zap.Error(err))
		return nil, errorJSON(c, http.StatusInternalServerError, apiv1.CodeInternal, "could not open plan", nil)
	}
	return store, nil
}

// contentTypeFor returns the response content type for a plan render view.
func contentTypeFor(format plan.Format) string {
	switch format {
	case plan.FormatYAML:
		return "application/yaml"
	case plan.FormatTOML:
		return "application/toml"
	default:
		return echo.MIMEApplicationJSON
	}
}

// scrub redacts secrets from operator-provided text before it is persisted.
func (s *Server) scrub(text string) string {
	if text == "" {
		return ""
	}
	return s.services.Scrubber().Scrub(text).Scrubbed
}

// scrubAll redacts each item, preserving order.
func (s *Server) scrubAll(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = s.scrub(item)
	}
	return out
}
