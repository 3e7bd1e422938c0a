package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"buildflow/backend/internal/auth"
	"buildflow/backend/internal/services"
	"buildflow/backend/pkg/models"
)

type startWorkflowRequest struct {
	TemplateID string `json:"template_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	ProjectID  string `json:"project_id"`
}

// StartWorkflow starts a workflow for an entity.
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	var req startWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	entityType := models.EntityType(req.EntityType)
	if !entityType.Valid() {
		return problem(c, http.StatusBadRequest, "invalid entity type", "entity_type must be submittal, rfi or change_order")
	}
	if req.EntityID == "" || req.ProjectID == "" {
		return problem(c, http.StatusBadRequest, "missing fields", "entity_id and project_id are required")
	}

	inst, err := s.engine.StartWorkflow(c.Request().Context(), services.StartWorkflowParams{
		TemplateID: req.TemplateID,
		EntityType: entityType,
		EntityID:   req.EntityID,
		ProjectID:  req.ProjectID,
	}, auth.ActorFrom(c))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

// GetWorkflow returns one workflow instance.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	inst, err := s.engine.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

// WorkflowForEntity returns the active workflow for an entity, if any.
// (GET /api/v1/workflows/entity?entity_type=submittal&entity_id=sub-1)
func (s *Server) WorkflowForEntity(c echo.Context) error {
	entityType := models.EntityType(c.QueryParam("entity_type"))
	if !entityType.Valid() {
		return problem(c, http.StatusBadRequest, "invalid entity type", "entity_type must be submittal, rfi or change_order")
	}
	inst, err := s.engine.WorkflowForEntity(c.Request().Context(), entityType, c.QueryParam("entity_id"))
	if err != nil {
		return s.domainError(c, err)
	}
	if inst == nil {
		return problem(c, http.StatusNotFound, "not found", "no active workflow for this entity")
	}
	return c.JSON(http.StatusOK, inst)
}

// ListTransitions returns the transitions the caller may fire.
// (GET /api/v1/workflows/:id/transitions)
func (s *Server) ListTransitions(c echo.Context) error {
	transitions, err := s.engine.ListAvailableTransitions(c.Request().Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, transitions)
}

type applyTransitionRequest struct {
	Comments        string `json:"comments"`
	ExpectedVersion *int   `json:"expected_version"`
}

// ApplyTransition fires a transition on a workflow.
// (POST /api/v1/workflows/:id/transitions/:transitionID)
func (s *Server) ApplyTransition(c echo.Context) error {
	var req applyTransitionRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	if req.ExpectedVersion == nil {
		return problem(c, http.StatusBadRequest, "missing fields", "expected_version is required")
	}

	inst, err := s.engine.ApplyTransition(c.Request().Context(),
		c.Param("id"), c.Param("transitionID"), req.Comments, auth.ActorFrom(c), *req.ExpectedVersion)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

type cancelWorkflowRequest struct {
	Reason string `json:"reason"`
}

// CancelWorkflow terminates an active workflow.
// (POST /api/v1/workflows/:id/cancel)
func (s *Server) CancelWorkflow(c echo.Context) error {
	var req cancelWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	inst, err := s.engine.CancelWorkflow(c.Request().Context(), c.Param("id"), req.Reason, auth.ActorFrom(c))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

// GetHistory returns a workflow's audit trail.
// (GET /api/v1/workflows/:id/history)
func (s *Server) GetHistory(c echo.Context) error {
	entries, err := s.engine.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

// MyTasks returns the caller's task queue, most urgent first.
// (GET /api/v1/tasks?project_id=proj-1&entity_type=submittal)
func (s *Server) MyTasks(c echo.Context) error {
	projectID := c.QueryParam("project_id")
	if projectID == "" {
		return problem(c, http.StatusBadRequest, "missing fields", "project_id is required")
	}
	entityType := models.EntityType(c.QueryParam("entity_type"))
	if entityType != "" && !entityType.Valid() {
		return problem(c, http.StatusBadRequest, "invalid entity type", "entity_type must be submittal, rfi or change_order")
	}
	tasks, err := s.scheduler.MyTasks(c.Request().Context(), auth.ActorFrom(c), projectID, entityType)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, tasks)
}

// SLACompliance returns the SLA compliance percentage for a window.
// (GET /api/v1/analytics/sla-compliance?project_id=&from=&to=)
func (s *Server) SLACompliance(c echo.Context) error {
	window, err := windowFromQuery(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "invalid window", err.Error())
	}
	rate, err := s.analytics.SLAComplianceRate(c.Request().Context(), c.QueryParam("project_id"), window)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"from":                w3c(window.From),
		"to":                  w3c(window.To),
		"sla_compliance_rate": rate,
	})
}

// CompletionTime returns the average start-to-finish days for a window.
// (GET /api/v1/analytics/completion-time?entity_type=&from=&to=)
func (s *Server) CompletionTime(c echo.Context) error {
	window, err := windowFromQuery(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "invalid window", err.Error())
	}
	entityType := models.EntityType(c.QueryParam("entity_type"))
	if entityType != "" && !entityType.Valid() {
		return problem(c, http.StatusBadRequest, "invalid entity type", "entity_type must be submittal, rfi or change_order")
	}
	days, err := s.analytics.AvgCompletionTime(c.Request().Context(), entityType, window)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"from":                w3c(window.From),
		"to":                  w3c(window.To),
		"avg_completion_days": days,
	})
}

// Bottlenecks returns average dwell per stage, slowest first.
// (GET /api/v1/analytics/bottlenecks?from=&to=)
func (s *Server) Bottlenecks(c echo.Context) error {
	window, err := windowFromQuery(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "invalid window", err.Error())
	}
	stages, err := s.analytics.StageBottlenecks(c.Request().Context(), window)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, stages)
}

// ActiveCounts returns active workflow counts per entity type.
// (GET /api/v1/analytics/active-counts)
func (s *Server) ActiveCounts(c echo.Context) error {
	counts, err := s.analytics.ActiveCounts(c.Request().Context())
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

// windowFromQuery parses the from/to query params, defaulting to the last 30
// days.
func windowFromQuery(c echo.Context) (services.Window, error) {
	now := time.Now()
	w := services.Window{From: now.AddDate(0, 0, -30), To: now}
	if raw := c.QueryParam("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return services.Window{}, err
		}
		w.From = from
	}
	if raw := c.QueryParam("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return services.Window{}, err
		}
		w.To = to
	}
	return w, nil
}

func w3c(t time.Time) string {
	return t.Format(time.RFC3339)
}
