// Package api contains the HTTP handlers for the workflow service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/services"
	"buildflow/backend/pkg/models"
)

// Pinger reports backing-service connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API server.
type Server struct {
	templates *services.TemplateService
	engine    *services.Engine
	scheduler *services.Scheduler
	analytics *services.Analytics
	db        Pinger
	bus       Pinger
	logger    *logging.Logger
}

// NewServer creates a new Server. db and bus may be nil; the health endpoint
// skips whatever it isn't given.
func NewServer(templates *services.TemplateService, engine *services.Engine, scheduler *services.Scheduler, analytics *services.Analytics, db, bus Pinger, logger *logging.Logger) *Server {
	return &Server{
		templates: templates,
		engine:    engine,
		scheduler: scheduler,
		analytics: analytics,
		db:        db,
		bus:       bus,
		logger:    logger,
	}
}

// Register mounts every workflow route on the group.
func (s *Server) Register(g *echo.Group) {
	g.GET("/templates", s.ListTemplates)
	g.POST("/templates", s.CreateTemplate)
	g.POST("/templates/validate", s.ValidateTemplate)
	g.GET("/templates/:id", s.GetTemplate)
	g.PUT("/templates/:id", s.UpdateTemplate)
	g.DELETE("/templates/:id", s.DeleteTemplate)
	g.POST("/templates/:id/duplicate", s.DuplicateTemplate)
	g.POST("/templates/:id/default", s.SetDefaultTemplate)

	g.POST("/workflows", s.StartWorkflow)
	g.GET("/workflows/entity", s.WorkflowForEntity)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.GET("/workflows/:id/transitions", s.ListTransitions)
	g.POST("/workflows/:id/transitions/:transitionID", s.ApplyTransition)
	g.POST("/workflows/:id/cancel", s.CancelWorkflow)
	g.GET("/workflows/:id/history", s.GetHistory)

	g.GET("/tasks", s.MyTasks)

	g.GET("/analytics/sla-compliance", s.SLACompliance)
	g.GET("/analytics/completion-time", s.CompletionTime)
	g.GET("/analytics/bottlenecks", s.Bottlenecks)
	g.GET("/analytics/active-counts", s.ActiveCounts)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HandleHealth reports service health plus backing-store connectivity.
func (s *Server) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "buildflow-workflow",
		Checks:    map[string]string{},
	}
	code := http.StatusOK
	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			status.Checks[name] = err.Error()
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
			return
		}
		status.Checks[name] = "ok"
	}
	check("database", s.db)
	check("bus", s.bus)
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// Errors carries template-graph defects on validation failures.
	Errors models.ValidationErrors `json:"errors,omitempty"`
}

// problem writes an RFC 7807 Problem Details JSON error response.
func problem(c echo.Context, status int, title, detail string) error {
	return writeProblem(c, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(c echo.Context, p ProblemDetails) error {
	// echo's JSON writer keeps a content type that is already set.
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(p.Status, p)
}

// domainError maps an engine error onto a problem response.
func (s *Server) domainError(c echo.Context, err error) error {
	var verrs models.ValidationErrors
	if errors.As(err, &verrs) {
		return writeProblem(c, ProblemDetails{
			Type:   "about:blank",
			Title:  "template validation failed",
			Status: http.StatusUnprocessableEntity,
			Errors: verrs,
		})
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrTemplateNotFound), errors.Is(err, models.ErrWorkflowNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrMissingCapability), errors.Is(err, models.ErrNotAssignee):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrVersionConflict),
		errors.Is(err, models.ErrDuplicateActiveWorkflow),
		errors.Is(err, models.ErrTemplateLocked),
		errors.Is(err, models.ErrWorkflowNotActive):
		status = http.StatusConflict
	case errors.Is(err, models.ErrCommentsRequired),
		errors.Is(err, models.ErrUnknownTransition),
		errors.Is(err, models.ErrTemplateNotActive),
		errors.Is(err, models.ErrEntityTypeMismatch),
		errors.Is(err, models.ErrNoDefaultTemplate):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
		return problem(c, status, "internal server error", "")
	}
	return problem(c, status, http.StatusText(status), err.Error())
}
