package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"buildflow/backend/internal/auth"
	"buildflow/backend/pkg/models"
)

// ListTemplates returns the templates for one entity type.
// (GET /api/v1/templates?entity_type=submittal)
func (s *Server) ListTemplates(c echo.Context) error {
	entityType := models.EntityType(c.QueryParam("entity_type"))
	if !entityType.Valid() {
		return problem(c, http.StatusBadRequest, "invalid entity type", "entity_type must be submittal, rfi or change_order")
	}
	templates, err := s.templates.List(c.Request().Context(), entityType)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, templates)
}

// CreateTemplate creates a workflow template.
// (POST /api/v1/templates)
func (s *Server) CreateTemplate(c echo.Context) error {
	var tmpl models.WorkflowTemplate
	if err := c.Bind(&tmpl); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	created, err := s.templates.Create(c.Request().Context(), &tmpl, auth.ActorFrom(c))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// ValidateTemplate runs graph validation on a draft without saving it.
// (POST /api/v1/templates/validate)
func (s *Server) ValidateTemplate(c echo.Context) error {
	var tmpl models.WorkflowTemplate
	if err := c.Bind(&tmpl); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	errs := s.templates.ValidateDraft(&tmpl)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":  len(errs) == 0,
		"errors": errs,
	})
}

// GetTemplate returns one template.
// (GET /api/v1/templates/:id)
func (s *Server) GetTemplate(c echo.Context) error {
	tmpl, err := s.templates.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, tmpl)
}

// UpdateTemplate replaces a template.
// (PUT /api/v1/templates/:id)
func (s *Server) UpdateTemplate(c echo.Context) error {
	var tmpl models.WorkflowTemplate
	if err := c.Bind(&tmpl); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	tmpl.ID = c.Param("id")
	updated, err := s.templates.Update(c.Request().Context(), &tmpl, auth.ActorFrom(c))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteTemplate removes a template with no running workflows.
// (DELETE /api/v1/templates/:id)
func (s *Server) DeleteTemplate(c echo.Context) error {
	if err := s.templates.Delete(c.Request().Context(), c.Param("id"), auth.ActorFrom(c)); err != nil {
		return s.domainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DuplicateTemplate copies a template into a new inactive draft.
// (POST /api/v1/templates/:id/duplicate)
func (s *Server) DuplicateTemplate(c echo.Context) error {
	cp, err := s.templates.Duplicate(c.Request().Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusCreated, cp)
}

// SetDefaultTemplate marks a template as the default for its entity type.
// (POST /api/v1/templates/:id/default)
func (s *Server) SetDefaultTemplate(c echo.Context) error {
	if err := s.templates.SetDefault(c.Request().Context(), c.Param("id"), auth.ActorFrom(c)); err != nil {
		return s.domainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
