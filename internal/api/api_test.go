package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildflow/backend/internal/auth"
	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/repository"
	"buildflow/backend/internal/services"
	"buildflow/backend/pkg/models"
)

// testActors maps the X-Actor header used by the test middleware onto
// capability sets.
var testActors = map[string]models.Actor{
	"designer": {UserID: "designer-1", Capabilities: []string{
		models.CapCreateTemplate, models.CapEditTemplate, models.CapDeleteTemplate,
	}},
	"author":   {UserID: "author-1", Capabilities: []string{models.CapStartWorkflow}},
	"reviewer": {UserID: "reviewer-1"},
	"pm":       {UserID: "pm-1"},
	"admin":    {UserID: "admin-1", Capabilities: auth.AllCapabilities()},
}

type apiEnv struct {
	e         *echo.Echo
	templates *repository.MemTemplateStore
	workflows *repository.MemWorkflowStore
	members   *repository.MemMemberStore
	notifier  *services.MemoryNotifier
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := logging.NewLogger()
	templates := repository.NewMemTemplateStore()
	workflows := repository.NewMemWorkflowStore()
	members := repository.NewMemMemberStore()
	notifier := services.NewMemoryNotifier()

	members.AddMember("proj-1", "reviewer-1", "reviewer")
	members.AddMember("proj-1", "pm-1", "project_manager")

	resolver := services.NewResolver(members, workflows, logger)
	engine := services.NewEngine(templates, workflows, workflows, resolver, notifier, logger)
	templateSvc := services.NewTemplateService(templates, workflows, services.NewValidator(), logger)
	scheduler := services.NewScheduler(workflows, notifier, notifier, 24*time.Hour, logger)
	analytics := services.NewAnalytics(workflows, workflows)

	server := NewServer(templateSvc, engine, scheduler, analytics, nil, nil, logger)

	e := echo.New()
	e.GET("/health", server.HandleHealth)
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if actor, ok := testActors[c.Request().Header.Get("X-Actor")]; ok {
				auth.SetActor(c, actor)
			}
			return next(c)
		}
	})
	server.Register(g)

	return &apiEnv{e: e, templates: templates, workflows: workflows, members: members, notifier: notifier}
}

func (env *apiEnv) do(t *testing.T, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func apiTemplate() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		ID:         "tpl-1",
		Name:       "Standard Submittal Review",
		EntityType: models.EntityTypeSubmittal,
		IsActive:   true,
		Stages: []models.Stage{
			{ID: "st-start", StageName: "Submitted", StageType: models.StageTypeStart},
			{
				ID: "st-review", StageNumber: 1, StageName: "Technical Review",
				StageType: models.StageTypeReview, SLAHours: 24,
				AssignmentRule: &models.AssignmentRule{Type: models.AssignByRole, Role: "reviewer"},
				AllowedActions: []models.TransitionAction{models.ActionApprove, models.ActionReject},
			},
			{ID: "st-end", StageName: "Closed", StageType: models.StageTypeEnd},
		},
		Transitions: []models.Transition{
			{ID: "tr-submit", FromStageID: "st-start", ToStageID: "st-review", Action: models.ActionForward, Name: "Submit"},
			{ID: "tr-approve", FromStageID: "st-review", ToStageID: "st-end", Action: models.ActionApprove, Name: "Approve"},
			{ID: "tr-reject", FromStageID: "st-review", ToStageID: "st-end", Action: models.ActionReject, Name: "Reject"},
		},
	}
}

func (env *apiEnv) createTemplate(t *testing.T) {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/templates", "designer", apiTemplate())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func startBody() map[string]string {
	return map[string]string{
		"template_id": "tpl-1",
		"entity_type": "submittal",
		"entity_id":   "sub-100",
		"project_id":  "proj-1",
	}
}

func (env *apiEnv) startWorkflow(t *testing.T) models.WorkflowInstance {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/workflows", "author", startBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inst models.WorkflowInstance
	decode(t, rec, &inst)
	return inst
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	decode(t, rec, &status)
	assert.Equal(t, "ok", status.Status)
}

func TestTemplateLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)

	rec := env.do(t, http.MethodGet, "/api/v1/templates?entity_type=submittal", "reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.WorkflowTemplate
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "tpl-1", list[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/templates/tpl-1", "reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/templates/tpl-1/default", "designer", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/templates/tpl-1/duplicate", "designer", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var cp models.WorkflowTemplate
	decode(t, rec, &cp)
	assert.Equal(t, "Standard Submittal Review (Copy)", cp.Name)
	assert.False(t, cp.IsActive)
}

func TestTemplateValidationProblem(t *testing.T) {
	env := newAPIEnv(t)
	broken := apiTemplate()
	broken.Transitions = nil

	rec := env.do(t, http.MethodPost, "/api/v1/templates", "designer", broken)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/problem+json")

	var p ProblemDetails
	decode(t, rec, &p)
	assert.NotEmpty(t, p.Errors)
}

func TestTemplateForbiddenWithoutCapability(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/templates", "reviewer", apiTemplate())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTemplateValidateEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	broken := apiTemplate()
	broken.Transitions = nil

	rec := env.do(t, http.MethodPost, "/api/v1/templates/validate", "designer", broken)
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Valid  bool                     `json:"valid"`
		Errors []models.ValidationError `json:"errors"`
	}
	decode(t, rec, &result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestWorkflowLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)
	inst := env.startWorkflow(t)

	assert.Equal(t, "st-review", inst.CurrentStageID)
	require.NotNil(t, inst.AssignedTo)
	assert.Equal(t, "reviewer-1", *inst.AssignedTo)

	rec := env.do(t, http.MethodGet, "/api/v1/workflows/"+inst.ID+"/transitions", "reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var transitions []models.Transition
	decode(t, rec, &transitions)
	require.Len(t, transitions, 2)

	rec = env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/transitions/tr-approve", "reviewer",
		map[string]interface{}{"expected_version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done models.WorkflowInstance
	decode(t, rec, &done)
	assert.Equal(t, models.StatusCompleted, done.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/workflows/"+inst.ID+"/history", "author", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.HistoryEntry
	decode(t, rec, &entries)
	assert.Len(t, entries, 2)
}

func TestWorkflowStartValidation(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)

	t.Run("bad entity type", func(t *testing.T) {
		body := startBody()
		body["entity_type"] = "purchase_order"
		rec := env.do(t, http.MethodPost, "/api/v1/workflows", "author", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing capability", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/workflows", "reviewer", startBody())
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("duplicate", func(t *testing.T) {
		env.startWorkflow(t)
		rec := env.do(t, http.MethodPost, "/api/v1/workflows", "author", startBody())
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestApplyTransitionValidation(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)
	inst := env.startWorkflow(t)

	t.Run("missing expected_version", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/transitions/tr-approve", "reviewer",
			map[string]interface{}{"comments": "ok"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("version conflict", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/transitions/tr-approve", "reviewer",
			map[string]interface{}{"expected_version": 9})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("not assignee", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/transitions/tr-approve", "pm",
			map[string]interface{}{"expected_version": 1})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("comments required", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/transitions/tr-reject", "reviewer",
			map[string]interface{}{"expected_version": 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelWorkflow(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)
	inst := env.startWorkflow(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/cancel", "author",
		map[string]string{"reason": "superseded"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/cancel", "admin",
		map[string]string{"reason": "superseded"})
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.WorkflowInstance
	decode(t, rec, &got)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestWorkflowForEntity(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)
	inst := env.startWorkflow(t)

	rec := env.do(t, http.MethodGet, "/api/v1/workflows/entity?entity_type=submittal&entity_id=sub-100", "author", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.WorkflowInstance
	decode(t, rec, &got)
	assert.Equal(t, inst.ID, got.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/workflows/entity?entity_type=rfi&entity_id=sub-100", "author", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMyTasksEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)
	env.startWorkflow(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks?project_id=proj-1", "reviewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []models.Task
	decode(t, rec, &tasks)
	require.Len(t, tasks, 1)
	// The review SLA equals the due-soon window, so a freshly started
	// workflow is already inside it.
	assert.Equal(t, models.UrgencyDueSoon, tasks[0].Urgency)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks", "reviewer", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.createTemplate(t)
	inst := env.startWorkflow(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workflows/"+inst.ID+"/transitions/tr-approve", "reviewer",
		map[string]interface{}{"expected_version": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/sla-compliance", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sla map[string]interface{}
	decode(t, rec, &sla)
	assert.InDelta(t, 100.0, sla["sla_compliance_rate"], 0.001)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/completion-time?entity_type=submittal", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/bottlenecks", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stages []services.StageDwell
	decode(t, rec, &stages)
	require.Len(t, stages, 1)
	assert.Equal(t, "Technical Review", stages[0].StageName)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/active-counts", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	decode(t, rec, &counts)
	assert.Zero(t, counts["submittal"])

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/sla-compliance?from=notatime", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
