// Command seed applies the database schema and loads a default approval
// template per entity type, plus a demo project roster for local work.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"buildflow/backend/internal/config"
	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/repository"
	"buildflow/backend/internal/services"
	"buildflow/backend/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	// 1. Apply schema.
	if _, err := pool.Exec(ctx, repository.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("schema applied")

	templates := repository.NewPostgresTemplateStore(pool)
	validator := services.NewValidator()

	// 2. One default template per entity type, skipping ones already there.
	for _, entityType := range []models.EntityType{
		models.EntityTypeSubmittal,
		models.EntityTypeRFI,
		models.EntityTypeChangeOrder,
	} {
		existing, err := templates.ListByEntityType(ctx, entityType)
		if err != nil {
			log.Fatalf("Failed to list templates: %v", err)
		}
		if len(existing) > 0 {
			logger.Info("skipping seeded entity type", "entity_type", entityType)
			continue
		}

		tmpl := defaultTemplate(entityType)
		if errs := validator.Validate(tmpl); len(errs) > 0 {
			log.Fatalf("Seed template for %s is invalid: %v", entityType, errs)
		}
		if err := templates.Create(ctx, tmpl); err != nil {
			log.Fatalf("Failed to create template: %v", err)
		}
		if err := templates.SetDefault(ctx, tmpl.ID); err != nil {
			log.Fatalf("Failed to set default template: %v", err)
		}
		logger.Info("seeded default template", "entity_type", entityType, "template_id", tmpl.ID)
	}

	// 3. Demo project roster for assignment resolution.
	members := [][3]string{
		{"proj-demo", "reviewer@localhost", "reviewer"},
		{"proj-demo", "engineer@localhost", "reviewer"},
		{"proj-demo", "pm@localhost", "project_manager"},
	}
	for _, m := range members {
		_, err := pool.Exec(ctx,
			`INSERT INTO project_members (project_id, user_id, role)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			m[0], m[1], m[2])
		if err != nil {
			log.Fatalf("Failed to seed project member: %v", err)
		}
	}
	logger.Info("seeded demo project roster", "project_id", "proj-demo")
}

// defaultTemplate builds a start -> review -> approval -> end graph with a
// revise loop back onto review.
func defaultTemplate(entityType models.EntityType) *models.WorkflowTemplate {
	start := uuid.New().String()
	review := uuid.New().String()
	approval := uuid.New().String()
	end := uuid.New().String()

	return &models.WorkflowTemplate{
		ID:          uuid.New().String(),
		Name:        fmt.Sprintf("Standard %s approval", entityType),
		EntityType:  entityType,
		Description: "Two-step review with a revision loop.",
		IsActive:    true,
		Stages: []models.Stage{
			{ID: start, StageName: "Submitted", StageType: models.StageTypeStart},
			{
				ID: review, StageNumber: 1, StageName: "Technical Review",
				StageType: models.StageTypeReview, SLAHours: 48,
				AssignmentRule: &models.AssignmentRule{Type: models.AssignByRole, Role: "reviewer"},
				AllowedActions: []models.TransitionAction{
					models.ActionApprove, models.ActionReject, models.ActionRevise,
				},
			},
			{
				ID: approval, StageNumber: 2, StageName: "Manager Approval",
				StageType: models.StageTypeApproval, SLAHours: 72,
				AssignmentRule: &models.AssignmentRule{Type: models.AssignByRole, Role: "project_manager"},
				AllowedActions: []models.TransitionAction{
					models.ActionApprove, models.ActionReject,
				},
			},
			{ID: end, StageName: "Closed", StageType: models.StageTypeEnd},
		},
		Transitions: []models.Transition{
			{ID: uuid.New().String(), FromStageID: start, ToStageID: review, Action: models.ActionForward, Name: "Submit"},
			{ID: uuid.New().String(), FromStageID: review, ToStageID: approval, Action: models.ActionApprove, Name: "Approve"},
			{ID: uuid.New().String(), FromStageID: review, ToStageID: end, Action: models.ActionReject, Name: "Reject"},
			{ID: uuid.New().String(), FromStageID: review, ToStageID: review, Action: models.ActionRevise, Name: "Request Revision"},
			{ID: uuid.New().String(), FromStageID: approval, ToStageID: end, Action: models.ActionApprove, Name: "Final Approval"},
			{ID: uuid.New().String(), FromStageID: approval, ToStageID: end, Action: models.ActionReject, Name: "Final Rejection"},
		},
		CreatedBy: "seed",
	}
}
