package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/repository"
	"buildflow/backend/pkg/models"
)

// TemplateService manages workflow template definitions. Activation and
// structural edits run the graph validator; templates bound to running
// workflows lock their topology.
type TemplateService struct {
	store     repository.TemplateStore
	workflows repository.WorkflowStore
	validator *Validator
	logger    *logging.Logger
	now       func() time.Time
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(store repository.TemplateStore, workflows repository.WorkflowStore, validator *Validator, logger *logging.Logger) *TemplateService {
	return &TemplateService{
		store:     store,
		workflows: workflows,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// Create persists a new template. Active templates must pass graph
// validation; drafts may be saved in any state.
func (s *TemplateService) Create(ctx context.Context, t *models.WorkflowTemplate, actor models.Actor) (*models.WorkflowTemplate, error) {
	if !actor.Can(models.CapCreateTemplate) {
		return nil, models.ErrMissingCapability
	}
	if !t.EntityType.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t.EntityType)
	}
	if t.IsActive {
		if errs := s.validator.Validate(t); len(errs) > 0 {
			return nil, errs
		}
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	fillGraphIDs(t)
	t.IsDefault = false
	t.CreatedBy = actor.UserID
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("template created", "template_id", t.ID, "name", t.Name, "by", actor.UserID)
	return t, nil
}

// Update replaces a template. Structural changes are rejected while any
// active workflow is bound to the template; name and description edits are
// always allowed.
func (s *TemplateService) Update(ctx context.Context, t *models.WorkflowTemplate, actor models.Actor) (*models.WorkflowTemplate, error) {
	if !actor.Can(models.CapEditTemplate) {
		return nil, models.ErrMissingCapability
	}
	existing, err := s.store.Get(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	if graphChanged(existing, t) {
		bound, err := s.workflows.CountActiveForTemplate(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if bound > 0 {
			return nil, models.ErrTemplateLocked
		}
	}
	if t.IsActive {
		if errs := s.validator.Validate(t); len(errs) > 0 {
			return nil, errs
		}
	}

	fillGraphIDs(t)
	t.EntityType = existing.EntityType
	t.IsDefault = existing.IsDefault
	t.CreatedBy = existing.CreatedBy
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now()

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Duplicate deep-copies a template into a new inactive draft with fresh ids.
func (s *TemplateService) Duplicate(ctx context.Context, id string, actor models.Actor) (*models.WorkflowTemplate, error) {
	if !actor.Can(models.CapCreateTemplate) {
		return nil, models.ErrMissingCapability
	}
	src, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := models.SnapshotOf(src)
	cp := &models.WorkflowTemplate{
		ID:          uuid.New().String(),
		Name:        src.Name + " (Copy)",
		EntityType:  src.EntityType,
		Description: src.Description,
		IsActive:    false,
		IsDefault:   false,
		Stages:      snap.Stages,
		Transitions: snap.Transitions,
		CreatedBy:   actor.UserID,
	}

	// Fresh stage ids, with transitions remapped onto them.
	remap := make(map[string]string, len(cp.Stages))
	for i := range cp.Stages {
		fresh := uuid.New().String()
		remap[cp.Stages[i].ID] = fresh
		cp.Stages[i].ID = fresh
	}
	for i := range cp.Transitions {
		cp.Transitions[i].ID = uuid.New().String()
		if to, ok := remap[cp.Transitions[i].ToStageID]; ok {
			cp.Transitions[i].ToStageID = to
		}
		if from, ok := remap[cp.Transitions[i].FromStageID]; ok {
			cp.Transitions[i].FromStageID = from
		}
	}

	now := s.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := s.store.Create(ctx, cp); err != nil {
		return nil, err
	}
	s.logger.Info("template duplicated", "source_id", id, "template_id", cp.ID, "by", actor.UserID)
	return cp, nil
}

// SetDefault marks an active template as the default for its entity type.
func (s *TemplateService) SetDefault(ctx context.Context, id string, actor models.Actor) error {
	if !actor.Can(models.CapEditTemplate) {
		return models.ErrMissingCapability
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.IsActive {
		return models.ErrTemplateNotActive
	}
	return s.store.SetDefault(ctx, id)
}

// Delete removes a template that no active workflow is bound to.
func (s *TemplateService) Delete(ctx context.Context, id string, actor models.Actor) error {
	if !actor.Can(models.CapDeleteTemplate) {
		return models.ErrMissingCapability
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	bound, err := s.workflows.CountActiveForTemplate(ctx, id)
	if err != nil {
		return err
	}
	if bound > 0 {
		return models.ErrTemplateLocked
	}
	return s.store.Delete(ctx, id)
}

// Get retrieves a template by id.
func (s *TemplateService) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	return s.store.Get(ctx, id)
}

// List lists templates for one entity type, newest first.
func (s *TemplateService) List(ctx context.Context, entityType models.EntityType) ([]*models.WorkflowTemplate, error) {
	return s.store.ListByEntityType(ctx, entityType)
}

// ValidateDraft runs graph validation without persisting anything, for
// designers checking work in progress.
func (s *TemplateService) ValidateDraft(t *models.WorkflowTemplate) models.ValidationErrors {
	return s.validator.Validate(t)
}

// fillGraphIDs assigns ids to stages and transitions the designer left
// blank. Transitions reference stages by id, so only elements that already
// carry client-side ids can be cross-referenced; blank ids are for
// independent additions.
func fillGraphIDs(t *models.WorkflowTemplate) {
	for i := range t.Stages {
		if t.Stages[i].ID == "" {
			t.Stages[i].ID = uuid.New().String()
		}
	}
	for i := range t.Transitions {
		if t.Transitions[i].ID == "" {
			t.Transitions[i].ID = uuid.New().String()
		}
	}
}

// graphChanged reports whether the update touches stages or transitions.
func graphChanged(a, b *models.WorkflowTemplate) bool {
	return !jsonEqual(a.Stages, b.Stages) || !jsonEqual(a.Transitions, b.Transitions)
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
