package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/repository"
	"buildflow/backend/pkg/models"
)

// maxAutoHops bounds the automatic-transition loop so a mis-designed notify
// cycle fails fast instead of hanging.
const maxAutoHops = 64

// systemActor is recorded on history entries written by automatic
// transitions.
const systemActor = "system"

// Engine creates and advances workflow instances against validated
// templates. Each instance is an independent unit of state; concurrent
// transitions on the same instance are serialized by the optimistic version
// check, and callers retry on ErrVersionConflict.
type Engine struct {
	templates repository.TemplateStore
	workflows repository.WorkflowStore
	history   repository.HistoryStore
	resolver  *Resolver
	notifier  Notifier
	logger    *logging.Logger
	now       func() time.Time

	started     metric.Int64Counter
	transitions metric.Int64Counter
}

// NewEngine creates a new Engine.
func NewEngine(templates repository.TemplateStore, workflows repository.WorkflowStore, history repository.HistoryStore, resolver *Resolver, notifier Notifier, logger *logging.Logger) *Engine {
	meter := otel.Meter("buildflow/backend/workflow")
	started, _ := meter.Int64Counter("workflow.instances.started")
	transitions, _ := meter.Int64Counter("workflow.transitions.applied")
	return &Engine{
		templates:   templates,
		workflows:   workflows,
		history:     history,
		resolver:    resolver,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		started:     started,
		transitions: transitions,
	}
}

// StartWorkflowParams identifies what to start a workflow for. TemplateID is
// optional; when empty the active default template for the entity type is
// used.
type StartWorkflowParams struct {
	TemplateID string
	EntityType models.EntityType
	EntityID   string
	ProjectID  string
}

// StartWorkflow binds a template snapshot to a new instance and advances it
// to its first stable stage.
func (e *Engine) StartWorkflow(ctx context.Context, p StartWorkflowParams, actor models.Actor) (*models.WorkflowInstance, error) {
	if !actor.Can(models.CapStartWorkflow) {
		return nil, models.ErrMissingCapability
	}

	tmpl, err := e.pickTemplate(ctx, p)
	if err != nil {
		return nil, err
	}

	existing, err := e.workflows.ActiveForEntity(ctx, p.EntityType, p.EntityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, models.ErrDuplicateActiveWorkflow
	}

	snap := models.SnapshotOf(tmpl)
	start := snap.StartStage()
	if start == nil {
		return nil, fmt.Errorf("template %s has no start stage", tmpl.ID)
	}
	outgoing := snap.TransitionsFrom(start.ID)
	if len(outgoing) == 0 {
		return nil, fmt.Errorf("template %s has no transition out of the start stage", tmpl.ID)
	}
	// Legacy templates may still have several edges out of start; first by
	// insertion order keeps the entry deterministic.
	first := outgoing[0]

	now := e.now()
	inst := &models.WorkflowInstance{
		ID:                    uuid.New().String(),
		TemplateID:            tmpl.ID,
		Snapshot:              snap,
		EntityType:            p.EntityType,
		EntityID:              p.EntityID,
		ProjectID:             p.ProjectID,
		Status:                models.StatusActive,
		CurrentStageID:        first.ToStageID,
		CurrentStageEnteredAt: now,
		StartedAt:             now,
		Version:               1,
	}

	run := &transitionRun{inst: inst}
	run.append(&models.HistoryEntry{
		ID:             uuid.New().String(),
		WorkflowID:     inst.ID,
		FromStageID:    start.ID,
		ToStageID:      first.ToStageID,
		Action:         models.ActionStart,
		TransitionedBy: actor.UserID,
		TransitionedAt: now,
	})

	if err := e.settle(ctx, run, first.Action); err != nil {
		return nil, err
	}
	if err := e.workflows.CreateWithHistory(ctx, inst, run.pending); err != nil {
		return nil, err
	}
	e.publish(ctx, run.notes)
	e.started.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", string(p.EntityType))))
	e.logger.Info("workflow started", "workflow_id", inst.ID, "entity_type", inst.EntityType, "entity_id", inst.EntityID)
	return inst, nil
}

// ListAvailableTransitions returns the transitions the actor may fire from
// the instance's current stage. A caller who is not the assignee gets an
// empty list, not an error.
func (e *Engine) ListAvailableTransitions(ctx context.Context, workflowID string, actor models.Actor) ([]models.Transition, error) {
	inst, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return []models.Transition{}, nil
	}
	if !e.isAssignee(inst, actor) && !actor.Can(models.CapOverrideAssignee) {
		return []models.Transition{}, nil
	}

	stage := inst.CurrentStage()
	if stage == nil {
		return nil, fmt.Errorf("stage %s not found in bound template", inst.CurrentStageID)
	}
	available := []models.Transition{}
	for _, tr := range inst.Snapshot.TransitionsFrom(stage.ID) {
		if tr.IsAutomatic {
			continue
		}
		if stage.Allows(tr.Action) {
			available = append(available, tr)
		}
	}
	return available, nil
}

// ApplyTransition fires one transition on behalf of the actor. On success
// the instance state and the appended history entries commit atomically;
// every failure leaves the instance untouched.
func (e *Engine) ApplyTransition(ctx context.Context, workflowID, transitionID, comments string, actor models.Actor, expectedVersion int) (*models.WorkflowInstance, error) {
	inst, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return nil, models.ErrWorkflowNotActive
	}
	if expectedVersion != inst.Version {
		return nil, models.ErrVersionConflict
	}
	if !e.isAssignee(inst, actor) && !actor.Can(models.CapOverrideAssignee) {
		return nil, models.ErrNotAssignee
	}

	tr := inst.Snapshot.TransitionByID(transitionID)
	if tr == nil || tr.FromStageID != inst.CurrentStageID {
		return nil, models.ErrUnknownTransition
	}
	stage := inst.CurrentStage()
	if stage == nil || !stage.Allows(tr.Action) {
		return nil, models.ErrUnknownTransition
	}
	trimmed := strings.TrimSpace(comments)
	if tr.Action.RequiresComments() && trimmed == "" {
		return nil, models.ErrCommentsRequired
	}

	prior, err := e.history.ListForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	run := &transitionRun{inst: inst, ledger: prior}

	now := e.now()
	var commentsPtr *string
	if trimmed != "" {
		commentsPtr = &comments
	}
	run.append(&models.HistoryEntry{
		ID:             uuid.New().String(),
		WorkflowID:     inst.ID,
		FromStageID:    inst.CurrentStageID,
		ToStageID:      tr.ToStageID,
		Action:         tr.Action,
		TransitionedBy: actor.UserID,
		TransitionedAt: now,
		Comments:       commentsPtr,
	})
	inst.CurrentStageID = tr.ToStageID
	inst.CurrentStageEnteredAt = now
	inst.Version++

	if err := e.settle(ctx, run, tr.Action); err != nil {
		return nil, err
	}
	if err := e.workflows.CommitTransition(ctx, inst, expectedVersion, run.pending); err != nil {
		return nil, err
	}
	e.publish(ctx, run.notes)
	e.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(tr.Action))))
	return inst, nil
}

// CancelWorkflow terminates an active instance outside the graph. It is a
// privileged operation, permitted from any active state.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID, reason string, actor models.Actor) (*models.WorkflowInstance, error) {
	if !actor.Can(models.CapCancelWorkflow) {
		return nil, models.ErrMissingCapability
	}
	inst, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return nil, models.ErrWorkflowNotActive
	}

	now := e.now()
	var comments *string
	if strings.TrimSpace(reason) != "" {
		comments = &reason
	}
	entry := &models.HistoryEntry{
		ID:             uuid.New().String(),
		WorkflowID:     inst.ID,
		FromStageID:    inst.CurrentStageID,
		ToStageID:      inst.CurrentStageID,
		Action:         models.ActionCancel,
		TransitionedBy: actor.UserID,
		TransitionedAt: now,
		Comments:       comments,
	}

	expected := inst.Version
	inst.Status = models.StatusCancelled
	inst.CompletedAt = &now
	inst.CurrentStageDueDate = nil
	inst.AssignedTo = nil
	inst.Version++

	if err := e.workflows.CommitTransition(ctx, inst, expected, []*models.HistoryEntry{entry}); err != nil {
		return nil, err
	}
	e.publish(ctx, []*models.Notification{{
		Kind:       models.NotifyCancelled,
		WorkflowID: inst.ID,
		ProjectID:  inst.ProjectID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Message:    reason,
		CreatedAt:  now,
	}})
	e.logger.Info("workflow cancelled", "workflow_id", inst.ID, "by", actor.UserID)
	return inst, nil
}

// GetWorkflow retrieves one instance by id.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*models.WorkflowInstance, error) {
	return e.workflows.Get(ctx, workflowID)
}

// WorkflowForEntity returns the active instance for an entity, or nil.
func (e *Engine) WorkflowForEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.WorkflowInstance, error) {
	return e.workflows.ActiveForEntity(ctx, entityType, entityID)
}

// History returns a workflow's full audit trail.
func (e *Engine) History(ctx context.Context, workflowID string) ([]*models.HistoryEntry, error) {
	if _, err := e.workflows.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.history.ListForWorkflow(ctx, workflowID)
}

func (e *Engine) pickTemplate(ctx context.Context, p StartWorkflowParams) (*models.WorkflowTemplate, error) {
	if p.TemplateID == "" {
		tmpl, err := e.templates.GetDefault(ctx, p.EntityType)
		if err != nil {
			return nil, err
		}
		if tmpl == nil {
			return nil, models.ErrNoDefaultTemplate
		}
		return tmpl, nil
	}

	tmpl, err := e.templates.Get(ctx, p.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return nil, models.ErrTemplateNotActive
	}
	if tmpl.EntityType != p.EntityType {
		return nil, models.ErrEntityTypeMismatch
	}
	return tmpl, nil
}

func (e *Engine) isAssignee(inst *models.WorkflowInstance, actor models.Actor) bool {
	return inst.AssignedTo != nil && *inst.AssignedTo == actor.UserID
}

// transitionRun accumulates the state of one start or transition operation
// before it commits: the full ledger (committed entries plus pending ones,
// needed by assignment resolution and SLA math) and the pending entries that
// will be appended atomically with the instance write.
type transitionRun struct {
	inst    *models.WorkflowInstance
	ledger  []*models.HistoryEntry
	pending []*models.HistoryEntry
	notes   []*models.Notification
}

func (r *transitionRun) append(e *models.HistoryEntry) {
	r.ledger = append(r.ledger, e)
	r.pending = append(r.pending, e)
}

// settle drives the instance from the stage it just entered to its first
// stable stage: it computes the due date, resolves assignment, and fires
// automatic transitions until none apply. lastAction tracks the action that
// moved the instance into its current stage so completion status can be
// derived when an end stage is reached.
func (e *Engine) settle(ctx context.Context, run *transitionRun, lastAction models.TransitionAction) error {
	inst := run.inst
	for hops := 0; ; hops++ {
		if hops >= maxAutoHops {
			return models.ErrAutomaticTransitionLoop
		}
		stage := inst.CurrentStage()
		if stage == nil {
			return fmt.Errorf("stage %s not found in bound template", inst.CurrentStageID)
		}
		if stage.StageType == models.StageTypeEnd {
			e.finalize(run, lastAction)
			return nil
		}

		inst.CurrentStageDueDate = nil
		if stage.SLAHours > 0 {
			due := inst.CurrentStageEnteredAt.Add(time.Duration(stage.SLAHours) * time.Hour)
			inst.CurrentStageDueDate = &due
		}

		assignee, err := e.resolver.Resolve(ctx, stage, inst, run.ledger)
		if err != nil {
			// Resolution failures degrade to unassigned; the state machine
			// must never deadlock on a bad rule.
			e.logger.Error("assignment resolution failed", "workflow_id", inst.ID, "stage_id", stage.ID, "error", err)
			assignee = ""
		}
		if assignee == "" {
			inst.AssignedTo = nil
			if stage.AssignmentRule != nil {
				run.notes = append(run.notes, &models.Notification{
					Kind:       models.NotifyAssignmentFailed,
					WorkflowID: inst.ID,
					ProjectID:  inst.ProjectID,
					EntityType: inst.EntityType,
					EntityID:   inst.EntityID,
					StageID:    stage.ID,
					StageName:  stage.StageName,
					Message:    "no assignee could be resolved for this stage",
					CreatedAt:  e.now(),
				})
			}
		} else {
			inst.AssignedTo = &assignee
			run.notes = append(run.notes, &models.Notification{
				Kind:       models.NotifyAssigned,
				WorkflowID: inst.ID,
				ProjectID:  inst.ProjectID,
				EntityType: inst.EntityType,
				EntityID:   inst.EntityID,
				StageID:    stage.ID,
				StageName:  stage.StageName,
				Recipient:  &assignee,
				CreatedAt:  e.now(),
			})
		}

		auto := firstAutomatic(inst.Snapshot.TransitionsFrom(stage.ID))
		if auto == nil {
			return nil
		}

		ts := e.now()
		run.append(&models.HistoryEntry{
			ID:             uuid.New().String(),
			WorkflowID:     inst.ID,
			FromStageID:    stage.ID,
			ToStageID:      auto.ToStageID,
			Action:         auto.Action,
			TransitionedBy: systemActor,
			TransitionedAt: ts,
		})
		inst.CurrentStageID = auto.ToStageID
		inst.CurrentStageEnteredAt = ts
		inst.Version++
		lastAction = auto.Action
	}
}

// finalize terminates the instance on reaching an end stage. Reject-family
// actions end rejected; everything else ends completed.
func (e *Engine) finalize(run *transitionRun, terminalAction models.TransitionAction) {
	inst := run.inst
	completedAt := run.ledger[len(run.ledger)-1].TransitionedAt

	kind := models.NotifyCompleted
	inst.Status = models.StatusCompleted
	if terminalAction == models.ActionReject {
		inst.Status = models.StatusRejected
		kind = models.NotifyRejected
	}
	inst.CompletedAt = &completedAt
	inst.CurrentStageDueDate = nil
	inst.AssignedTo = nil

	within := e.withinSLA(inst, run.ledger)
	inst.CompletedWithinSLA = &within

	run.notes = append(run.notes, &models.Notification{
		Kind:       kind,
		WorkflowID: inst.ID,
		ProjectID:  inst.ProjectID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		CreatedAt:  completedAt,
	})
}

// withinSLA reports whether every stage the instance passed through was
// cleared within its SLA budget. The dwell time of a stage is the gap
// between the entry that moved into it and the entry that moved out.
func (e *Engine) withinSLA(inst *models.WorkflowInstance, ledger []*models.HistoryEntry) bool {
	for i := 0; i < len(ledger)-1; i++ {
		stage := inst.Snapshot.StageByID(ledger[i].ToStageID)
		if stage == nil || stage.SLAHours == 0 {
			continue
		}
		dwell := ledger[i+1].TransitionedAt.Sub(ledger[i].TransitionedAt)
		if dwell > time.Duration(stage.SLAHours)*time.Hour {
			return false
		}
	}
	return true
}

func (e *Engine) publish(ctx context.Context, notes []*models.Notification) {
	for _, n := range notes {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Error("failed to publish notification", "kind", n.Kind, "workflow_id", n.WorkflowID, "error", err)
		}
	}
}

func firstAutomatic(transitions []models.Transition) *models.Transition {
	for i := range transitions {
		if transitions[i].IsAutomatic {
			return &transitions[i]
		}
	}
	return nil
}
