// Package models defines the domain models for the approval-workflow engine
package models

import (
	"time"
)

// EntityType identifies the kind of project record a workflow reviews.
type EntityType string

const (
	EntityTypeSubmittal   EntityType = "submittal"
	EntityTypeRFI         EntityType = "rfi"
	EntityTypeChangeOrder EntityType = "change_order"
)

// Valid reports whether the entity type is one of the known kinds.
func (e EntityType) Valid() bool {
	switch e {
	case EntityTypeSubmittal, EntityTypeRFI, EntityTypeChangeOrder:
		return true
	}
	return false
}

// StageType classifies a node in the template graph.
type StageType string

const (
	StageTypeStart    StageType = "start"
	StageTypeEnd      StageType = "end"
	StageTypeApproval StageType = "approval"
	StageTypeReview   StageType = "review"
	StageTypeNotify   StageType = "notify"
	StageTypeDecision StageType = "decision"
)

// TransitionAction is the closed set of actions that can move a workflow
// between stages. ActionStart and ActionCancel are system actions that only
// appear in history entries, never on template transitions.
type TransitionAction string

const (
	ActionApprove TransitionAction = "approve"
	ActionReject  TransitionAction = "reject"
	ActionRevise  TransitionAction = "revise"
	ActionForward TransitionAction = "forward"
	ActionReturn  TransitionAction = "return"

	ActionStart  TransitionAction = "start"
	ActionCancel TransitionAction = "cancel"
)

// RequiresComments reports whether the action must carry a reviewer comment.
func (a TransitionAction) RequiresComments() bool {
	return a == ActionReject || a == ActionRevise
}

// AssignmentType discriminates the assignment rule variants.
type AssignmentType string

const (
	AssignByRole     AssignmentType = "role"
	AssignByUser     AssignmentType = "user"
	AssignByPrevious AssignmentType = "previous"
)

// AssignmentRule picks who is responsible for acting at a stage.
type AssignmentRule struct {
	Type   AssignmentType `json:"type"`
	Role   string         `json:"role,omitempty"`
	UserID string         `json:"user_id,omitempty"`
}

// Stage is one node in a workflow template's graph.
type Stage struct {
	ID             string             `json:"id"`
	StageNumber    int                `json:"stage_number"`
	StageName      string             `json:"stage_name"`
	StageType      StageType          `json:"stage_type"`
	SLAHours       int                `json:"sla_hours"`
	AssignmentRule *AssignmentRule    `json:"assignment_rule,omitempty"`
	AllowedActions []TransitionAction `json:"allowed_actions,omitempty"`
}

// Allows reports whether the given action is in the stage's allowed set.
func (s *Stage) Allows(action TransitionAction) bool {
	for _, a := range s.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Transition is a directed, named edge between two stages.
type Transition struct {
	ID          string           `json:"id"`
	FromStageID string           `json:"from_stage_id"`
	ToStageID   string           `json:"to_stage_id"`
	Action      TransitionAction `json:"transition_action"`
	Name        string           `json:"transition_name"`
	IsAutomatic bool             `json:"is_automatic"`
}

// WorkflowTemplate is a designer-built stage graph for one entity type.
// Stages and Transitions are kept as ordered slices; slice order is the
// designer's insertion order, which the engine relies on for deterministic
// routing.
type WorkflowTemplate struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	EntityType  EntityType   `json:"entity_type"`
	Description string       `json:"description"`
	IsActive    bool         `json:"is_active"`
	IsDefault   bool         `json:"is_default"`
	Stages      []Stage      `json:"stages"`
	Transitions []Transition `json:"transitions"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TemplateSnapshot is the immutable copy of a template's graph bound to an
// instance at start time. Later template edits never touch a snapshot.
type TemplateSnapshot struct {
	TemplateID  string       `json:"template_id"`
	Name        string       `json:"name"`
	Stages      []Stage      `json:"stages"`
	Transitions []Transition `json:"transitions"`
}

// SnapshotOf deep-copies a template's graph into a snapshot.
func SnapshotOf(t *WorkflowTemplate) TemplateSnapshot {
	snap := TemplateSnapshot{
		TemplateID:  t.ID,
		Name:        t.Name,
		Stages:      make([]Stage, len(t.Stages)),
		Transitions: make([]Transition, len(t.Transitions)),
	}
	for i, s := range t.Stages {
		cp := s
		if s.AssignmentRule != nil {
			rule := *s.AssignmentRule
			cp.AssignmentRule = &rule
		}
		cp.AllowedActions = append([]TransitionAction(nil), s.AllowedActions...)
		snap.Stages[i] = cp
	}
	copy(snap.Transitions, t.Transitions)
	return snap
}

// StageByID returns the stage with the given id, or nil. Graphs are small
// enough that a linear scan beats maintaining an index on every copy.
func (s *TemplateSnapshot) StageByID(id string) *Stage {
	for i := range s.Stages {
		if s.Stages[i].ID == id {
			return &s.Stages[i]
		}
	}
	return nil
}

// StartStage returns the template's start stage, or nil.
func (s *TemplateSnapshot) StartStage() *Stage {
	for i := range s.Stages {
		if s.Stages[i].StageType == StageTypeStart {
			return &s.Stages[i]
		}
	}
	return nil
}

// TransitionByID returns the transition with the given id, or nil.
func (s *TemplateSnapshot) TransitionByID(id string) *Transition {
	for i := range s.Transitions {
		if s.Transitions[i].ID == id {
			return &s.Transitions[i]
		}
	}
	return nil
}

// TransitionsFrom returns the outgoing transitions of a stage in insertion
// order.
func (s *TemplateSnapshot) TransitionsFrom(stageID string) []Transition {
	var out []Transition
	for _, t := range s.Transitions {
		if t.FromStageID == stageID {
			out = append(out, t)
		}
	}
	return out
}

// InstanceStatus is the lifecycle state of a workflow instance. Any status
// other than active is terminal.
type InstanceStatus string

const (
	StatusActive    InstanceStatus = "active"
	StatusCompleted InstanceStatus = "completed"
	StatusRejected  InstanceStatus = "rejected"
	StatusCancelled InstanceStatus = "cancelled"
)

// WorkflowInstance is a live execution of a template against one entity.
type WorkflowInstance struct {
	ID                    string           `json:"id"`
	TemplateID            string           `json:"template_id"`
	Snapshot              TemplateSnapshot `json:"snapshot"`
	EntityType            EntityType       `json:"entity_type"`
	EntityID              string           `json:"entity_id"`
	ProjectID             string           `json:"project_id"`
	Status                InstanceStatus   `json:"status"`
	CurrentStageID        string           `json:"current_stage_id"`
	CurrentStageEnteredAt time.Time        `json:"current_stage_entered_at"`
	CurrentStageDueDate   *time.Time       `json:"current_stage_due_date,omitempty"`
	AssignedTo            *string          `json:"assigned_to,omitempty"`
	StartedAt             time.Time        `json:"started_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	CompletedWithinSLA    *bool            `json:"completed_within_sla,omitempty"`
	Version               int              `json:"version"`
}

// Terminal reports whether the instance has left the active state.
func (w *WorkflowInstance) Terminal() bool {
	return w.Status != StatusActive
}

// CurrentStage returns the stage the instance currently occupies.
func (w *WorkflowInstance) CurrentStage() *Stage {
	return w.Snapshot.StageByID(w.CurrentStageID)
}

// HistoryEntry is one append-only audit record of a transition. Seq is the
// ledger insertion sequence, assigned by the store, and orders entries that
// share a timestamp.
type HistoryEntry struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	FromStageID    string            `json:"from_stage_id"`
	ToStageID      string            `json:"to_stage_id"`
	Action         TransitionAction  `json:"transition_action"`
	TransitionedBy string            `json:"transitioned_by"`
	TransitionedAt time.Time         `json:"transitioned_at"`
	Comments       *string           `json:"comments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Seq            int64             `json:"seq"`
}

// Urgency is the derived deadline classification of an active instance.
type Urgency string

const (
	UrgencyNone    Urgency = "none"
	UrgencyOverdue Urgency = "overdue"
	UrgencyDueSoon Urgency = "due_soon"
	UrgencyOnTrack Urgency = "on_track"
)

// Task is a workflow instance decorated with its urgency tier for the
// my-tasks queue.
type Task struct {
	*WorkflowInstance
	Urgency Urgency `json:"urgency"`
}
