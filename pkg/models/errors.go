package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine's error taxonomy. The HTTP layer maps these
// onto problem responses; service callers match them with errors.Is.
var (
	// Not-found errors.
	ErrTemplateNotFound = errors.New("workflow template not found")
	ErrWorkflowNotFound = errors.New("workflow not found")

	// Validation errors.
	ErrCommentsRequired   = errors.New("comments are required for this action")
	ErrUnknownTransition  = errors.New("transition is not available from the current stage")
	ErrTemplateNotActive  = errors.New("workflow template is not active")
	ErrEntityTypeMismatch = errors.New("template does not apply to this entity type")

	// Concurrency errors, recoverable by retrying with fresh state.
	ErrVersionConflict = errors.New("workflow was modified by another request")

	// Authorization errors.
	ErrNotAssignee       = errors.New("actor is not the assignee for the current stage")
	ErrMissingCapability = errors.New("actor lacks the required capability")

	// Structural guards. Fatal to the operation, never to existing state.
	ErrTemplateLocked          = errors.New("template is bound to active workflows")
	ErrNoDefaultTemplate       = errors.New("no active default template for entity type")
	ErrDuplicateActiveWorkflow = errors.New("an active workflow already exists for this entity")
	ErrAutomaticTransitionLoop = errors.New("automatic transitions exceeded the hop limit")
	ErrWorkflowNotActive       = errors.New("workflow is no longer active")
)

// ValidationErrorKind identifies one class of template-graph defect.
type ValidationErrorKind string

const (
	ValidationStartStageCount  ValidationErrorKind = "start_stage_count"
	ValidationNoEndStage       ValidationErrorKind = "no_end_stage"
	ValidationStartFanOut      ValidationErrorKind = "start_fan_out"
	ValidationDeadEndStage     ValidationErrorKind = "dead_end_stage"
	ValidationUnreachableStage ValidationErrorKind = "unreachable_stage"
	ValidationNoPathToEnd      ValidationErrorKind = "no_path_to_end"
	ValidationForeignStageRef  ValidationErrorKind = "foreign_stage_reference"
	ValidationStageNumbering   ValidationErrorKind = "stage_number_not_dense"
	ValidationAmbiguousAction  ValidationErrorKind = "ambiguous_action_routing"
)

// ValidationError is a single defect found in a template graph.
type ValidationError struct {
	Kind         ValidationErrorKind `json:"kind"`
	StageID      string              `json:"stage_id,omitempty"`
	TransitionID string              `json:"transition_id,omitempty"`
	Message      string              `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationErrors aggregates every defect found in one validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "template validation failed: " + strings.Join(msgs, "; ")
}
