package services

import (
	"context"
	"fmt"

	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/repository"
	"buildflow/backend/pkg/models"
)

// Resolver computes who is responsible for acting at a stage. Resolution
// failures degrade to an unassigned stage plus a notification; they never
// block the state machine.
type Resolver struct {
	members   repository.MemberStore
	workflows repository.WorkflowStore
	logger    *logging.Logger
}

// NewResolver creates a new Resolver.
func NewResolver(members repository.MemberStore, workflows repository.WorkflowStore, logger *logging.Logger) *Resolver {
	return &Resolver{members: members, workflows: workflows, logger: logger}
}

// Resolve returns the user responsible for the stage, or "" when the stage
// is unassigned. history is the instance's ledger so far, including entries
// not yet committed; the previous-actor rule reads it instead of the store
// so resolution stays consistent inside an uncommitted transition.
func (r *Resolver) Resolve(ctx context.Context, stage *models.Stage, inst *models.WorkflowInstance, history []*models.HistoryEntry) (string, error) {
	rule := stage.AssignmentRule
	if rule == nil {
		return "", nil
	}

	switch rule.Type {
	case models.AssignByRole:
		return r.resolveRole(ctx, rule.Role, inst.ProjectID)

	case models.AssignByUser:
		member, err := r.members.IsMember(ctx, inst.ProjectID, rule.UserID)
		if err != nil {
			return "", err
		}
		if !member {
			return "", nil
		}
		return rule.UserID, nil

	case models.AssignByPrevious:
		// The most recent user action is the actor at the previous stage.
		// Synthetic entries (start, cancel) and automatic hops don't count.
		for i := len(history) - 1; i >= 0; i-- {
			switch history[i].Action {
			case models.ActionStart, models.ActionCancel:
				continue
			}
			if history[i].TransitionedBy == systemActor {
				continue
			}
			return history[i].TransitionedBy, nil
		}
		return "", nil

	default:
		return "", fmt.Errorf("unknown assignment rule type %q", rule.Type)
	}
}

// resolveRole picks the least-loaded member holding the role, tie-breaking
// by user id so resolution is deterministic.
func (r *Resolver) resolveRole(ctx context.Context, role, projectID string) (string, error) {
	candidates, err := r.members.ListByRole(ctx, projectID, role)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	counts, err := r.workflows.CountActiveAssignments(ctx, candidates)
	if err != nil {
		return "", err
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if counts[c] < counts[best] {
			best = c
		}
	}
	return best, nil
}
