package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/repository"
	"buildflow/backend/pkg/models"
)

func newTestResolver(t *testing.T) (*Resolver, *repository.MemMemberStore, *repository.MemWorkflowStore) {
	t.Helper()
	members := repository.NewMemMemberStore()
	workflows := repository.NewMemWorkflowStore()
	return NewResolver(members, workflows, logging.NewLogger()), members, workflows
}

func instanceInProject(projectID string) *models.WorkflowInstance {
	return &models.WorkflowInstance{ID: "wf-1", ProjectID: projectID}
}

func roleStage(role string) *models.Stage {
	return &models.Stage{
		ID:             "st-1",
		AssignmentRule: &models.AssignmentRule{Type: models.AssignByRole, Role: role},
	}
}

func TestResolveNilRule(t *testing.T) {
	r, _, _ := newTestResolver(t)
	got, err := r.Resolve(context.Background(), &models.Stage{ID: "st-1"}, instanceInProject("proj-1"), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveRole(t *testing.T) {
	r, members, workflows := newTestResolver(t)
	members.AddMember("proj-1", "eng-b", "engineer")
	members.AddMember("proj-1", "eng-a", "engineer")

	t.Run("least loaded wins", func(t *testing.T) {
		// eng-a already carries two active assignments, eng-b none.
		assignee := "eng-a"
		for _, id := range []string{"wf-10", "wf-11"} {
			err := workflows.CreateWithHistory(context.Background(), &models.WorkflowInstance{
				ID: id, EntityType: models.EntityTypeRFI, EntityID: id,
				ProjectID: "proj-1", Status: models.StatusActive, AssignedTo: &assignee,
				Version: 1,
			}, nil)
			require.NoError(t, err)
		}
		got, err := r.Resolve(context.Background(), roleStage("engineer"), instanceInProject("proj-1"), nil)
		require.NoError(t, err)
		assert.Equal(t, "eng-b", got)
	})

	t.Run("tie breaks on user id", func(t *testing.T) {
		members2 := repository.NewMemMemberStore()
		members2.AddMember("proj-1", "eng-b", "engineer")
		members2.AddMember("proj-1", "eng-a", "engineer")
		r2 := NewResolver(members2, repository.NewMemWorkflowStore(), logging.NewLogger())
		got, err := r2.Resolve(context.Background(), roleStage("engineer"), instanceInProject("proj-1"), nil)
		require.NoError(t, err)
		assert.Equal(t, "eng-a", got)
	})

	t.Run("no candidates degrades to unassigned", func(t *testing.T) {
		got, err := r.Resolve(context.Background(), roleStage("architect"), instanceInProject("proj-1"), nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestResolveUser(t *testing.T) {
	r, members, _ := newTestResolver(t)
	members.AddMember("proj-1", "pm-1", "project_manager")

	st := &models.Stage{
		ID:             "st-1",
		AssignmentRule: &models.AssignmentRule{Type: models.AssignByUser, UserID: "pm-1"},
	}
	got, err := r.Resolve(context.Background(), st, instanceInProject("proj-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "pm-1", got)

	t.Run("departed member degrades to unassigned", func(t *testing.T) {
		members.RemoveMember("proj-1", "pm-1")
		got, err := r.Resolve(context.Background(), st, instanceInProject("proj-1"), nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestResolvePrevious(t *testing.T) {
	r, _, _ := newTestResolver(t)
	st := &models.Stage{
		ID:             "st-1",
		AssignmentRule: &models.AssignmentRule{Type: models.AssignByPrevious},
	}
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	history := []*models.HistoryEntry{
		{Action: models.ActionStart, TransitionedBy: "author-1", TransitionedAt: base},
		{Action: models.ActionApprove, TransitionedBy: "reviewer-1", TransitionedAt: base.Add(time.Hour)},
		{Action: models.ActionForward, TransitionedBy: "system", TransitionedAt: base.Add(time.Hour)},
	}

	// The automatic hop is skipped; the approving reviewer is the previous
	// actor.
	got, err := r.Resolve(context.Background(), st, instanceInProject("proj-1"), history)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", got)

	t.Run("only synthetic entries degrades to unassigned", func(t *testing.T) {
		got, err := r.Resolve(context.Background(), st, instanceInProject("proj-1"), []*models.HistoryEntry{
			{Action: models.ActionStart, TransitionedBy: "author-1", TransitionedAt: base},
		})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestResolveUnknownRuleType(t *testing.T) {
	r, _, _ := newTestResolver(t)
	st := &models.Stage{
		ID:             "st-1",
		AssignmentRule: &models.AssignmentRule{Type: "round_robin"},
	}
	_, err := r.Resolve(context.Background(), st, instanceInProject("proj-1"), nil)
	assert.Error(t, err)
}
