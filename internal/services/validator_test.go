package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildflow/backend/pkg/models"
)

func stage(id string, number int, st models.StageType) models.Stage {
	return models.Stage{ID: id, StageNumber: number, StageName: id, StageType: st}
}

func edge(id, from, to string, action models.TransitionAction) models.Transition {
	return models.Transition{ID: id, FromStageID: from, ToStageID: to, Action: action, Name: id}
}

func kinds(errs models.ValidationErrors) []models.ValidationErrorKind {
	out := make([]models.ValidationErrorKind, len(errs))
	for i, e := range errs {
		out[i] = e.Kind
	}
	return out
}

func TestValidateSoundGraph(t *testing.T) {
	v := NewValidator()
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("review", 1, models.StageTypeReview),
			stage("approval", 2, models.StageTypeApproval),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "review", models.ActionForward),
			edge("t2", "review", "approval", models.ActionApprove),
			edge("t3", "review", "end", models.ActionReject),
			edge("t4", "approval", "end", models.ActionApprove),
		},
	}
	assert.Empty(t, v.Validate(tmpl))
}

func TestValidateReviseCycleIsAllowed(t *testing.T) {
	v := NewValidator()
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("review", 1, models.StageTypeReview),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "review", models.ActionForward),
			edge("t2", "review", "review", models.ActionRevise),
			edge("t3", "review", "end", models.ActionApprove),
		},
	}
	assert.Empty(t, v.Validate(tmpl))
}

func TestValidateStartStageCount(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("s1", 0, models.StageTypeStart),
			stage("s2", 0, models.StageTypeStart),
			stage("end", 0, models.StageTypeEnd),
		},
	}
	errs := NewValidator().Validate(tmpl)
	assert.Contains(t, kinds(errs), models.ValidationStartStageCount)
}

func TestValidateNoEndStage(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("review", 1, models.StageTypeReview),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "review", models.ActionForward),
			edge("t2", "review", "review", models.ActionRevise),
		},
	}
	errs := NewValidator().Validate(tmpl)
	assert.Contains(t, kinds(errs), models.ValidationNoEndStage)
}

func TestValidateStartFanOut(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("a", 1, models.StageTypeReview),
			stage("b", 2, models.StageTypeReview),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "a", models.ActionForward),
			edge("t2", "start", "b", models.ActionApprove),
			edge("t3", "a", "end", models.ActionApprove),
			edge("t4", "b", "end", models.ActionApprove),
		},
	}
	errs := NewValidator().Validate(tmpl)
	assert.Contains(t, kinds(errs), models.ValidationStartFanOut)
}

func TestValidateDeadEndStage(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("review", 1, models.StageTypeReview),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "review", models.ActionForward),
		},
	}
	errs := NewValidator().Validate(tmpl)
	got := kinds(errs)
	assert.Contains(t, got, models.ValidationDeadEndStage)
	assert.Contains(t, got, models.ValidationUnreachableStage) // the orphaned end
}

func TestValidateUnreachableStage(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("review", 1, models.StageTypeReview),
			stage("island", 2, models.StageTypeReview),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "review", models.ActionForward),
			edge("t2", "review", "end", models.ActionApprove),
			edge("t3", "island", "end", models.ActionApprove),
		},
	}
	errs := NewValidator().Validate(tmpl)
	require.NotEmpty(t, errs)
	var found *models.ValidationError
	for i := range errs {
		if errs[i].Kind == models.ValidationUnreachableStage {
			found = &errs[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "island", found.StageID)
}

func TestValidateNoPathToEnd(t *testing.T) {
	// b is reachable and has an outgoing edge, but can only loop on itself.
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("a", 1, models.StageTypeReview),
			stage("b", 2, models.StageTypeReview),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "a", models.ActionForward),
			edge("t2", "a", "end", models.ActionApprove),
			edge("t3", "a", "b", models.ActionForward),
			edge("t4", "b", "b", models.ActionRevise),
		},
	}
	errs := NewValidator().Validate(tmpl)
	var found *models.ValidationError
	for i := range errs {
		if errs[i].Kind == models.ValidationNoPathToEnd {
			found = &errs[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "b", found.StageID)
}

func TestValidateForeignStageReference(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("review", 1, models.StageTypeReview),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "review", models.ActionForward),
			edge("t2", "review", "end", models.ActionApprove),
			edge("t3", "review", "elsewhere", models.ActionForward),
		},
	}
	errs := NewValidator().Validate(tmpl)
	assert.Contains(t, kinds(errs), models.ValidationForeignStageRef)
}

func TestValidateAmbiguousActionRouting(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("start", 0, models.StageTypeStart),
			stage("review", 1, models.StageTypeReview),
			stage("a", 2, models.StageTypeApproval),
			stage("end", 0, models.StageTypeEnd),
		},
		Transitions: []models.Transition{
			edge("t1", "start", "review", models.ActionForward),
			edge("t2", "review", "a", models.ActionApprove),
			edge("t3", "review", "end", models.ActionApprove),
			edge("t4", "a", "end", models.ActionApprove),
		},
	}
	errs := NewValidator().Validate(tmpl)
	assert.Contains(t, kinds(errs), models.ValidationAmbiguousAction)
}

func TestValidateStageNumbering(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		tmpl := &models.WorkflowTemplate{
			Stages: []models.Stage{
				stage("start", 0, models.StageTypeStart),
				stage("a", 1, models.StageTypeReview),
				stage("b", 1, models.StageTypeReview),
				stage("end", 0, models.StageTypeEnd),
			},
			Transitions: []models.Transition{
				edge("t1", "start", "a", models.ActionForward),
				edge("t2", "a", "b", models.ActionApprove),
				edge("t3", "b", "end", models.ActionApprove),
			},
		}
		errs := NewValidator().Validate(tmpl)
		assert.Contains(t, kinds(errs), models.ValidationStageNumbering)
	})

	t.Run("gap", func(t *testing.T) {
		tmpl := &models.WorkflowTemplate{
			Stages: []models.Stage{
				stage("start", 0, models.StageTypeStart),
				stage("a", 1, models.StageTypeReview),
				stage("b", 3, models.StageTypeReview),
				stage("end", 0, models.StageTypeEnd),
			},
			Transitions: []models.Transition{
				edge("t1", "start", "a", models.ActionForward),
				edge("t2", "a", "b", models.ActionApprove),
				edge("t3", "b", "end", models.ActionApprove),
			},
		}
		errs := NewValidator().Validate(tmpl)
		assert.Contains(t, kinds(errs), models.ValidationStageNumbering)
	})
}

func TestValidateCollectsMultipleDefects(t *testing.T) {
	tmpl := &models.WorkflowTemplate{
		Stages: []models.Stage{
			stage("review", 1, models.StageTypeReview),
		},
	}
	errs := NewValidator().Validate(tmpl)
	got := kinds(errs)
	assert.Contains(t, got, models.ValidationStartStageCount)
	assert.Contains(t, got, models.ValidationNoEndStage)
	assert.Contains(t, got, models.ValidationDeadEndStage)
}
