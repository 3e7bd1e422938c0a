package services

import (
	"fmt"
	"sort"

	"buildflow/backend/pkg/models"
)

// Validator checks a template's stage/transition graph before activation.
// Cycles are permitted (revise loops are common) as long as every stage
// keeps a forward path to an end stage.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every defect found in the template's graph, or nil when
// the graph is sound.
func (v *Validator) Validate(t *models.WorkflowTemplate) models.ValidationErrors {
	return validateGraph(t.Stages, t.Transitions)
}

func validateGraph(stages []models.Stage, transitions []models.Transition) models.ValidationErrors {
	var errs models.ValidationErrors

	stageByID := make(map[string]*models.Stage, len(stages))
	for i := range stages {
		stageByID[stages[i].ID] = &stages[i]
	}

	var startID string
	starts, ends := 0, 0
	for i := range stages {
		switch stages[i].StageType {
		case models.StageTypeStart:
			starts++
			startID = stages[i].ID
		case models.StageTypeEnd:
			ends++
		}
	}
	if starts != 1 {
		errs = append(errs, models.ValidationError{
			Kind:    models.ValidationStartStageCount,
			Message: fmt.Sprintf("template must have exactly one start stage, found %d", starts),
		})
	}
	if ends == 0 {
		errs = append(errs, models.ValidationError{
			Kind:    models.ValidationNoEndStage,
			Message: "template must have at least one end stage",
		})
	}

	// Foreign references invalidate the graph walks below, so collect them
	// first and only walk edges with both endpoints known.
	outgoing := make(map[string][]*models.Transition)
	incoming := make(map[string][]*models.Transition)
	for i := range transitions {
		tr := &transitions[i]
		_, fromOK := stageByID[tr.FromStageID]
		_, toOK := stageByID[tr.ToStageID]
		if !fromOK || !toOK {
			errs = append(errs, models.ValidationError{
				Kind:         models.ValidationForeignStageRef,
				TransitionID: tr.ID,
				Message:      fmt.Sprintf("transition %q references a stage outside this template", tr.Name),
			})
			continue
		}
		outgoing[tr.FromStageID] = append(outgoing[tr.FromStageID], tr)
		incoming[tr.ToStageID] = append(incoming[tr.ToStageID], tr)
	}

	// Deterministic action routing: one transition per (from, action).
	routes := make(map[string]string)
	for i := range transitions {
		tr := &transitions[i]
		key := tr.FromStageID + "|" + string(tr.Action)
		if _, dup := routes[key]; dup {
			errs = append(errs, models.ValidationError{
				Kind:         models.ValidationAmbiguousAction,
				TransitionID: tr.ID,
				StageID:      tr.FromStageID,
				Message:      fmt.Sprintf("duplicate %q transition from the same stage", tr.Action),
			})
			continue
		}
		routes[key] = tr.ID
	}

	for i := range stages {
		s := &stages[i]
		if s.StageType == models.StageTypeEnd {
			continue
		}
		if len(outgoing[s.ID]) == 0 {
			errs = append(errs, models.ValidationError{
				Kind:    models.ValidationDeadEndStage,
				StageID: s.ID,
				Message: fmt.Sprintf("stage %q has no outgoing transitions", s.StageName),
			})
		}
	}

	// A single deterministic path out of start keeps first entry unambiguous.
	if starts == 1 && len(outgoing[startID]) > 1 {
		errs = append(errs, models.ValidationError{
			Kind:    models.ValidationStartFanOut,
			StageID: startID,
			Message: fmt.Sprintf("start stage must have exactly one outgoing transition, found %d", len(outgoing[startID])),
		})
	}

	if starts == 1 {
		reachable := walk(startID, func(id string) []string {
			var next []string
			for _, tr := range outgoing[id] {
				next = append(next, tr.ToStageID)
			}
			return next
		})
		for i := range stages {
			s := &stages[i]
			if s.StageType == models.StageTypeStart {
				continue
			}
			if !reachable[s.ID] {
				errs = append(errs, models.ValidationError{
					Kind:    models.ValidationUnreachableStage,
					StageID: s.ID,
					Message: fmt.Sprintf("stage %q is not reachable from the start stage", s.StageName),
				})
			}
		}
	}

	// Reverse walk from every end stage; anything it misses can never finish.
	reachesEnd := make(map[string]bool)
	for i := range stages {
		if stages[i].StageType != models.StageTypeEnd {
			continue
		}
		for id := range walk(stages[i].ID, func(id string) []string {
			var next []string
			for _, tr := range incoming[id] {
				next = append(next, tr.FromStageID)
			}
			return next
		}) {
			reachesEnd[id] = true
		}
	}
	if ends > 0 {
		for i := range stages {
			s := &stages[i]
			if s.StageType == models.StageTypeEnd {
				continue
			}
			if !reachesEnd[s.ID] {
				errs = append(errs, models.ValidationError{
					Kind:    models.ValidationNoPathToEnd,
					StageID: s.ID,
					Message: fmt.Sprintf("stage %q has no forward path to an end stage", s.StageName),
				})
			}
		}
	}

	// stage_number must be dense 1..N and unique across working stages.
	var numbers []int
	numbered := make(map[int]string)
	for i := range stages {
		s := &stages[i]
		if s.StageType == models.StageTypeStart || s.StageType == models.StageTypeEnd {
			continue
		}
		if prev, dup := numbered[s.StageNumber]; dup {
			errs = append(errs, models.ValidationError{
				Kind:    models.ValidationStageNumbering,
				StageID: s.ID,
				Message: fmt.Sprintf("stage number %d is already used by stage %q", s.StageNumber, prev),
			})
			continue
		}
		numbered[s.StageNumber] = s.StageName
		numbers = append(numbers, s.StageNumber)
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			errs = append(errs, models.ValidationError{
				Kind:    models.ValidationStageNumbering,
				Message: fmt.Sprintf("stage numbers must run 1..%d without gaps", len(numbers)),
			})
			break
		}
	}

	return errs
}

// walk returns the set of node ids reachable from start, inclusive,
// following the given adjacency function.
func walk(start string, next func(string) []string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, n := range next(id) {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return visited
}
