package services

import (
	"context"
	"sort"
	"time"

	"buildflow/backend/internal/repository"
	"buildflow/backend/pkg/models"
)

// Analytics answers reporting queries over finished instances and the
// history ledger. Everything is computed on read; at the volumes a single
// project produces there is nothing worth materializing.
type Analytics struct {
	workflows repository.WorkflowStore
	history   repository.HistoryStore
}

// NewAnalytics creates a new Analytics service.
func NewAnalytics(workflows repository.WorkflowStore, history repository.HistoryStore) *Analytics {
	return &Analytics{workflows: workflows, history: history}
}

// Window is a half-open [From, To) reporting interval.
type Window struct {
	From time.Time
	To   time.Time
}

// StageDwell is the aggregate time instances spend in one stage, keyed by
// stage name so the same stage across template versions rolls up together.
type StageDwell struct {
	StageName string  `json:"stage_name"`
	AvgHours  float64 `json:"avg_hours"`
	Samples   int     `json:"samples"`
}

// SLAComplianceRate returns the percentage of workflows finished inside the
// window that cleared every stage within its SLA. projectID narrows the
// population when non-empty. Returns 0 for an empty window.
func (a *Analytics) SLAComplianceRate(ctx context.Context, projectID string, w Window) (float64, error) {
	finished, err := a.workflows.ListFinishedBetween(ctx, projectID, "", w.From, w.To)
	if err != nil {
		return 0, err
	}
	if len(finished) == 0 {
		return 0, nil
	}
	compliant := 0
	for _, inst := range finished {
		if inst.CompletedWithinSLA != nil && *inst.CompletedWithinSLA {
			compliant++
		}
	}
	return float64(compliant) / float64(len(finished)) * 100, nil
}

// AvgCompletionTime returns the mean start-to-finish duration, in days, of
// workflows finished inside the window. entityType narrows the population
// when non-empty. Returns 0 for an empty window.
func (a *Analytics) AvgCompletionTime(ctx context.Context, entityType models.EntityType, w Window) (float64, error) {
	finished, err := a.workflows.ListFinishedBetween(ctx, "", entityType, w.From, w.To)
	if err != nil {
		return 0, err
	}
	if len(finished) == 0 {
		return 0, nil
	}
	var total time.Duration
	for _, inst := range finished {
		total += inst.CompletedAt.Sub(inst.StartedAt)
	}
	avg := total / time.Duration(len(finished))
	return avg.Hours() / 24, nil
}

// StageBottlenecks returns the average dwell time per stage over every
// transition recorded inside the window, slowest stage first. The dwell of a
// stage is the gap between the ledger entry that moved into it and the entry
// that moved out; open stages (entered but not yet left) are excluded.
func (a *Analytics) StageBottlenecks(ctx context.Context, w Window) ([]StageDwell, error) {
	entries, err := a.history.ListBetween(ctx, w.From, w.To)
	if err != nil {
		return nil, err
	}

	byWorkflow := make(map[string][]*models.HistoryEntry)
	var order []string
	for _, e := range entries {
		if _, seen := byWorkflow[e.WorkflowID]; !seen {
			order = append(order, e.WorkflowID)
		}
		byWorkflow[e.WorkflowID] = append(byWorkflow[e.WorkflowID], e)
	}

	type acc struct {
		total   time.Duration
		samples int
	}
	dwell := make(map[string]*acc)
	for _, id := range order {
		ledger := byWorkflow[id]
		if len(ledger) < 2 {
			continue
		}
		inst, err := a.workflows.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := 0; i < len(ledger)-1; i++ {
			stage := inst.Snapshot.StageByID(ledger[i].ToStageID)
			if stage == nil || stage.StageType == models.StageTypeStart || stage.StageType == models.StageTypeEnd {
				continue
			}
			d := ledger[i+1].TransitionedAt.Sub(ledger[i].TransitionedAt)
			if dwell[stage.StageName] == nil {
				dwell[stage.StageName] = &acc{}
			}
			dwell[stage.StageName].total += d
			dwell[stage.StageName].samples++
		}
	}

	out := make([]StageDwell, 0, len(dwell))
	for name, a := range dwell {
		out = append(out, StageDwell{
			StageName: name,
			AvgHours:  a.total.Hours() / float64(a.samples),
			Samples:   a.samples,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgHours != out[j].AvgHours {
			return out[i].AvgHours > out[j].AvgHours
		}
		return out[i].StageName < out[j].StageName
	})
	return out, nil
}

// ActiveCounts returns the number of active workflows per entity type.
func (a *Analytics) ActiveCounts(ctx context.Context) (map[models.EntityType]int, error) {
	return a.workflows.CountActiveByEntityType(ctx)
}
