package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildflow/backend/internal/repository"
	"buildflow/backend/pkg/models"
)

func newAnalyticsEnv(t *testing.T) (*Analytics, *repository.MemWorkflowStore) {
	t.Helper()
	workflows := repository.NewMemWorkflowStore()
	return NewAnalytics(workflows, workflows), workflows
}

func seedFinished(t *testing.T, store *repository.MemWorkflowStore, id string, entityType models.EntityType, started, completed time.Time, withinSLA bool) {
	t.Helper()
	require.NoError(t, store.CreateWithHistory(context.Background(), &models.WorkflowInstance{
		ID:                 id,
		EntityType:         entityType,
		EntityID:           "ent-" + id,
		ProjectID:          "proj-1",
		Status:             models.StatusCompleted,
		StartedAt:          started,
		CompletedAt:        &completed,
		CompletedWithinSLA: &withinSLA,
		Version:            2,
	}, nil))
}

func TestSLAComplianceRate(t *testing.T) {
	analytics, store := newAnalyticsEnv(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		seedFinished(t, store, fmt.Sprintf("wf-%d", i), models.EntityTypeSubmittal,
			base, base.Add(time.Duration(i+1)*time.Hour), i < 7)
	}

	rate, err := analytics.SLAComplianceRate(context.Background(), "proj-1", Window{
		From: base, To: base.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.InDelta(t, 70.0, rate, 0.001)
}

func TestSLAComplianceRateEmptyWindow(t *testing.T) {
	analytics, _ := newAnalyticsEnv(t)
	rate, err := analytics.SLAComplianceRate(context.Background(), "", Window{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestSLAComplianceRateWindowBounds(t *testing.T) {
	analytics, store := newAnalyticsEnv(t)
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	seedFinished(t, store, "wf-in", models.EntityTypeSubmittal, from.Add(-time.Hour), from, true)
	seedFinished(t, store, "wf-at-to", models.EntityTypeSubmittal, from, to, false)
	seedFinished(t, store, "wf-before", models.EntityTypeSubmittal, from.AddDate(0, -1, 0), from.Add(-time.Second), false)

	// Only wf-in falls in [from, to); the boundary instance at `to` is out.
	rate, err := analytics.SLAComplianceRate(context.Background(), "proj-1", Window{From: from, To: to})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, rate, 0.001)
}

func TestAvgCompletionTime(t *testing.T) {
	analytics, store := newAnalyticsEnv(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedFinished(t, store, "wf-1", models.EntityTypeRFI, base, base.AddDate(0, 0, 2), true)
	seedFinished(t, store, "wf-2", models.EntityTypeRFI, base, base.AddDate(0, 0, 4), true)
	seedFinished(t, store, "wf-other", models.EntityTypeSubmittal, base, base.AddDate(0, 0, 20), true)

	days, err := analytics.AvgCompletionTime(context.Background(), models.EntityTypeRFI, Window{
		From: base, To: base.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, days, 0.001)
}

func TestStageBottlenecks(t *testing.T) {
	analytics, store := newAnalyticsEnv(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	snapshot := models.TemplateSnapshot{
		TemplateID: "tpl-1",
		Stages: []models.Stage{
			{ID: "st-start", StageName: "Submitted", StageType: models.StageTypeStart},
			{ID: "st-review", StageName: "Technical Review", StageType: models.StageTypeReview},
			{ID: "st-approval", StageName: "PM Approval", StageType: models.StageTypeApproval},
			{ID: "st-end", StageName: "Closed", StageType: models.StageTypeEnd},
		},
	}
	ledger := func(wf string, reviewHours, approvalHours int) []*models.HistoryEntry {
		t0 := base
		t1 := t0.Add(time.Duration(reviewHours) * time.Hour)
		t2 := t1.Add(time.Duration(approvalHours) * time.Hour)
		return []*models.HistoryEntry{
			{ID: wf + "-e1", WorkflowID: wf, FromStageID: "st-start", ToStageID: "st-review", Action: models.ActionStart, TransitionedAt: t0},
			{ID: wf + "-e2", WorkflowID: wf, FromStageID: "st-review", ToStageID: "st-approval", Action: models.ActionApprove, TransitionedAt: t1},
			{ID: wf + "-e3", WorkflowID: wf, FromStageID: "st-approval", ToStageID: "st-end", Action: models.ActionApprove, TransitionedAt: t2},
		}
	}
	for i, hours := range [][2]int{{10, 50}, {30, 70}} {
		wf := fmt.Sprintf("wf-%d", i)
		inst := &models.WorkflowInstance{
			ID: wf, Snapshot: snapshot, EntityType: models.EntityTypeSubmittal,
			EntityID: "ent-" + wf, ProjectID: "proj-1",
			Status: models.StatusCompleted, StartedAt: base, Version: 3,
		}
		done := base.AddDate(0, 0, 7)
		inst.CompletedAt = &done
		require.NoError(t, store.CreateWithHistory(context.Background(), inst, ledger(wf, hours[0], hours[1])))
	}

	got, err := analytics.StageBottlenecks(context.Background(), Window{
		From: base, To: base.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "PM Approval", got[0].StageName)
	assert.InDelta(t, 60.0, got[0].AvgHours, 0.001)
	assert.Equal(t, 2, got[0].Samples)

	assert.Equal(t, "Technical Review", got[1].StageName)
	assert.InDelta(t, 20.0, got[1].AvgHours, 0.001)
	assert.Equal(t, 2, got[1].Samples)
}

func TestActiveCounts(t *testing.T) {
	analytics, store := newAnalyticsEnv(t)
	for i, et := range []models.EntityType{
		models.EntityTypeSubmittal, models.EntityTypeSubmittal, models.EntityTypeRFI,
	} {
		require.NoError(t, store.CreateWithHistory(context.Background(), &models.WorkflowInstance{
			ID: fmt.Sprintf("wf-%d", i), EntityType: et, EntityID: fmt.Sprintf("ent-%d", i),
			ProjectID: "proj-1", Status: models.StatusActive, Version: 1,
		}, nil))
	}

	counts, err := analytics.ActiveCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.EntityTypeSubmittal])
	assert.Equal(t, 1, counts[models.EntityTypeRFI])
}
