package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"buildflow/backend/internal/logging"
	"buildflow/backend/internal/repository"
	"buildflow/backend/pkg/models"
)

// claimTTL keeps a sweep notification claimed long enough that overlapping
// sweeps on other replicas skip it.
const claimTTL = 12 * time.Hour

// ClassifyUrgency derives the deadline tier of an active instance. A nil due
// date means the stage carries no SLA.
func ClassifyUrgency(due *time.Time, now time.Time, window time.Duration) models.Urgency {
	switch {
	case due == nil:
		return models.UrgencyNone
	case now.After(*due):
		return models.UrgencyOverdue
	case due.Sub(now) < window:
		return models.UrgencyDueSoon
	default:
		return models.UrgencyOnTrack
	}
}

// Scheduler serves the my-tasks queue and runs the periodic deadline sweep.
// The sweep is idempotent across replicas: each (workflow, tier) notification
// is claimed on the bus before it is published.
type Scheduler struct {
	workflows repository.WorkflowStore
	notifier  Notifier
	claims    Claimer
	window    time.Duration
	logger    *logging.Logger
	now       func() time.Time

	cron *cron.Cron

	sweeps        metric.Int64Counter
	notifications metric.Int64Counter
}

// NewScheduler creates a Scheduler with the given due-soon window.
func NewScheduler(workflows repository.WorkflowStore, notifier Notifier, claims Claimer, window time.Duration, logger *logging.Logger) *Scheduler {
	meter := otel.Meter("buildflow/backend/workflow")
	sweeps, _ := meter.Int64Counter("workflow.sweeps.executed")
	notifications, _ := meter.Int64Counter("workflow.deadline_notifications.published")
	return &Scheduler{
		workflows:     workflows,
		notifier:      notifier,
		claims:        claims,
		window:        window,
		logger:        logger,
		now:           time.Now,
		sweeps:        sweeps,
		notifications: notifications,
	}
}

// MyTasks returns the active instances assigned to the actor, decorated with
// urgency and ordered most urgent first. entityType narrows the queue when
// non-empty.
func (s *Scheduler) MyTasks(ctx context.Context, actor models.Actor, projectID string, entityType models.EntityType) ([]*models.Task, error) {
	instances, err := s.workflows.ListAssigned(ctx, projectID, actor.UserID, entityType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tasks := make([]*models.Task, 0, len(instances))
	for _, inst := range instances {
		tasks = append(tasks, &models.Task{
			WorkflowInstance: inst,
			Urgency:          ClassifyUrgency(inst.CurrentStageDueDate, now, s.window),
		})
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		ti, tj := urgencyRank(tasks[i].Urgency), urgencyRank(tasks[j].Urgency)
		if ti != tj {
			return ti < tj
		}
		di, dj := tasks[i].CurrentStageDueDate, tasks[j].CurrentStageDueDate
		switch {
		case di == nil:
			return false
		case dj == nil:
			return true
		default:
			return di.Before(*dj)
		}
	})
	return tasks, nil
}

// Sweep classifies every active instance and publishes due-soon and overdue
// notifications. Safe to run repeatedly; each (workflow, tier) pair fires at
// most once per claim window.
func (s *Scheduler) Sweep(ctx context.Context) error {
	instances, err := s.workflows.ListActive(ctx, "")
	if err != nil {
		return fmt.Errorf("deadline sweep failed to list active workflows: %w", err)
	}

	now := s.now()
	published := 0
	for _, inst := range instances {
		urgency := ClassifyUrgency(inst.CurrentStageDueDate, now, s.window)

		var kind models.NotificationKind
		switch urgency {
		case models.UrgencyOverdue:
			kind = models.NotifyOverdue
		case models.UrgencyDueSoon:
			kind = models.NotifyDueSoon
		default:
			continue
		}

		key := fmt.Sprintf("sweep:%s:%s", inst.ID, urgency)
		won, err := s.claims.Claim(ctx, key, claimTTL)
		if err != nil {
			s.logger.Error("sweep claim failed", "workflow_id", inst.ID, "error", err)
			continue
		}
		if !won {
			continue
		}

		stage := inst.CurrentStage()
		n := &models.Notification{
			Kind:       kind,
			WorkflowID: inst.ID,
			ProjectID:  inst.ProjectID,
			EntityType: inst.EntityType,
			EntityID:   inst.EntityID,
			Recipient:  inst.AssignedTo,
			CreatedAt:  now,
		}
		if stage != nil {
			n.StageID = stage.ID
			n.StageName = stage.StageName
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Error("sweep failed to publish notification", "workflow_id", inst.ID, "error", err)
			continue
		}
		s.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("urgency", string(urgency))))
		published++
	}

	s.sweeps.Add(ctx, 1)
	s.logger.Info("deadline sweep finished", "scanned", len(instances), "published", published)
	return nil
}

// Start schedules the periodic sweep with the given cron spec.
func (s *Scheduler) Start(spec string) error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("deadline sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("deadline sweep scheduled", "spec", spec)
	return nil
}

// Stop halts the periodic sweep and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

func urgencyRank(u models.Urgency) int {
	switch u {
	case models.UrgencyOverdue:
		return 0
	case models.UrgencyDueSoon:
		return 1
	case models.UrgencyOnTrack:
		return 2
	default:
		return 3
	}
}
