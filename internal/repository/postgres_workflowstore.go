package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"buildflow/backend/pkg/models"
)

// PostgresWorkflowStore is a PostgreSQL implementation of WorkflowStore and
// HistoryStore. Instance updates and history appends share a transaction so
// a transition either fully commits or leaves no trace.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

const instanceColumns = `id, template_id, snapshot, entity_type, entity_id, project_id, status,
	current_stage_id, current_stage_entered_at, current_stage_due_date, assigned_to,
	started_at, completed_at, completed_within_sla, version`

const historyColumns = `id, workflow_id, from_stage_id, to_stage_id, transition_action,
	transitioned_by, transitioned_at, comments, metadata, seq`

func (s *PostgresWorkflowStore) CreateWithHistory(ctx context.Context, inst *models.WorkflowInstance, entries []*models.HistoryEntry) error {
	snapshot, err := json.Marshal(inst.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_instances (`+instanceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inst.ID, inst.TemplateID, snapshot, inst.EntityType, inst.EntityID,
		inst.ProjectID, inst.Status, inst.CurrentStageID, inst.CurrentStageEnteredAt,
		inst.CurrentStageDueDate, inst.AssignedTo, inst.StartedAt, inst.CompletedAt,
		inst.CompletedWithinSLA, inst.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 on the partial unique index means another active workflow
		// already exists for this entity.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrDuplicateActiveWorkflow
		}
		return err
	}

	if err := appendEntries(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresWorkflowStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrWorkflowNotFound
	}
	return inst, err
}

func (s *PostgresWorkflowStore) ActiveForEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.WorkflowInstance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE entity_type = $1 AND entity_id = $2 AND status = 'active'`,
		entityType, entityID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

func (s *PostgresWorkflowStore) CommitTransition(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int, entries []*models.HistoryEntry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE workflow_instances
		 SET status = $3, current_stage_id = $4, current_stage_entered_at = $5,
		     current_stage_due_date = $6, assigned_to = $7, completed_at = $8,
		     completed_within_sla = $9, version = $10
		 WHERE id = $1 AND version = $2`,
		inst.ID, expectedVersion, inst.Status, inst.CurrentStageID,
		inst.CurrentStageEnteredAt, inst.CurrentStageDueDate, inst.AssignedTo,
		inst.CompletedAt, inst.CompletedWithinSLA, inst.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM workflow_instances WHERE id = $1)`,
			inst.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return models.ErrWorkflowNotFound
		}
		return models.ErrVersionConflict
	}

	if err := appendEntries(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresWorkflowStore) ListAssigned(ctx context.Context, projectID, userID string, entityType models.EntityType) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE project_id = $1 AND assigned_to = $2 AND status = 'active'`
	args := []interface{}{projectID, userID}
	if entityType != "" {
		query += ` AND entity_type = $3`
		args = append(args, entityType)
	}
	query += ` ORDER BY current_stage_due_date NULLS LAST, started_at`
	return s.queryInstances(ctx, query, args...)
}

func (s *PostgresWorkflowStore) ListActive(ctx context.Context, projectID string) ([]*models.WorkflowInstance, error) {
	if projectID == "" {
		return s.queryInstances(ctx,
			`SELECT `+instanceColumns+` FROM workflow_instances WHERE status = 'active' ORDER BY started_at`)
	}
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE project_id = $1 AND status = 'active' ORDER BY started_at`, projectID)
}

func (s *PostgresWorkflowStore) CountActiveForTemplate(ctx context.Context, templateID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_instances WHERE template_id = $1 AND status = 'active'`,
		templateID).Scan(&count)
	return count, err
}

func (s *PostgresWorkflowStore) CountActiveAssignments(ctx context.Context, userIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	for _, id := range userIDs {
		counts[id] = 0
	}
	rows, err := s.db.Query(ctx,
		`SELECT assigned_to, COUNT(*) FROM workflow_instances
		 WHERE status = 'active' AND assigned_to = ANY($1)
		 GROUP BY assigned_to`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *PostgresWorkflowStore) ListFinishedBetween(ctx context.Context, projectID string, entityType models.EntityType, from, to time.Time) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE status IN ('completed', 'rejected') AND completed_at >= $1 AND completed_at < $2`
	args := []interface{}{from, to}
	if projectID != "" {
		args = append(args, projectID)
		query += fmt.Sprintf(` AND project_id = $%d`, len(args))
	}
	if entityType != "" {
		args = append(args, entityType)
		query += fmt.Sprintf(` AND entity_type = $%d`, len(args))
	}
	query += ` ORDER BY completed_at`
	return s.queryInstances(ctx, query, args...)
}

func (s *PostgresWorkflowStore) CountActiveByEntityType(ctx context.Context) (map[models.EntityType]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT entity_type, COUNT(*) FROM workflow_instances
		 WHERE status = 'active' GROUP BY entity_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[models.EntityType]int)
	for rows.Next() {
		var et models.EntityType
		var n int
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		counts[et] = n
	}
	return counts, rows.Err()
}

// ListForWorkflow implements HistoryStore.
func (s *PostgresWorkflowStore) ListForWorkflow(ctx context.Context, workflowID string) ([]*models.HistoryEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+historyColumns+` FROM workflow_history
		 WHERE workflow_id = $1 ORDER BY transitioned_at, seq`, workflowID)
}

// ListBetween implements HistoryStore.
func (s *PostgresWorkflowStore) ListBetween(ctx context.Context, from, to time.Time) ([]*models.HistoryEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+historyColumns+` FROM workflow_history
		 WHERE transitioned_at >= $1 AND transitioned_at < $2
		 ORDER BY transitioned_at, seq`, from, to)
}

func (s *PostgresWorkflowStore) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*models.WorkflowInstance, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *PostgresWorkflowStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*models.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var metadata []byte
		err := rows.Scan(&e.ID, &e.WorkflowID, &e.FromStageID, &e.ToStageID,
			&e.Action, &e.TransitionedBy, &e.TransitionedAt, &e.Comments,
			&metadata, &e.Seq)
		if err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func appendEntries(ctx context.Context, tx pgx.Tx, entries []*models.HistoryEntry) error {
	for _, e := range entries {
		var metadata []byte
		if e.Metadata != nil {
			var err error
			metadata, err = json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO workflow_history
			 (id, workflow_id, from_stage_id, to_stage_id, transition_action,
			  transitioned_by, transitioned_at, comments, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING seq`,
			e.ID, e.WorkflowID, e.FromStageID, e.ToStageID, e.Action,
			e.TransitionedBy, e.TransitionedAt, e.Comments, metadata).Scan(&e.Seq)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanInstance(row pgx.Row) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var snapshot []byte
	err := row.Scan(&inst.ID, &inst.TemplateID, &snapshot, &inst.EntityType,
		&inst.EntityID, &inst.ProjectID, &inst.Status, &inst.CurrentStageID,
		&inst.CurrentStageEnteredAt, &inst.CurrentStageDueDate, &inst.AssignedTo,
		&inst.StartedAt, &inst.CompletedAt, &inst.CompletedWithinSLA, &inst.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &inst.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &inst, nil
}
