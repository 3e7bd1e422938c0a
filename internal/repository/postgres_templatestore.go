package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"buildflow/backend/pkg/models"
)

// PostgresTemplateStore is a PostgreSQL implementation of TemplateStore.
type PostgresTemplateStore struct {
	db *pgxpool.Pool
}

// NewPostgresTemplateStore creates a new PostgresTemplateStore.
func NewPostgresTemplateStore(db *pgxpool.Pool) *PostgresTemplateStore {
	return &PostgresTemplateStore{db: db}
}

const templateColumns = `id, name, entity_type, description, is_active, is_default, stages, transitions, created_by, created_at, updated_at`

func (s *PostgresTemplateStore) Create(ctx context.Context, t *models.WorkflowTemplate) error {
	stages, transitions, err := marshalGraph(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_templates (`+templateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.EntityType, t.Description, t.IsActive, t.IsDefault,
		stages, transitions, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresTemplateStore) Update(ctx context.Context, t *models.WorkflowTemplate) error {
	stages, transitions, err := marshalGraph(t)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_templates
		 SET name = $2, description = $3, is_active = $4,
		     stages = $5, transitions = $6, updated_at = $7
		 WHERE id = $1`,
		t.ID, t.Name, t.Description, t.IsActive, stages, transitions, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTemplateNotFound
	}
	return nil
}

func (s *PostgresTemplateStore) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTemplateNotFound
	}
	return t, err
}

func (s *PostgresTemplateStore) ListByEntityType(ctx context.Context, entityType models.EntityType) ([]*models.WorkflowTemplate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates
		 WHERE entity_type = $1 ORDER BY created_at DESC`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*models.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *PostgresTemplateStore) GetDefault(ctx context.Context, entityType models.EntityType) (*models.WorkflowTemplate, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates
		 WHERE entity_type = $1 AND is_default AND is_active`, entityType)
	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// SetDefault swaps the per-entity-type default inside one transaction so
// there is never a moment with two defaults.
func (s *PostgresTemplateStore) SetDefault(ctx context.Context, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var entityType models.EntityType
	err = tx.QueryRow(ctx,
		`SELECT entity_type FROM workflow_templates WHERE id = $1`, id).Scan(&entityType)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrTemplateNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE workflow_templates SET is_default = FALSE
		 WHERE entity_type = $1 AND is_default`, entityType); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE workflow_templates SET is_default = TRUE WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresTemplateStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflow_templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTemplateNotFound
	}
	return nil
}

func marshalGraph(t *models.WorkflowTemplate) ([]byte, []byte, error) {
	stages, err := json.Marshal(t.Stages)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal stages: %w", err)
	}
	transitions, err := json.Marshal(t.Transitions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal transitions: %w", err)
	}
	return stages, transitions, nil
}

func scanTemplate(row pgx.Row) (*models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	var stages, transitions []byte
	err := row.Scan(&t.ID, &t.Name, &t.EntityType, &t.Description, &t.IsActive,
		&t.IsDefault, &stages, &transitions, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stages, &t.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(transitions, &t.Transitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}
	return &t, nil
}
