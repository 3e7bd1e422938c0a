package repository

import (
	"context"
	"time"

	"buildflow/backend/pkg/models"
)

// TemplateStore owns workflow template definitions.
type TemplateStore interface {
	// Create persists a new template.
	Create(ctx context.Context, t *models.WorkflowTemplate) error
	// Update replaces an existing template.
	Update(ctx context.Context, t *models.WorkflowTemplate) error
	// Get retrieves a template by id. Returns models.ErrTemplateNotFound
	// when absent.
	Get(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	// ListByEntityType lists templates for one entity type, newest first.
	ListByEntityType(ctx context.Context, entityType models.EntityType) ([]*models.WorkflowTemplate, error)
	// GetDefault returns the active default template for an entity type, or
	// nil when no default exists.
	GetDefault(ctx context.Context, entityType models.EntityType) (*models.WorkflowTemplate, error)
	// SetDefault marks the template as the default for its entity type,
	// atomically unsetting any prior default.
	SetDefault(ctx context.Context, id string) error
	// Delete removes a template.
	Delete(ctx context.Context, id string) error
}

// WorkflowStore owns workflow instances and their history ledger. Instance
// writes and ledger appends commit atomically; the ledger itself is
// append-only and never mutated.
type WorkflowStore interface {
	// CreateWithHistory persists a new instance together with its initial
	// history entries. Returns models.ErrDuplicateActiveWorkflow when an
	// active instance already exists for the same entity.
	CreateWithHistory(ctx context.Context, inst *models.WorkflowInstance, entries []*models.HistoryEntry) error
	// Get retrieves an instance by id. Returns models.ErrWorkflowNotFound
	// when absent.
	Get(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// ActiveForEntity returns the active instance for an entity, or nil when
	// none exists.
	ActiveForEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.WorkflowInstance, error)
	// CommitTransition writes the instance's new state and appends the given
	// history entries in one transaction, guarded by the optimistic version
	// check. Returns models.ErrVersionConflict when the stored version no
	// longer matches expectedVersion.
	CommitTransition(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int, entries []*models.HistoryEntry) error
	// ListAssigned lists active instances assigned to a user within a
	// project. entityType narrows the result when non-empty.
	ListAssigned(ctx context.Context, projectID, userID string, entityType models.EntityType) ([]*models.WorkflowInstance, error)
	// ListActive lists active instances, optionally narrowed to a project.
	ListActive(ctx context.Context, projectID string) ([]*models.WorkflowInstance, error)
	// CountActiveForTemplate counts active instances bound to a template.
	CountActiveForTemplate(ctx context.Context, templateID string) (int, error)
	// CountActiveAssignments returns the number of active instances assigned
	// to each of the given users.
	CountActiveAssignments(ctx context.Context, userIDs []string) (map[string]int, error)
	// ListFinishedBetween lists completed and rejected instances whose
	// completion time falls in [from, to). projectID and entityType narrow
	// the result when non-empty.
	ListFinishedBetween(ctx context.Context, projectID string, entityType models.EntityType, from, to time.Time) ([]*models.WorkflowInstance, error)
	// CountActiveByEntityType counts active instances per entity type.
	CountActiveByEntityType(ctx context.Context) (map[models.EntityType]int, error)
}

// HistoryStore reads the append-only transition ledger. All writes go
// through WorkflowStore commits so they stay transactional with instance
// state.
type HistoryStore interface {
	// ListForWorkflow returns a workflow's entries ordered by transition
	// time, then insertion sequence.
	ListForWorkflow(ctx context.Context, workflowID string) ([]*models.HistoryEntry, error)
	// ListBetween returns entries with transition time in [from, to),
	// ordered the same way.
	ListBetween(ctx context.Context, from, to time.Time) ([]*models.HistoryEntry, error)
}

// MemberStore looks up project membership for assignment resolution.
type MemberStore interface {
	// IsMember reports whether the user belongs to the project.
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	// ListByRole lists the user ids holding a role on a project, sorted by
	// user id.
	ListByRole(ctx context.Context, projectID, role string) ([]string, error)
}
