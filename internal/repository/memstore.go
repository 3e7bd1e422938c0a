package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"buildflow/backend/pkg/models"
)

// In-memory store implementations. They back the service-layer tests and
// local development without a database. All methods are safe for concurrent
// use. Copies go through JSON so stored state can never alias caller state;
// the graphs are tiny, clarity wins over speed here.

// MemTemplateStore is an in-memory TemplateStore.
type MemTemplateStore struct {
	mu        sync.Mutex
	templates map[string]*models.WorkflowTemplate
}

// NewMemTemplateStore creates an empty MemTemplateStore.
func NewMemTemplateStore() *MemTemplateStore {
	return &MemTemplateStore{templates: make(map[string]*models.WorkflowTemplate)}
}

func (s *MemTemplateStore) Create(ctx context.Context, t *models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = copyTemplate(t)
	return nil
}

func (s *MemTemplateStore) Update(ctx context.Context, t *models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.templates[t.ID]
	if !ok {
		return models.ErrTemplateNotFound
	}
	updated := copyTemplate(t)
	// is_default is only changed through SetDefault.
	updated.IsDefault = stored.IsDefault
	s.templates[t.ID] = updated
	return nil
}

func (s *MemTemplateStore) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, models.ErrTemplateNotFound
	}
	return copyTemplate(t), nil
}

func (s *MemTemplateStore) ListByEntityType(ctx context.Context, entityType models.EntityType) ([]*models.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowTemplate
	for _, t := range s.templates {
		if t.EntityType == entityType {
			out = append(out, copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemTemplateStore) GetDefault(ctx context.Context, entityType models.EntityType) (*models.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.EntityType == entityType && t.IsDefault && t.IsActive {
			return copyTemplate(t), nil
		}
	}
	return nil, nil
}

func (s *MemTemplateStore) SetDefault(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.templates[id]
	if !ok {
		return models.ErrTemplateNotFound
	}
	for _, t := range s.templates {
		if t.EntityType == target.EntityType {
			t.IsDefault = false
		}
	}
	target.IsDefault = true
	return nil
}

func (s *MemTemplateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return models.ErrTemplateNotFound
	}
	delete(s.templates, id)
	return nil
}

// MemWorkflowStore is an in-memory WorkflowStore and HistoryStore.
type MemWorkflowStore struct {
	mu        sync.Mutex
	instances map[string]*models.WorkflowInstance
	history   []*models.HistoryEntry
	seq       int64
}

// NewMemWorkflowStore creates an empty MemWorkflowStore.
func NewMemWorkflowStore() *MemWorkflowStore {
	return &MemWorkflowStore{instances: make(map[string]*models.WorkflowInstance)}
}

func (s *MemWorkflowStore) CreateWithHistory(ctx context.Context, inst *models.WorkflowInstance, entries []*models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.EntityType == inst.EntityType && existing.EntityID == inst.EntityID &&
			existing.Status == models.StatusActive {
			return models.ErrDuplicateActiveWorkflow
		}
	}
	s.instances[inst.ID] = copyInstance(inst)
	s.appendLocked(entries)
	return nil
}

func (s *MemWorkflowStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, models.ErrWorkflowNotFound
	}
	return copyInstance(inst), nil
}

func (s *MemWorkflowStore) ActiveForEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.EntityType == entityType && inst.EntityID == entityID &&
			inst.Status == models.StatusActive {
			return copyInstance(inst), nil
		}
	}
	return nil, nil
}

func (s *MemWorkflowStore) CommitTransition(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int, entries []*models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[inst.ID]
	if !ok {
		return models.ErrWorkflowNotFound
	}
	if stored.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	s.instances[inst.ID] = copyInstance(inst)
	s.appendLocked(entries)
	return nil
}

func (s *MemWorkflowStore) ListAssigned(ctx context.Context, projectID, userID string, entityType models.EntityType) ([]*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != models.StatusActive || inst.ProjectID != projectID {
			continue
		}
		if inst.AssignedTo == nil || *inst.AssignedTo != userID {
			continue
		}
		if entityType != "" && inst.EntityType != entityType {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemWorkflowStore) ListActive(ctx context.Context, projectID string) ([]*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != models.StatusActive {
			continue
		}
		if projectID != "" && inst.ProjectID != projectID {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemWorkflowStore) CountActiveForTemplate(ctx context.Context, templateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, inst := range s.instances {
		if inst.TemplateID == templateID && inst.Status == models.StatusActive {
			count++
		}
	}
	return count, nil
}

func (s *MemWorkflowStore) CountActiveAssignments(ctx context.Context, userIDs []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(userIDs))
	for _, id := range userIDs {
		counts[id] = 0
	}
	for _, inst := range s.instances {
		if inst.Status != models.StatusActive || inst.AssignedTo == nil {
			continue
		}
		if _, tracked := counts[*inst.AssignedTo]; tracked {
			counts[*inst.AssignedTo]++
		}
	}
	return counts, nil
}

func (s *MemWorkflowStore) ListFinishedBetween(ctx context.Context, projectID string, entityType models.EntityType, from, to time.Time) ([]*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != models.StatusCompleted && inst.Status != models.StatusRejected {
			continue
		}
		if inst.CompletedAt == nil || inst.CompletedAt.Before(from) || !inst.CompletedAt.Before(to) {
			continue
		}
		if projectID != "" && inst.ProjectID != projectID {
			continue
		}
		if entityType != "" && inst.EntityType != entityType {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

func (s *MemWorkflowStore) CountActiveByEntityType(ctx context.Context) (map[models.EntityType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.EntityType]int)
	for _, inst := range s.instances {
		if inst.Status == models.StatusActive {
			counts[inst.EntityType]++
		}
	}
	return counts, nil
}

func (s *MemWorkflowStore) ListForWorkflow(ctx context.Context, workflowID string) ([]*models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.HistoryEntry
	for _, e := range s.history {
		if e.WorkflowID == workflowID {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemWorkflowStore) ListBetween(ctx context.Context, from, to time.Time) ([]*models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.HistoryEntry
	for _, e := range s.history {
		if !e.TransitionedAt.Before(from) && e.TransitionedAt.Before(to) {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemWorkflowStore) appendLocked(entries []*models.HistoryEntry) {
	for _, e := range entries {
		s.seq++
		e.Seq = s.seq
		s.history = append(s.history, copyEntry(e))
	}
}

// MemMemberStore is an in-memory MemberStore.
type MemMemberStore struct {
	mu      sync.Mutex
	members map[string][]memberRow
}

type memberRow struct {
	userID string
	role   string
}

// NewMemMemberStore creates an empty MemMemberStore.
func NewMemMemberStore() *MemMemberStore {
	return &MemMemberStore{members: make(map[string][]memberRow)}
}

// AddMember registers a project member. Test and dev seeding helper.
func (s *MemMemberStore) AddMember(projectID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[projectID] = append(s.members[projectID], memberRow{userID: userID, role: role})
}

// RemoveMember drops every role the user holds on the project.
func (s *MemMemberStore) RemoveMember(projectID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.members[projectID][:0]
	for _, m := range s.members[projectID] {
		if m.userID != userID {
			rows = append(rows, m)
		}
	}
	s.members[projectID] = rows
}

func (s *MemMemberStore) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members[projectID] {
		if m.userID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemMemberStore) ListByRole(ctx context.Context, projectID, role string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range s.members[projectID] {
		if m.role == role && !seen[m.userID] {
			seen[m.userID] = true
			out = append(out, m.userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortEntries(entries []*models.HistoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TransitionedAt.Equal(entries[j].TransitionedAt) {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].TransitionedAt.Before(entries[j].TransitionedAt)
	})
}

func copyTemplate(t *models.WorkflowTemplate) *models.WorkflowTemplate {
	var out models.WorkflowTemplate
	roundTrip(t, &out)
	return &out
}

func copyInstance(i *models.WorkflowInstance) *models.WorkflowInstance {
	var out models.WorkflowInstance
	roundTrip(i, &out)
	return &out
}

func copyEntry(e *models.HistoryEntry) *models.HistoryEntry {
	var out models.HistoryEntry
	roundTrip(e, &out)
	return &out
}

func roundTrip(src, dst interface{}) {
	b, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		panic(err)
	}
}
