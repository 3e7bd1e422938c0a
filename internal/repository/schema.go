package repository

// Schema is the DDL for the workflow engine's tables. Applied by the seed
// command and by repository tests against a fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_templates (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	stages JSONB NOT NULL,
	transitions JSONB NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- At most one default template per entity type.
CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_default
	ON workflow_templates(entity_type) WHERE is_default;

CREATE TABLE IF NOT EXISTS workflow_instances (
	id UUID PRIMARY KEY,
	template_id UUID NOT NULL,
	snapshot JSONB NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_stage_id TEXT NOT NULL,
	current_stage_entered_at TIMESTAMPTZ NOT NULL,
	current_stage_due_date TIMESTAMPTZ,
	assigned_to TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	completed_within_sla BOOLEAN,
	version INTEGER NOT NULL
);

-- One active workflow per entity.
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_entity
	ON workflow_instances(entity_type, entity_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_instances_project_status
	ON workflow_instances(project_id, status);
CREATE INDEX IF NOT EXISTS idx_instances_assigned
	ON workflow_instances(assigned_to) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS workflow_history (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL,
	workflow_id UUID NOT NULL,
	from_stage_id TEXT NOT NULL,
	to_stage_id TEXT NOT NULL,
	transition_action TEXT NOT NULL,
	transitioned_by TEXT NOT NULL,
	transitioned_at TIMESTAMPTZ NOT NULL,
	comments TEXT,
	metadata JSONB
);

CREATE INDEX IF NOT EXISTS idx_history_workflow
	ON workflow_history(workflow_id, transitioned_at, seq);
CREATE INDEX IF NOT EXISTS idx_history_transitioned_at
	ON workflow_history(transitioned_at);

CREATE TABLE IF NOT EXISTS project_members (
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY (project_id, user_id, role)
);

CREATE INDEX IF NOT EXISTS idx_members_role ON project_members(project_id, role);
`
