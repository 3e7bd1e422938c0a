package models

import "time"

// NotificationKind classifies an engine side-effect event.
type NotificationKind string

const (
	NotifyAssigned         NotificationKind = "assigned"
	NotifyAssignmentFailed NotificationKind = "assignment_failed"
	NotifyDueSoon          NotificationKind = "due_soon"
	NotifyOverdue          NotificationKind = "overdue"
	NotifyCompleted        NotificationKind = "completed"
	NotifyRejected         NotificationKind = "rejected"
	NotifyCancelled        NotificationKind = "cancelled"
)

// Notification is an event emitted by the engine or the deadline sweep.
// Delivery (email, in-app badge) is a downstream concern; the engine only
// publishes onto the bus.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	WorkflowID string           `json:"workflow_id"`
	ProjectID  string           `json:"project_id"`
	EntityType EntityType       `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	StageID    string           `json:"stage_id,omitempty"`
	StageName  string           `json:"stage_name,omitempty"`
	Recipient  *string          `json:"recipient,omitempty"`
	Message    string           `json:"message,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}
