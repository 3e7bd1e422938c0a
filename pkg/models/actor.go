package models

// Capability names checked by the engine. The authorization collaborator
// decides who holds them; the engine only consumes the boolean result.
const (
	CapCreateTemplate   = "create_workflow_template"
	CapEditTemplate     = "edit_workflow_template"
	CapDeleteTemplate   = "delete_workflow_template"
	CapStartWorkflow    = "start_workflow"
	CapCancelWorkflow   = "cancel_workflow"
	CapOverrideAssignee = "override_workflow_assignee"
)

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	UserID       string   `json:"user_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Can reports whether the actor holds the named capability.
func (a Actor) Can(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
