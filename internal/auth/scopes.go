package auth

import (
	"sort"

	"buildflow/backend/pkg/models"
)

const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"

	ScopeWorkflowRead      = "workflow:read"
	ScopeWorkflowWrite     = "workflow:write"
	ScopeWorkflowTemplates = "workflow:templates"
	ScopeWorkflowAdmin     = "workflow:admin"
)

// AllScopes defines the full set of scopes used by API clients.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeWorkflowRead,
	ScopeWorkflowWrite,
	ScopeWorkflowTemplates,
	ScopeWorkflowAdmin,
}

// CapabilitiesForScopes maps token scopes onto engine capabilities. Read
// access needs no capability; every authenticated user may list and view.
func CapabilitiesForScopes(scopes []string) []string {
	caps := make(map[string]bool)
	for _, s := range scopes {
		switch s {
		case ScopeWorkflowWrite:
			caps[models.CapStartWorkflow] = true
		case ScopeWorkflowTemplates:
			caps[models.CapCreateTemplate] = true
			caps[models.CapEditTemplate] = true
			caps[models.CapDeleteTemplate] = true
		case ScopeWorkflowAdmin:
			for _, c := range AllCapabilities() {
				caps[c] = true
			}
		}
	}
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// AllCapabilities returns every capability the engine recognizes.
func AllCapabilities() []string {
	return []string{
		models.CapCreateTemplate,
		models.CapEditTemplate,
		models.CapDeleteTemplate,
		models.CapStartWorkflow,
		models.CapCancelWorkflow,
		models.CapOverrideAssignee,
	}
}
