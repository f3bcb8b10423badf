// Package access decides whether a caller may act on an execution.
package access

import "slices"

// Owner types an agent may have.
const (
	OwnerUser         = "user"
	OwnerOrganization = "organization"
)

// Resource identifies what a caller wants to touch.
type Resource struct {
	WorkflowID string
	AgentID    string
}

// Checker is consulted by the HTTP layer before submit, get and cancel.
type Checker interface {
	CanAccess(callerID string, r Resource) bool
}

// AllowAll grants every request. It is the default when no policy is configured.
type AllowAll struct{}

// CanAccess implements Checker.
func (AllowAll) CanAccess(string, Resource) bool { return true }

// Owner is who an agent belongs to.
type Owner struct {
	Type string `yaml:"owner_type" json:"owner_type"`
	ID   string `yaml:"owner_id" json:"owner_id"`
}

// StaticPolicy grants access to an agent's executions to its owning user,
// or to every member of its owning organization. Unknown agents are denied.
// Executions without an agent are not owned and are open to any caller.
type StaticPolicy struct {
	Agents        map[string]Owner    `yaml:"agents"`
	Organizations map[string][]string `yaml:"organizations"`
}

// CanAccess implements Checker.
func (p StaticPolicy) CanAccess(callerID string, r Resource) bool {
	if r.AgentID == "" {
		return true
	}
	if callerID == "" {
		return false
	}

	owner, ok := p.Agents[r.AgentID]
	if !ok {
		return false
	}
	switch owner.Type {
	case OwnerUser:
		return owner.ID == callerID
	case OwnerOrganization:
		return slices.Contains(p.Organizations[owner.ID], callerID)
	}
	return false
}
