package auth

import "github.com/patrolwire/patrolwire/pkg/user"

// Action names consulted by Can. Named after the operation they gate
// rather than the component, per spec §7 ("name things by what they do").
const (
	ActionExecuteRunbookLow    = "execute_runbook:low"
	ActionExecuteRunbookMedium = "execute_runbook:medium"
	ActionExecuteRunbookHigh   = "execute_runbook:high"
	ActionDecideApprovalMedium = "decide_approval:medium"
	ActionDecideApprovalHigh   = "decide_approval:high"
	ActionManageTenant         = "manage_tenant"
	ActionManageRunbook        = "manage_runbook"
	ActionAssignIncident       = "assign_incident"
	ActionViewAuditLog         = "view_audit_log"
)

// baseSet is the permission set implied by each role. Higher roles carry
// every action of the roles below them for the spec's "X+" risk gates
// (§4.H step 2), expressed here as an explicit closure rather than a
// runtime hierarchy walk.
var baseSet = map[user.Role]map[string]bool{
	user.RoleTechnician: {
		ActionExecuteRunbookLow: true,
	},
	user.RoleTenantAdmin: {
		ActionExecuteRunbookLow:    true,
		ActionExecuteRunbookMedium: true,
		ActionDecideApprovalMedium: true,
		ActionManageRunbook:        true,
		ActionAssignIncident:       true,
		ActionViewAuditLog:         true,
	},
	user.RoleMSPAdmin: {
		ActionExecuteRunbookLow:    true,
		ActionExecuteRunbookMedium: true,
		ActionExecuteRunbookHigh:   true,
		ActionDecideApprovalMedium: true,
		ActionDecideApprovalHigh:   true,
		ActionManageRunbook:        true,
		ActionManageTenant:        true,
		ActionAssignIncident:       true,
		ActionViewAuditLog:         true,
	},
}

func init() {
	// system_admin carries the same base set as msp_admin per the resolved
	// Open Question (the two are treated as one role).
	baseSet[user.RoleSystemAdmin] = baseSet[user.RoleMSPAdmin]
}

// Can is the pure permission-check function from spec §4.L:
// (user, action, target tenant) -> bool. Tenant scope must match
// targetTenantID unless u's role is system_admin/msp_admin (global scope).
func Can(u user.User, action string, targetTenantID string) bool {
	if u.Role != user.RoleMSPAdmin && u.Role != user.RoleSystemAdmin {
		if !u.InTenant(targetTenantID) {
			return false
		}
	}
	if baseSet[u.Role][action] {
		return true
	}
	return u.HasPermission(action)
}

// RunbookActionForRisk maps a runbook risk level to the execute-runbook
// permission action gating it (spec §4.H step 2).
func RunbookActionForRisk(riskLevel string) string {
	switch riskLevel {
	case "high":
		return ActionExecuteRunbookHigh
	case "medium":
		return ActionExecuteRunbookMedium
	default:
		return ActionExecuteRunbookLow
	}
}

// ApprovalActionForRisk maps a runbook risk level to the approval-decision
// permission action gating it (spec §4.H step 2: medium→tenant_admin+,
// high→msp_admin+).
func ApprovalActionForRisk(riskLevel string) string {
	if riskLevel == "high" {
		return ActionDecideApprovalHigh
	}
	return ActionDecideApprovalMedium
}
