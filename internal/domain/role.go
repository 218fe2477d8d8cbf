package domain

// ============================================================
// Roles & Capabilities
// ============================================================

// Role is the closed set of positions a tenant user can hold.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleLeadership     Role = "leadership"
	RoleGeneralManager Role = "general_manager"
	RoleSales          Role = "sales"
	RoleOperations     Role = "operations"
)

// Roles lists every role from least to most privileged.
var Roles = []Role{RoleOperations, RoleSales, RoleGeneralManager, RoleLeadership, RoleAdmin}

// Capabilities is the fixed permission record attached to a role.
type Capabilities struct {
	CanManageUsers      bool `json:"canManageUsers"`
	CanManageCompanies  bool `json:"canManageCompanies"`
	CanManageLocations  bool `json:"canManageLocations"`
	CanViewAllCompanies bool `json:"canViewAllCompanies"`
	CanViewAllLocations bool `json:"canViewAllLocations"`
	CanViewAllData      bool `json:"canViewAllData"`
	Level               int  `json:"level"`
}

// ParseRole maps a stored role string to a Role.
// Unknown or empty values fall back to sales.
func ParseRole(s string) Role {
	if r, ok := LookupRole(s); ok {
		return r
	}
	return RoleSales
}

// LookupRole reports whether s names a known role.
func LookupRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleAdmin, RoleLeadership, RoleGeneralManager, RoleSales, RoleOperations:
		return r, true
	}
	return "", false
}

// CapabilitiesFor returns the capability set of a role.
func CapabilitiesFor(r Role) Capabilities {
	switch r {
	case RoleAdmin:
		return Capabilities{
			CanManageUsers:      true,
			CanManageCompanies:  true,
			CanManageLocations:  true,
			CanViewAllCompanies: true,
			CanViewAllLocations: true,
			CanViewAllData:      true,
			Level:               5,
		}
	case RoleLeadership:
		return Capabilities{
			CanManageUsers:      true,
			CanManageLocations:  true,
			CanViewAllCompanies: true,
			CanViewAllLocations: true,
			CanViewAllData:      true,
			Level:               4,
		}
	case RoleGeneralManager:
		// all locations, but only inside the manager's own company
		return Capabilities{
			CanManageUsers:      true,
			CanViewAllLocations: true,
			CanViewAllData:      true,
			Level:               3,
		}
	case RoleOperations:
		return Capabilities{Level: 1}
	default:
		return Capabilities{Level: 2}
	}
}

// Capabilities is shorthand for CapabilitiesFor(r).
func (r Role) Capabilities() Capabilities {
	return CapabilitiesFor(r)
}

// AtLeast reports whether r is as privileged as other.
func (r Role) AtLeast(other Role) bool {
	return CapabilitiesFor(r).Level >= CapabilitiesFor(other).Level
}
