package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Tenant directory
// ============================================================

// Company is the top-level tenant.
type Company struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone,omitempty"`
	Address   string     `json:"address,omitempty"`
	CreatedBy string     `json:"createdBy,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Location is a sub-tenant owned by exactly one company.
type Location struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"companyId"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone,omitempty"`
	Address   string     `json:"address,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// TenantUser is the profile record of a person working under a location.
type TenantUser struct {
	ID         string     `json:"id"`
	CompanyID  string     `json:"companyId"`
	LocationID string     `json:"locationId"`
	Email      string     `json:"email"`
	Name       string     `json:"name,omitempty"`
	Role       Role       `json:"role"`
	Status     string     `json:"status,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// Principal is the authenticated identity handed over by the identity provider.
type Principal struct {
	Subject string `json:"sub,omitempty"`
	Email   string `json:"email"`
}

// DirectoryEntry is the result of a successful directory lookup.
type DirectoryEntry struct {
	User     TenantUser `json:"user"`
	Company  Company    `json:"company"`
	Location Location   `json:"location"`
}

// ResolvedProfile joins a principal with its tenant user, location and company.
// Default is set when the profile was synthesized by the resolution-miss policy.
type ResolvedProfile struct {
	Principal Principal `json:"principal"`
	UserID    string    `json:"userId,omitempty"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      Role      `json:"role"`
	Status    string    `json:"status,omitempty"`
	Company   *Company  `json:"company,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Default   bool      `json:"default"`
}

// Capabilities returns the capability set of the profile's role.
func (p *ResolvedProfile) Capabilities() Capabilities {
	return CapabilitiesFor(p.Role)
}

// CompanyID returns the id of the profile's own company, or "".
func (p *ResolvedProfile) CompanyID() string {
	if p.Company == nil {
		return ""
	}
	return p.Company.ID
}

// LocationID returns the id of the profile's own location, or "".
func (p *ResolvedProfile) LocationID() string {
	if p.Location == nil {
		return ""
	}
	return p.Location.ID
}

// AccessScope is the set of companies and locations a profile may view.
// A degraded scope carries empty lists and the upstream error message.
type AccessScope struct {
	Permissions Capabilities `json:"permissions"`
	Companies   []Company    `json:"accessibleCompanies"`
	Locations   []Location   `json:"accessibleLocations"`
	Degraded    bool         `json:"degraded"`
	Error       string       `json:"error,omitempty"`
}

// HasCompany reports whether the company is accessible.
func (s *AccessScope) HasCompany(id string) bool {
	for _, c := range s.Companies {
		if c.ID == id {
			return true
		}
	}
	return false
}

// MissPolicy decides what happens when no tenant user matches a principal.
type MissPolicy string

const (
	// MissPolicyDeny surfaces the miss as ErrNotFound.
	MissPolicyDeny MissPolicy = "deny"
	// MissPolicyDefaultAdmin synthesizes an admin profile without tenant scope.
	MissPolicyDefaultAdmin MissPolicy = "default_admin"
)

// ParseMissPolicy validates a configured policy name.
func ParseMissPolicy(s string) (MissPolicy, error) {
	switch p := MissPolicy(s); p {
	case MissPolicyDeny, MissPolicyDefaultAdmin:
		return p, nil
	case "":
		return MissPolicyDeny, nil
	}
	return "", fmt.Errorf("unknown resolution-miss policy %q", s)
}

// ============================================================
// Admin requests
// ============================================================

// SignupRequest bootstraps a company for a principal without a tenant record.
type SignupRequest struct {
	CompanyName  string `json:"companyName"`
	LocationName string `json:"locationName,omitempty"`
	UserName     string `json:"userName,omitempty"`
}

// CompanyRequest creates a company.
type CompanyRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// LocationRequest creates a location.
type LocationRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// UserRequest creates a tenant user.
type UserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}
