package shared

import (
	"fmt"
	"strings"
)

// Role is the identity-provider claim carried by every inbound call.
type Role string

// Recognised role claims.
const (
	RoleImporter             Role = "importer"
	RoleAdministrator        Role = "administrator"
	RoleFinancialInstitution Role = "financial_institution"
)

// Roles lists every recognised role claim.
func Roles() []Role {
	return []Role{RoleImporter, RoleAdministrator, RoleFinancialInstitution}
}

// ParseRole normalises a raw claim value.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, r := range Roles() {
		if r == role {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// Actor describes the caller of a core operation. For importers ID is the
// importer id; for staff roles it identifies the staff member.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// Is reports whether the actor carries the given role.
func (a Actor) Is(role Role) bool {
	return a.Role == role
}

// CanSeeImporter reports whether the actor may read data owned by importerID.
func (a Actor) CanSeeImporter(importerID string) bool {
	if a.Role != RoleImporter {
		return true
	}
	return a.ID != "" && a.ID == importerID
}
