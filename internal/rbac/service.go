package rbac

import "github.com/tradecredit/creditdesk/internal/shared"

// Service resolves role claims into permissions.
type Service struct{}

// NewService constructs a Service.
func NewService() *Service {
	return &Service{}
}

// ListPermissions returns the full permission catalog.
func (s *Service) ListPermissions() []Permission {
	out := make([]Permission, len(catalog))
	copy(out, catalog)
	return out
}

// EffectivePermissions returns the permissions granted to the actor's role.
func (s *Service) EffectivePermissions(actor shared.Actor) []string {
	perms := grants[actor.Role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}
