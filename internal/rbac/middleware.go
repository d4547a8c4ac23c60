package rbac

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tradecredit/creditdesk/internal/platform/httpx"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Role claim headers set by the upstream identity provider.
const (
	HeaderRole  = "X-Actor-Role"
	HeaderActor = "X-Actor-ID"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Identify reads the role claim headers into the request context. Requests
// without a valid claim are refused.
func (m Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, err := shared.ParseRole(r.Header.Get(HeaderRole))
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, err))
			return
		}
		id := strings.TrimSpace(r.Header.Get(HeaderActor))
		if id == "" {
			httpx.RespondError(w, fmt.Errorf("%w: %s header required", httpx.ErrUnauthorized, HeaderActor))
			return
		}
		ctx := shared.ContextWithActor(r.Context(), shared.Actor{Role: role, ID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAny ensures the current actor has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(normalized, hasAnyPermission)
}

// RequireAll ensures the current actor has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(normalized, hasAllPermissions)
}

func (m Middleware) require(required []string, check func(granted, required []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if check(m.Service.EffectivePermissions(actor), required) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Warn("rbac denied", slog.String("role", string(actor.Role)), slog.String("path", r.URL.Path))
			}
			httpx.RespondError(w, fmt.Errorf("%w: role %s lacks %s", shared.ErrForbidden, actor.Role, strings.Join(required, ",")))
		})
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
