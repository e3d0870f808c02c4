package middleware

import (
	"net/http"

	"github.com/gosuda/boardsync/internal/domain"
)

// RequireRole admits requests whose token role is one of roles. Chain it after Auth:
// a request without claims gets 401, any other role 403.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	allowed := make(map[domain.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok || role == "" {
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			if _, match := allowed[role]; !match {
				http.Error(w, `{"title":"Forbidden","status":403,"detail":"insufficient permissions"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireTeacher admits teacher tokens only.
func RequireTeacher() func(http.Handler) http.Handler {
	return RequireRole(domain.RoleTeacher)
}
