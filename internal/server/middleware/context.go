package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/boardsync/internal/auth"
	"github.com/gosuda/boardsync/internal/domain"
)

type contextKey string

const (
	ContextKeyClaims   contextKey = "claims"
	ContextKeyUserID   contextKey = "user_id"
	ContextKeyUserRole contextKey = "role"
)

// WithClaims stores validated token claims in ctx.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClaims, claims)
	ctx = context.WithValue(ctx, ContextKeyUserRole, claims.Role)
	if id, err := uuid.Parse(claims.UserID); err == nil {
		ctx = context.WithValue(ctx, ContextKeyUserID, id)
	}
	return ctx
}

func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v, ok := ctx.Value(ContextKeyClaims).(*auth.Claims)
	return v, ok && v != nil
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyUserID).(uuid.UUID)
	return v, ok
}

func RoleFromContext(ctx context.Context) (domain.Role, bool) {
	v, ok := ctx.Value(ContextKeyUserRole).(domain.Role)
	return v, ok
}
