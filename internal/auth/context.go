package auth

import (
	"context"

	"gitea.jw6.us/james/dossiersync/internal/store"
)

type contextKey string

const contextKeyUser contextKey = "user"

func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(contextKeyUser).(*store.User)
	return u, ok
}

// OperatorID returns the signed-in operator's id, or nil outside a session.
func OperatorID(ctx context.Context) *int64 {
	u, ok := UserFromContext(ctx)
	if !ok || u == nil {
		return nil
	}
	id := u.ID
	return &id
}
