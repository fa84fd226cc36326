package auth

import (
	"context"

	"github.com/vaibhavgarg25/dashboard/internal/model"
)

// Identity is the resolved caller of a single request. A nil *Identity
// means the request is anonymous; operations decide for themselves
// whether anonymous access is allowed.
type Identity struct {
	UserID string
	Role   model.Role
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) *Identity {
	value := ctx.Value(identityKey{})
	identity, _ := value.(*Identity)
	return identity
}
