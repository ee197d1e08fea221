package identity

import (
	"context"
	"errors"

	"github.com/npezzotti/go-classroom/internal/types"
)

// ErrNoIdentity is returned when the caller cannot be attributed to a user.
// Background publishers treat it as "do nothing".
var ErrNoIdentity = errors.New("no identity")

type Resolver interface {
	CurrentUser(ctx context.Context) (types.User, error)
}

// Static always resolves to the same user. A zero user resolves to
// ErrNoIdentity.
type Static types.User

func (s Static) CurrentUser(context.Context) (types.User, error) {
	if s.Id == "" {
		return types.User{}, ErrNoIdentity
	}
	return types.User(s), nil
}

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, u types.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func UserFromContext(ctx context.Context) (types.User, bool) {
	u, ok := ctx.Value(userKey).(types.User)
	return u, ok && u.Id != ""
}

// ContextResolver resolves the user placed on the request context by the
// auth middleware.
type ContextResolver struct{}

func (ContextResolver) CurrentUser(ctx context.Context) (types.User, error) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return types.User{}, ErrNoIdentity
	}
	return u, nil
}
