package types

// RoleSource resolves the roles an actor holds. Implementations come
// from the embedding application; the gate itself never authenticates
// or stores identities.
type RoleSource interface {
	Roles(ctx *RequestCtx, actor string) ([]string, error)
}

// RoleSourceFunc adapts a function into a RoleSource.
type RoleSourceFunc func(ctx *RequestCtx, actor string) ([]string, error)

func (f RoleSourceFunc) Roles(ctx *RequestCtx, actor string) ([]string, error) {
	return f(ctx, actor)
}
