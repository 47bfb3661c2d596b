package auth

import "context"

type serviceIDKey struct{}

func ContextWithServiceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, serviceIDKey{}, id)
}

func ServiceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(serviceIDKey{}).(string)
	return id, ok
}
