package actor

import "context"

type actorContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &a)
}

// FromContext extracts the authenticated actor from the context.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return Actor{}, false
	}
	return *v, true
}
