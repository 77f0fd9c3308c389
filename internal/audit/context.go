package audit

import "context"

type actorKey struct{}

type actorInfo struct {
	actor string
	ip    string
}

// WithActor returns a context naming who performs the actions recorded under it and from where.
func WithActor(ctx context.Context, actor, ip string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorInfo{actor: actor, ip: ip})
}

// ActorFromContext returns the actor and IP set by WithActor, or fallback and "" when unset.
func ActorFromContext(ctx context.Context, fallback string) (actor, ip string) {
	if info, ok := ctx.Value(actorKey{}).(actorInfo); ok && info.actor != "" {
		return info.actor, info.ip
	}
	return fallback, ""
}
