package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/openrates/geostage/internal/pipeline"
)

// Identity is supplied by the fronting gateway, which authenticates the
// user and forwards their identity in headers. This service trusts those
// headers; it never authenticates credentials itself.
const (
	HeaderActorID    = "X-Actor-Id"
	HeaderActorRoles = "X-Actor-Roles"
)

type actorKey struct{}

// Actor extracts the acting user from the identity headers and stores it
// in the request context. Requests without an actor still pass; handlers
// that mutate state reject them.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		actor := pipeline.Actor{ID: id}
		for _, role := range strings.Split(r.Header.Get(HeaderActorRoles), ",") {
			role = strings.ToLower(strings.TrimSpace(role))
			switch pipeline.Role(role) {
			case pipeline.RoleUploader, pipeline.RoleReviewer, pipeline.RolePublisher:
				actor.Roles = append(actor.Roles, pipeline.Role(role))
			}
		}

		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext returns the acting user, if the request carried one.
func ActorFromContext(ctx context.Context) (pipeline.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(pipeline.Actor)
	return actor, ok
}
