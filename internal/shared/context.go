package shared

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// Role identifies the staff role acting on the ledger.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleCashier      Role = "cashier"
	RoleReceptionist Role = "receptionist"
	RoleDoctor       Role = "doctor"
	RoleLab          Role = "lab"
	RolePharmacy     Role = "pharmacy"
	// RoleSystem is used by automated order flows and background jobs.
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCashier, RoleReceptionist, RoleDoctor, RoleLab, RolePharmacy, RoleSystem:
		return true
	}
	return false
}

// Actor is the authenticated staff member behind a request.
type Actor struct {
	ID   int64
	Role Role
}

// SystemActor is used by jobs and the CLI.
var SystemActor = Actor{ID: 0, Role: RoleSystem}

const (
	// ActorIDHeader carries the staff id set by the authenticating gateway.
	ActorIDHeader = "X-Actor-ID"
	// ActorRoleHeader carries the staff role set by the authenticating gateway.
	ActorRoleHeader = "X-Actor-Role"
)

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// ActorMiddleware resolves the actor from trusted gateway headers. Requests
// without a valid identity continue anonymously; handlers that mutate the
// ledger reject them.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idRaw := strings.TrimSpace(r.Header.Get(ActorIDHeader))
		role := Role(strings.ToLower(strings.TrimSpace(r.Header.Get(ActorRoleHeader))))
		if idRaw == "" || !role.Valid() {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil || id <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx := ContextWithActor(r.Context(), Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
