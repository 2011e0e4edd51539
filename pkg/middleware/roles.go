package middleware

import (
	"net/http"

	"github.com/platinummonkey/keygate/pkg/httputil"
	"github.com/platinummonkey/keygate/pkg/sso"
)

// RequireUser rejects requests that did not pass a route guard
func RequireUser(next http.Handler) http.Handler {
	return requireFlag(func(*sso.UserIdentity) bool { return true }, "")(next)
}

// RequireAdmin only lets users holding the realm admin role through
func RequireAdmin(next http.Handler) http.Handler {
	return requireFlag(func(u *sso.UserIdentity) bool { return u.Admin }, "admin role required")(next)
}

// RequireAuthor only lets users holding the realm author role through
func RequireAuthor(next http.Handler) http.Handler {
	return requireFlag(func(u *sso.UserIdentity) bool { return u.Author }, "author role required")(next)
}

// RequireAnyRole lets a user through if they are an admin or an author
func RequireAnyRole(next http.Handler) http.Handler {
	return requireFlag(func(u *sso.UserIdentity) bool { return u.Admin || u.Author }, "insufficient role permissions")(next)
}

func requireFlag(allowed func(*sso.UserIdentity) bool, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := sso.UserFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			if !allowed(user) {
				httputil.WriteForbidden(w, message)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
