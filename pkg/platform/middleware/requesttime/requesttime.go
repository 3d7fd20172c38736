// Package requesttime pins one timestamp per request so a record, its new
// version and the change entry written alongside share the same instant.
package requesttime

import (
	"net/http"
	"time"

	"changehub/pkg/requestcontext"
)

// Middleware pins time.Now in UTC onto the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(requestcontext.WithTime(r.Context(), time.Now().UTC())))
	})
}
