// Package admin guards the operator surface with a shared token.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/httputil"
	"changehub/pkg/requestcontext"
)

// HeaderAdminToken carries the operator token.
const HeaderAdminToken = "X-Admin-Token"

var errTokenRequired = dErrors.New(dErrors.CodeUnauthorized, "admin token required")

// RequireAdminToken rejects requests whose token does not match expected.
// An empty expected token locks the surface entirely.
func RequireAdminToken(expected string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenMatches(want, r.Header.Get(HeaderAdminToken)) {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token rejected",
					"request_id", requestcontext.RequestID(ctx),
					"path", r.URL.Path,
					"token_present", r.Header.Get(HeaderAdminToken) != "",
				)
				httputil.WriteError(w, errTokenRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenMatches(want []byte, got string) bool {
	if len(want) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(want, []byte(got)) == 1
}
