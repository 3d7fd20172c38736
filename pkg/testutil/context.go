package testutil

import (
	"net/http"

	adminmw "changehub/pkg/platform/middleware/admin"
)

// WithAdminToken sets the operator token header.
func WithAdminToken(req *http.Request, token string) *http.Request {
	req.Header.Set(adminmw.HeaderAdminToken, token)
	return req
}
