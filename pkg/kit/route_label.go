package kit

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const unmatchedRoute = "unmatched"

// RouteLabel names the matched chi route for metric labels. Requests that
// matched no route share a single label.
func RouteLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}

	rp := rctx.RoutePattern()
	if rp == "" || rp == "/*" {
		return unmatchedRoute
	}
	if len(rp) > 1 {
		rp = strings.TrimSuffix(rp, "/")
	}
	return rp
}
