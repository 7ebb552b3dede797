package auth

import (
	"errors"
	"net/http"
)

// ErrDevAuthDisabled is returned when the development Principal deriver is
// invoked in a deployment that requires a signing proxy — the dev deriver is
// a production hazard of the same class as the HMAC dev signer fallback, and
// both are refused under the same flag.
var ErrDevAuthDisabled = errors.New("auth: dev principal deriver disabled (REQUIRE_SIGNING_PROXY=1)")

// DevPrincipalHeader is the header the development deriver trusts verbatim.
// It must never be consulted when RequireSigningProxy is set.
const DevPrincipalHeader = "X-Kernel-Principal"

// DevMiddleware derives a Principal from the X-Kernel-Principal header for
// local development and tests. If requireSigningProxy is true it refuses to
// run at all, forcing deployments to wire a real identity source instead.
func DevMiddleware(requireSigningProxy bool) (func(http.Handler) http.Handler, error) {
	if requireSigningProxy {
		return nil, ErrDevAuthDisabled
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(DevPrincipalHeader)
			if id == "" {
				id = "dev-anonymous"
			}
			principal := &BasePrincipal{ID: id, Roles: []string{"operator"}}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}
