package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"localrouter/internal/api"
)

type contextKey string

const authContextKey contextKey = "localrouter.auth"

// authMiddleware validates the Bearer API key and attaches the
// resulting AuthContext to the request. Absent, malformed, unknown, and
// disabled keys are all rejected with 401 unauthorized; unknown and
// disabled keys get the same message.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, api.NewError(api.ErrKindUnauthorized, "missing Authorization header"))
			return
		}
		secret, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, api.NewError(api.ErrKindUnauthorized, "invalid Authorization header format"))
			return
		}

		keyStore := api.GetKeyStore()
		if keyStore == nil {
			writeError(w, api.NewError(api.ErrKindInternal, "key store unavailable"))
			return
		}
		authCtx, ok := keyStore.VerifyKey(secret)
		if !ok {
			writeError(w, api.NewError(api.ErrKindUnauthorized, "invalid API key"))
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authFromContext returns the AuthContext attached by authMiddleware.
func authFromContext(ctx context.Context) *api.AuthContext {
	authCtx, _ := ctx.Value(authContextKey).(*api.AuthContext)
	return authCtx
}

// writeError renders err in the service error shape with the kind's
// HTTP status and a Retry-After header when the error carries one.
func writeError(w http.ResponseWriter, err error) {
	kind := api.KindOf(err)
	if retryAfter := api.RetryAfterOf(err); retryAfter > 0 {
		seconds := int(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	json.NewEncoder(w).Encode(api.NewErrorResponse(err))
}

// writeJSON renders a 200 response body.
func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
