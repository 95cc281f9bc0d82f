// middleware.go

// Correlation ids and session authentication middleware.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"
const correlationIDKey contextKey = "correlation_id"

// CorrelationHeader is read from requests and echoed on every response.
const CorrelationHeader = "X-Correlation-ID"

// maxCorrelationIDLen caps client-supplied ids before they reach logs.
const maxCorrelationIDLen = 128

// UserIDFromContext retrieves authenticated user's ID from context.
// Returns zero UUID and false if Authenticated hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// CorrelationIDFromContext retrieves the request's correlation id.
// Returns "" and false if CorrelationID hasn't run.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok
}

// CorrelationID reuses a well-formed X-Correlation-ID from the request or
// generates a UUIDv4, stores it in context and sets it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if !validCorrelationID(id) {
			id = uuid.Must(uuid.NewV4()).String()
		}
		w.Header().Set(CorrelationHeader, id)
		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validCorrelationID accepts short printable ASCII without spaces.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// PrincipalHandlerFunc is a handler that runs only for a resolved principal.
// The principal is passed in explicitly; handlers never read identity from
// the body or path.
type PrincipalHandlerFunc func(w http.ResponseWriter, r *http.Request, user *store.User)

// Authenticated resolves the caller via the handler's resolver and invokes next.
// 401 for any auth failure, 500 if the principal could not be loaded.
func (h *AuthHandler) Authenticated(next PrincipalHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := h.resolver().Resolve(r)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				Unauthorized(w, r, "unauthorized")
				return
			}
			InternalServerError(w, r, err)
			return
		}

		// Inject user_id for downstream logging.
		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		next(w, r.WithContext(ctx), user)
	}
}
