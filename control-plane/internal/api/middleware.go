package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/pilot-net/beatmon/control-plane/internal/auth"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// withRequestID attaches the caller's X-Request-ID, or a new one, to the
// request context.
func withRequestID(r *http.Request) (*http.Request, string) {
	id := r.Header.Get(requestIDHeader)
	if id == "" || len(id) > 64 {
		id = uuid.NewString()
	}
	return r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)), id
}

// RequestID returns the request ID stored by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequireAuth creates middleware that checks the Auth header against the gate.
// Rejected requests never reach the handler.
func (s *Server) RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := s.gate.Check(r.Header.Get("Auth"))
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, auth.ErrMissingToken):
				s.logger.Debug("auth failed: missing header",
					"path", r.URL.Path,
					"request_id", RequestID(r.Context()),
				)
				s.writeReason(w, http.StatusBadRequest, reasonUnauthenticated, "Auth header missing")
			default:
				s.logger.Warn("auth failed: invalid token",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"request_id", RequestID(r.Context()),
				)
				s.writeReason(w, http.StatusUnauthorized, reasonUnauthenticated, "Token Invalid")
			}
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
