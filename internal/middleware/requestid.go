// Package middleware provides the HTTP middleware chain for the API server:
// request ids, structured request logging, CORS, rate limiting, metrics, and
// tracing.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDKey is the context key for the request id.
type requestIDKey struct{}

// RequestIDHeader carries the request id on both requests and responses.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength caps how long an inbound X-Request-ID may be before we
// discard it and mint our own. Load balancers send UUIDs; anything much
// longer is garbage we don't want echoed into logs.
const maxRequestIDLength = 128

// validRequestID accepts ids built from the characters proxies and load
// balancers actually emit. Anything else gets replaced, so log injection
// through a crafted header isn't possible.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// RequestID attaches a request id to every request. A well-formed inbound
// X-Request-ID is honored (so ids stay stable across proxies), otherwise a
// fresh UUID is minted. The id is echoed on the response and stored in the
// request context for the logging middleware.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id from ctx, or "" if none was attached.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
