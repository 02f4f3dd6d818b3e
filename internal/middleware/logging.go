package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Context keys for values the logging middleware picks up after the handler
// chain runs.
type (
	userIDKey       struct{}
	errorCodeKey    struct{}
	rateLimitKeyKey struct{}
)

// SetUserID stores the authenticated participant's user id in the context so
// request logs can be correlated to a participant. The Logging middleware
// and UserKeyFunc read the value back; a request that never sets it is
// logged without a user_id attribute and UserKeyFunc keys it by client IP.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// GetUserID returns the user id from ctx, or "" if the request was anonymous.
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// SetErrorCode stores the API error code for an error response. Handlers set
// this just before writing a 4xx/5xx body so the request log line carries the
// same code the client saw.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the error code from ctx, or "".
func GetErrorCode(ctx context.Context) string {
	code, _ := ctx.Value(errorCodeKey{}).(string)
	return code
}

// SetRateLimitKey stores which key (user or client IP) tripped a rate limit.
func SetRateLimitKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, rateLimitKeyKey{}, key)
}

// GetRateLimitKey returns the rate-limited key from ctx, or "".
func GetRateLimitKey(ctx context.Context) string {
	key, _ := ctx.Value(rateLimitKeyKey{}).(string)
	return key
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// body size, plus the latest context a handler pushed back up (error codes
// are set after the middleware has already built the request context, so the
// writer is the only channel left to reach the logging layer).
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	ctx         context.Context
}

func newResponseWriter(w http.ResponseWriter, initialCtx context.Context) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK, ctx: initialCtx}
}

// WriteHeader records the first status code written; later calls are
// dropped, matching net/http's own single-status behavior.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// SetContext stores an updated context for the logging middleware to read
// once the handler returns.
func (rw *responseWriter) SetContext(ctx context.Context) {
	rw.ctx = ctx
}

// Context returns the most recently stored context.
func (rw *responseWriter) Context() context.Context {
	if rw.ctx != nil {
		return rw.ctx
	}
	return context.Background()
}

// ContextSetter is implemented by response writers that accept context
// updates from downstream handlers.
type ContextSetter interface {
	SetContext(ctx context.Context)
}

// UpdateResponseContext pushes ctx into w if the writer supports it. Error
// helpers call this so the error code they set lands in the request log.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	if cs, ok := w.(ContextSetter); ok {
		cs.SetContext(ctx)
	}
}

// NewLogger builds the process logger: JSON at info level in production,
// human-readable text at debug level everywhere else.
func NewLogger(env string) *slog.Logger {
	return newLoggerWithWriter(env, os.Stdout)
}

func newLoggerWithWriter(env string, w io.Writer) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logging emits one structured line per request: method, path, status,
// latency, size, request id, and — when present — the participant's user id
// and the error code of a failed response. 5xx log at error, other failures
// at warn, everything else at info.
//
// A panicking handler skips the log line; keep any recovery middleware
// outside this one if that matters.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w, r.Context())

			next.ServeHTTP(rw, r)

			finalCtx := rw.Context()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if id := GetRequestID(finalCtx); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if userID := GetUserID(finalCtx); userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}
			if rw.statusCode >= 400 {
				if code := GetErrorCode(finalCtx); code != "" {
					attrs = append(attrs, slog.String("error_code", code))
					if code == rateLimitErrorCode {
						if key := GetRateLimitKey(finalCtx); key != "" {
							attrs = append(attrs, slog.String("rate_limit_key", key))
						}
					}
				}
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(finalCtx, level, "request completed", attrs...)
		})
	}
}
