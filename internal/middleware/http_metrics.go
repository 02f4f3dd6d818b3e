package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are the label values that pass through normalizePath
// unchanged.
var staticRoutes = map[string]bool{
	"/":             true,
	"/api/sessions": true,
	"/ws":           true,
	"/health":       true,
	"/ready":        true,
	"/metrics":      true,
}

// normalizePath collapses dynamic path segments into route patterns —
// /api/sessions/abc123/join becomes /api/sessions/{id}/join — so each route
// is one metric series regardless of how many sessions exist.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	if strings.HasPrefix(path, "/api/sessions/") {
		// Split of /api/sessions/{id}/... puts the id at index 3 and the
		// verb, when present, at index 4.
		parts := strings.Split(path, "/")
		switch {
		case len(parts) == 6 && parts[4] == "participants" && parts[5] != "":
			return "/api/sessions/{id}/participants/{user_id}"
		case len(parts) == 5 && parts[4] == "participants":
			return "/api/sessions/{id}/participants"
		case len(parts) == 5 && parts[4] == "join":
			return "/api/sessions/{id}/join"
		case len(parts) == 5 && parts[4] == "stats":
			return "/api/sessions/{id}/stats"
		case len(parts) == 4 && parts[3] != "":
			return "/api/sessions/{id}"
		}
	}

	// Unknown routes keep their literal path; a new route showing up as-is
	// beats silently folding it into another series.
	return path
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// Health check endpoints (/health, /ready) are excluded from metrics to avoid cardinality issues.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exclude health check endpoints from metrics
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			// Wrap response writer to capture status and size
			mrw := newMetricsResponseWriter(w)

			// Get request size from Content-Length header
			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			// Call the next handler
			next.ServeHTTP(mrw, r)

			// Calculate duration in seconds
			duration := time.Since(start).Seconds()

			// Normalize path to prevent cardinality explosion
			normalizedPath := normalizePath(r.URL.Path)

			// Record metrics
			metrics.ObserveHTTPRequest(
				r.Method,
				normalizedPath,
				strconv.Itoa(mrw.statusCode),
				duration,
				requestSize,
				mrw.size,
			)
		})
	}
}
