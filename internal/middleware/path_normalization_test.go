package middleware

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/api/sessions", "/api/sessions"},
		{"/ws", "/ws"},
		{"/health", "/health"},
		{"/ready", "/ready"},
		{"/metrics", "/metrics"},
		{"/api/sessions/abc123", "/api/sessions/{id}"},
		{"/api/sessions/550e8400-e29b-41d4-a716-446655440000", "/api/sessions/{id}"},
		{"/api/sessions/abc123/join", "/api/sessions/{id}/join"},
		{"/api/sessions/abc123/stats", "/api/sessions/{id}/stats"},
		{"/api/sessions/abc123/participants", "/api/sessions/{id}/participants"},
		{"/api/sessions/abc123/participants/user-456", "/api/sessions/{id}/participants/{user_id}"},
		{"/unknown/path", "/unknown/path"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// Every session id shape must fold into the same series label.
func TestNormalizePath_BoundsCardinality(t *testing.T) {
	ids := []string{"1", "999", "abc-def-ghi", "550e8400-e29b-41d4-a716-446655440000"}

	seen := make(map[string]bool)
	for _, id := range ids {
		seen[normalizePath("/api/sessions/"+id)] = true
	}
	if len(seen) != 1 || !seen["/api/sessions/{id}"] {
		t.Errorf("session ids did not collapse to one pattern: %v", seen)
	}
}
