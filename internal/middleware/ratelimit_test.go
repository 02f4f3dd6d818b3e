package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func limitedRequest(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestInMemoryStore_FixedWindowCounting(t *testing.T) {
	tests := []struct {
		name        string
		limit       int
		wantAllowed []bool
	}{
		{"under the limit", 5, []bool{true, true, true}},
		{"at and past the limit", 5, []bool{true, true, true, true, true, false, false}},
		{"limit of one", 1, []bool{true, false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemoryRateLimitStore()
			config := RateLimitConfig{RequestsPerWindow: tt.limit, WindowDuration: time.Minute}

			for i, want := range tt.wantAllowed {
				allowed, _, _ := store.Allow(context.Background(), "client", config)
				if allowed != want {
					t.Errorf("request %d: allowed=%v, want %v", i+1, allowed, want)
				}
			}
		})
	}
}

func TestInMemoryStore_RemainingAndRetryAfter(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: 10 * time.Second}
	ctx := context.Background()

	allowed, remaining, retryAfter := store.Allow(ctx, "client", config)
	if !allowed || remaining != 1 || retryAfter != 0 {
		t.Fatalf("first request: got (%v, %d, %d), want (true, 1, 0)", allowed, remaining, retryAfter)
	}

	store.Allow(ctx, "client", config)
	allowed, remaining, retryAfter = store.Allow(ctx, "client", config)
	if allowed || remaining != 0 {
		t.Fatalf("over-limit request: got (%v, %d), want (false, 0)", allowed, remaining)
	}
	if retryAfter <= 0 || retryAfter > 10 {
		t.Fatalf("retryAfter %d outside (0, 10]", retryAfter)
	}
}

func TestInMemoryStore_KeysAreIndependent(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	ctx := context.Background()

	for _, key := range []string{"ip:10.0.0.1", "ip:10.0.0.2"} {
		if allowed, _, _ := store.Allow(ctx, key, config); !allowed {
			t.Errorf("first request for %s should be allowed", key)
		}
	}
	for _, key := range []string{"ip:10.0.0.1", "ip:10.0.0.2"} {
		if allowed, _, _ := store.Allow(ctx, key, config); allowed {
			t.Errorf("second request for %s should be blocked", key)
		}
	}
}

func TestInMemoryStore_WindowExpiryAdmitsAgain(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 50 * time.Millisecond}
	ctx := context.Background()

	store.Allow(ctx, "client", config)
	if allowed, _, _ := store.Allow(ctx, "client", config); allowed {
		t.Fatal("expected block inside the window")
	}

	time.Sleep(60 * time.Millisecond)

	if allowed, _, _ := store.Allow(ctx, "client", config); !allowed {
		t.Fatal("expected a fresh window after expiry")
	}
}

func TestInMemoryStore_ConcurrentAdmissionIsExact(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _, _ := store.Allow(context.Background(), "burst", config); allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 100 {
		t.Fatalf("expected exactly 100 admitted, got %d", admitted)
	}
}

func TestInMemoryStore_CleanupDropsExpiredBuckets(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 50 * time.Millisecond}
	ctx := context.Background()

	store.Allow(ctx, "a", config)
	store.Allow(ctx, "b", config)
	time.Sleep(60 * time.Millisecond)

	store.Cleanup()

	store.mu.Lock()
	n := len(store.buckets)
	store.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected all buckets reclaimed, %d remain", n)
	}
}

func TestIPKeyFunc(t *testing.T) {
	keyFunc := IPKeyFunc()

	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{"remote addr with port", "192.168.1.1:12345", "", "", "192.168.1.1"},
		{"remote addr bare", "192.168.1.1", "", "", "192.168.1.1"},
		{"ipv6 remote addr", "[2001:db8::1]:8080", "", "", "2001:db8::1"},
		{"x-forwarded-for wins", "10.0.0.1:12345", "203.0.113.50", "198.51.100.1", "203.0.113.50"},
		{"first hop of xff chain", "10.0.0.1:12345", "203.0.113.50, 198.51.100.1, 10.0.0.1", "", "203.0.113.50"},
		{"xff whitespace trimmed", "10.0.0.1:12345", "  203.0.113.50  ,  198.51.100.1  ", "", "203.0.113.50"},
		{"x-real-ip fallback", "10.0.0.1:12345", "", " 203.0.113.50 ", "203.0.113.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := keyFunc(req); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserKeyFunc(t *testing.T) {
	keyFunc := UserKeyFunc()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	if got := keyFunc(req); got != "ip:192.168.1.1" {
		t.Errorf("anonymous request: got %q, want ip:192.168.1.1", got)
	}

	req = req.WithContext(SetUserID(req.Context(), "user-7f3a"))
	if got := keyFunc(req); got != "user:user-7f3a" {
		t.Errorf("authenticated request: got %q, want user:user-7f3a", got)
	}
}

func TestRateLimiter_AdmitsUnderLimit(t *testing.T) {
	handler := RateLimiter(
		NewInMemoryRateLimitStore(),
		RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
		IPKeyFunc(), nil,
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 50; i++ {
		if rr := limitedRequest(handler, "192.168.1.1:12345"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, rr.Code)
		}
	}
}

func TestRateLimiter_RejectsOverLimitWith429(t *testing.T) {
	handler := RateLimiter(
		NewInMemoryRateLimitStore(),
		RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute},
		IPKeyFunc(), nil,
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	admitted, rejected := 0, 0
	for i := 0; i < 20; i++ {
		switch rr := limitedRequest(handler, "192.168.1.1:12345"); rr.Code {
		case http.StatusOK:
			admitted++
		case http.StatusTooManyRequests:
			rejected++
		default:
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}
	if admitted != 10 || rejected != 10 {
		t.Fatalf("expected 10 admitted / 10 rejected, got %d / %d", admitted, rejected)
	}
}

func TestRateLimiter_QuotaHeaders(t *testing.T) {
	handler := RateLimiter(
		NewInMemoryRateLimitStore(),
		RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 30 * time.Second},
		IPKeyFunc(), nil,
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := limitedRequest(handler, "192.168.1.1:12345")
	if first.Code != http.StatusOK {
		t.Fatalf("first request: got %d", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit: got %q, want 1", got)
	}
	if got := first.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining: got %q, want 0", got)
	}

	second := limitedRequest(handler, "192.168.1.1:12345")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", second.Code)
	}
	retryAfter, err := strconv.Atoi(second.Header().Get("Retry-After"))
	if err != nil || retryAfter <= 0 || retryAfter > 30 {
		t.Errorf("Retry-After %q outside (0, 30]", second.Header().Get("Retry-After"))
	}
	if second.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset on a 429")
	}
}

func TestRateLimiter_ClientsDoNotShareQuota(t *testing.T) {
	handler := RateLimiter(
		NewInMemoryRateLimitStore(),
		RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute},
		IPKeyFunc(), nil,
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		if rr := limitedRequest(handler, "192.168.1.1:12345"); rr.Code != http.StatusOK {
			t.Fatalf("client1 request %d rejected", i+1)
		}
	}
	if rr := limitedRequest(handler, "192.168.1.1:12345"); rr.Code != http.StatusTooManyRequests {
		t.Fatal("client1 should be over quota")
	}
	for i := 0; i < 5; i++ {
		if rr := limitedRequest(handler, "192.168.1.2:12345"); rr.Code != http.StatusOK {
			t.Fatalf("client2 request %d rejected despite fresh quota", i+1)
		}
	}
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{"valid", RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}, false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, true},
		{"negative requests", RateLimitConfig{RequestsPerWindow: -1, WindowDuration: time.Minute}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultLimits(t *testing.T) {
	for name, cfg := range map[string]RateLimitConfig{
		"global": DefaultGlobalLimit(),
		"create": DefaultCreateLimit(),
		"join":   DefaultJoinLimit(),
	} {
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s default is invalid: %v", name, err)
		}
		if cfg.WindowDuration != time.Minute {
			t.Errorf("%s default window is %v, want 1m", name, cfg.WindowDuration)
		}
	}
	if g, c, j := DefaultGlobalLimit(), DefaultCreateLimit(), DefaultJoinLimit(); g.RequestsPerWindow <= c.RequestsPerWindow || c.RequestsPerWindow <= j.RequestsPerWindow {
		t.Error("expected global > create > join limits")
	}
}

func TestParseScriptReply(t *testing.T) {
	tests := []struct {
		name  string
		reply any
		ok    bool
	}{
		{"admitted", []interface{}{int64(1), int64(4), int64(0)}, true},
		{"rejected", []interface{}{int64(0), int64(0), int64(12)}, true},
		{"wrong length", []interface{}{int64(1)}, false},
		{"wrong element type", []interface{}{"1", int64(0), int64(0)}, false},
		{"not a slice", "garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, ok := parseScriptReply(tt.reply)
			if ok != tt.ok {
				t.Errorf("parseScriptReply ok=%v, want %v", ok, tt.ok)
			}
		})
	}
}
