package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// hit sends one request through h and returns the recorder.
func hit(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_PushBurstThenRejected(t *testing.T) {
	ts := newTestServer(t, withRateLimit(60, 3))

	for i := 0; i < 3; i++ {
		ts.push(t, `{"title":"burst","data":{"chatId":"c1","message":"m"}}`)
	}

	resp, raw := ts.do(t, http.MethodPost, "/push", `{"data":{"chatId":"c1","message":"over"}}`, true)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil || body["error"] != "rate limit exceeded" {
		t.Fatalf("body = %s (%v)", raw, err)
	}
	if n := ts.pending(t); n != 3 {
		t.Fatalf("a rejected push must not be queued, pending = %d", n)
	}

	// Health probes and assets stay reachable while the push intake is throttled.
	if resp, _ := ts.do(t, http.MethodGet, "/healthz", "", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestRateLimit_UnauthenticatedCallerHasOwnBucket(t *testing.T) {
	ts := newTestServer(t, withRateLimit(60, 1))

	ts.push(t, `{}`)
	if resp, _ := ts.do(t, http.MethodPost, "/push", `{}`, true); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("token bucket should be empty, got %d", resp.StatusCode)
	}

	// A caller without the token is metered by address and still reaches auth.
	if resp, _ := ts.do(t, http.MethodGet, "/notifications", "", false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 60 per minute refills one request per second.
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	h := rl.Wrap(okHandler())

	if rec := hit(h, http.MethodPost, "/push", "cli"); rec.Code != http.StatusOK {
		t.Fatalf("first push: %d", rec.Code)
	}
	if rec := hit(h, http.MethodPost, "/push", "cli"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second push: %d, want 429", rec.Code)
	}
	time.Sleep(1100 * time.Millisecond)
	if rec := hit(h, http.MethodPost, "/push", "cli"); rec.Code != http.StatusOK {
		t.Fatalf("push after refill: %d", rec.Code)
	}
}

func TestRateLimit_HostAndPushTokensIsolated(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	h := rl.Wrap(okHandler())

	for i := 0; i < 2; i++ {
		if rec := hit(h, http.MethodPost, "/push", "push-relay"); rec.Code != http.StatusOK {
			t.Fatalf("relay push %d: %d", i, rec.Code)
		}
	}
	if rec := hit(h, http.MethodPost, "/push", "push-relay"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("relay should be throttled, got %d", rec.Code)
	}
	if rec := hit(h, http.MethodPost, "/notifications/n1/click", "watch-client"); rec.Code != http.StatusOK {
		t.Fatalf("another caller must keep its own bucket, got %d", rec.Code)
	}
}

func TestRateLimit_PublicRoutesNotMetered(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1})
	rejected := 0
	rl.OnReject = func(*http.Request) { rejected++ }
	h := rl.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		hit(h, http.MethodPost, "/push", "")
	}
	if rejected != 2 {
		t.Fatalf("rejections = %d, want 2", rejected)
	}

	// Same remote address, but page sockets, assets and health are free.
	for _, path := range []string{"/healthz", "/assets/index.html", "/ws?url=http://127.0.0.1:18790/"} {
		if rec := hit(h, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, rec.Code)
		}
	}
	// Host sockets are metered like the REST API.
	if rec := hit(h, http.MethodGet, "/ws?role=host", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("host socket: %d, want 429", rec.Code)
	}
	if rejected != 3 {
		t.Fatalf("rejections = %d, want 3", rejected)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true})
	h := rl.Wrap(okHandler())

	for _, token := range []string{"relay-1", "relay-2", "watch"} {
		hit(h, http.MethodPost, "/push", token)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("buckets = %d, want 3", rl.BucketCount())
	}
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 3 {
		t.Fatalf("recent buckets must survive, got %d", rl.BucketCount())
	}
	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("buckets after full eviction = %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false, BurstSize: 1})
	h := rl.Wrap(okHandler())
	for i := 0; i < 5; i++ {
		if rec := hit(h, http.MethodPost, "/push", ""); rec.Code != http.StatusOK {
			t.Fatalf("push %d: %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatal("disabled limiter must not track callers")
	}
}
