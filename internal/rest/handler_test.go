package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"discord-session/internal/events"
	"discord-session/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(base string) Config {
	return Config{
		Token:                         "user-token",
		APIBase:                       base,
		Version:                       9,
		UserAgent:                     "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0.0.0",
		Locale:                        "en-US",
		OS:                            "linux",
		GlobalLimit:                   50,
		RequestTimeout:                5 * time.Second,
		RetryLimit:                    3,
		InvalidRequestWarningInterval: 1,
		CaptchaRetryLimit:             2,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(testLogger())
	m := NewManager(cfg, bus, testLogger())
	t.Cleanup(m.Close)
	t.Cleanup(bus.Close)
	return m, bus
}

func TestRequestSendsAuthAndSuperProperties(t *testing.T) {
	t.Parallel()
	var gotAuth, gotProps, gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotProps.Store(r.Header.Get("X-Super-Properties"))
		gotPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"42"}`)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t, testConfig(srv.URL))
	body, err := m.Request(context.Background(), "GET",
		NewRoute("users", "@me"), nil)
	if err != nil {
		t.Fatalf("Request() = %v", err)
	}
	if string(body) != `{"id":"42"}` {
		t.Errorf("body = %s", body)
	}
	if gotAuth.Load() != "user-token" {
		t.Errorf("Authorization = %q, want user-token", gotAuth.Load())
	}
	if gotProps.Load() == "" {
		t.Error("X-Super-Properties missing")
	}
	if gotPath.Load() != "/v9/users/@me" {
		t.Errorf("path = %q, want /v9/users/@me", gotPath.Load())
	}
}

func TestSublimitSleepsWithoutTouchingBucket(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.3")
			w.Header().Set("x-ratelimit-remaining", "4")
			w.Header().Set("x-ratelimit-reset-after", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message":"sublimit","retry_after":0.3}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t, testConfig(srv.URL))
	route := NewRoute("channels", "111111111111111111")

	start := time.Now()
	if _, err := m.Request(context.Background(), "PATCH", route, nil); err != nil {
		t.Fatalf("Request() = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("request returned after %v, want >= ~300ms sublimit sleep", elapsed)
	}

	// The bucket's route-wide state must reflect the headers, not the
	// sublimit: remaining 4 means the next call does not wait 60s.
	h := m.handlerFor(route.Key("PATCH"))
	h.mu.Lock()
	remaining, resetAt := h.remaining, h.resetAt
	h.mu.Unlock()
	if remaining != 4 {
		t.Errorf("bucket remaining = %d, want 4", remaining)
	}
	if until := time.Until(resetAt); until < 55*time.Second || until > 61*time.Second {
		t.Errorf("bucket reset in %v, want ~60s", until)
	}

	start = time.Now()
	if _, err := m.Request(context.Background(), "PATCH", route, nil); err != nil {
		t.Fatalf("second Request() = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("second request waited %v, want immediate", elapsed)
	}
}

func TestGlobalRateLimitSharedAcrossBuckets(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("x-ratelimit-global", "true")
			w.Header().Set("Retry-After", "0.4")
			w.Header().Set("x-ratelimit-scope", "global")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"global":true,"retry_after":0.4}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t, testConfig(srv.URL))

	start := time.Now()
	done := make(chan error, 2)
	go func() {
		_, err := m.Request(context.Background(), "GET", NewRoute("guilds", "111111111111111111"), nil)
		done <- err
	}()
	go func() {
		time.Sleep(50 * time.Millisecond) // let the first request trip the limit
		_, err := m.Request(context.Background(), "GET", NewRoute("users", "@me"), nil)
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 350*time.Millisecond {
		t.Errorf("requests completed in %v, want >= ~400ms global wait", elapsed)
	}

	m.global.mu.Lock()
	armed := m.global.delay != nil
	m.global.mu.Unlock()
	if armed {
		t.Error("global delay timer still armed after expiry")
	}
}

func TestRejectOnRateLimit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.RejectOnRateLimit = RejectRoutePrefixes("/channels")
	m, _ := newTestManager(t, cfg)

	route := NewRoute("channels", "111111111111111111")
	h := m.handlerFor(route.Key("GET"))
	h.mu.Lock()
	h.remaining = 0
	h.resetAt = time.Now().Add(time.Minute)
	h.mu.Unlock()

	_, err := m.Request(context.Background(), "GET", route, nil)
	rlErr, ok := err.(*RateLimitError)
	if !ok {
		t.Fatalf("Request() = %v, want *RateLimitError", err)
	}
	if rlErr.Global {
		t.Error("Global = true, want bucket limit")
	}
	if rlErr.Route != "/channels/111111111111111111" {
		t.Errorf("Route = %q", rlErr.Route)
	}
}

func TestCaptchaRetryBounded(t *testing.T) {
	t.Parallel()
	captchaBody := `{"captcha_key":["captcha-required"],"captcha_sitekey":"sk","captcha_rqtoken":"rq-1"}`
	var solved atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Captcha-Key") == "solution-ok" {
			fmt.Fprint(w, `{"ok":true}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, captchaBody)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.CaptchaSolver = func(ctx context.Context, c CaptchaChallenge, ua string) (string, error) {
		solved.Add(1)
		return "solution-ok", nil
	}
	m, _ := newTestManager(t, cfg)

	body, err := m.Request(context.Background(), "POST", NewRoute("channels", "111111111111111111", "messages"), nil)
	if err != nil {
		t.Fatalf("Request() = %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
	if solved.Load() != 1 {
		t.Errorf("solver invoked %d times, want 1", solved.Load())
	}

	// A solver whose answers never satisfy the server stops after the
	// retry budget and surfaces the API error.
	cfg2 := testConfig(srv.URL)
	var badSolves atomic.Int32
	cfg2.CaptchaSolver = func(ctx context.Context, c CaptchaChallenge, ua string) (string, error) {
		badSolves.Add(1)
		return "solution-bad", nil
	}
	m2, _ := newTestManager(t, cfg2)
	_, err = m2.Request(context.Background(), "POST", NewRoute("channels", "111111111111111111", "messages"), nil)
	var apiErr *APIError
	if !asAPIError(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("Request() = %v, want *APIError 400", err)
	}
	if badSolves.Load() != int32(cfg2.CaptchaRetryLimit) {
		t.Errorf("solver invoked %d times, want %d", badSolves.Load(), cfg2.CaptchaRetryLimit)
	}
}

func asAPIError(err error, target **APIError) bool {
	e, ok := err.(*APIError)
	if ok {
		*target = e
	}
	return ok
}

func TestMFARetryOnce(t *testing.T) {
	t.Parallel()
	mfaBody := `{"code":60003,"message":"Two factor required","mfa":{"ticket":"tick-1","methods":[{"type":"totp"}]}}`
	var finishCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v9/mfa/finish" {
			finishCalls.Add(1)
			var req struct {
				Ticket string `json:"ticket"`
				Type   string `json:"mfa_type"`
				Data   string `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Ticket != "tick-1" || req.Type != "totp" || req.Data == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, `{"token":"mfa-token-1"}`)
			return
		}
		if r.Header.Get("X-Discord-Mfa-Authorization") == "mfa-token-1" {
			fmt.Fprint(w, `{"deleted":true}`)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, mfaBody)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.TOTPKey = "JBSWY3DPEHPK3PXP"
	m, _ := newTestManager(t, cfg)

	body, err := m.Request(context.Background(), "DELETE", NewRoute("guilds", "111111111111111111"), nil)
	if err != nil {
		t.Fatalf("Request() = %v", err)
	}
	if string(body) != `{"deleted":true}` {
		t.Errorf("body = %s", body)
	}
	if finishCalls.Load() != 1 {
		t.Errorf("mfa finish called %d times, want 1", finishCalls.Load())
	}
}

func TestServerErrorRetriesThenFails(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t, testConfig(srv.URL))
	if _, err := m.Request(context.Background(), "GET", NewRoute("users", "@me"), nil); err != nil {
		t.Fatalf("Request() = %v, want success after retries", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}

	// A server that never recovers exhausts the budget.
	var always atomic.Int32
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		always.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv2.Close)

	m2, _ := newTestManager(t, testConfig(srv2.URL))
	_, err := m2.Request(context.Background(), "GET", NewRoute("users", "@me"), nil)
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("Request() = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", httpErr.Status)
	}
	if got := always.Load(); got != int32(m2.cfg.RetryLimit)+1 {
		t.Errorf("server saw %d calls, want %d", got, m2.cfg.RetryLimit+1)
	}
}

func TestBucketDiscoveryMergesHandlers(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-bucket", "shared-hash-1")
		w.Header().Set("x-ratelimit-limit", "5")
		w.Header().Set("x-ratelimit-remaining", "4")
		w.Header().Set("x-ratelimit-reset-after", "2")
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t, testConfig(srv.URL))
	routeA := NewRoute("channels", "111111111111111111", "messages")
	routeB := NewRoute("channels", "222222222222222222", "messages")

	if _, err := m.Request(context.Background(), "GET", routeA, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Request(context.Background(), "GET", routeB, nil); err != nil {
		t.Fatal(err)
	}

	hA := m.handlerFor(routeA.Key("GET"))
	hB := m.handlerFor(routeB.Key("GET"))
	if hA != hB {
		t.Error("routes sharing a bucket hash got distinct handlers")
	}
	m.mu.Lock()
	_, hashed := m.handlers["hash:shared-hash-1"]
	m.mu.Unlock()
	if !hashed {
		t.Error("handler not registered under discovered hash")
	}
}

func TestInvalidRequestWarningEmitted(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"401: Unauthorized","code":0}`)
	}))
	t.Cleanup(srv.Close)

	m, bus := newTestManager(t, testConfig(srv.URL))
	warnings, cancel := bus.Subscribe(types.EventInvalidRequestWarning, 4)
	defer cancel()

	_, err := m.Request(context.Background(), "GET", NewRoute("users", "@me"), nil)
	var apiErr *APIError
	if !asAPIError(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("Request() = %v, want *APIError 401", err)
	}

	select {
	case evt := <-warnings:
		warn, ok := evt.Payload.(types.InvalidRequestWarning)
		if !ok || warn.Count != 1 {
			t.Errorf("warning payload = %+v, want count 1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("INVALID_REQUEST_WARNING never emitted")
	}
}

func TestSharedScopeDoesNotCountInvalid(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("x-ratelimit-scope", "shared")
			w.Header().Set("Retry-After", "0.1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"retry_after":0.1}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t, testConfig(srv.URL))
	if _, err := m.Request(context.Background(), "GET", NewRoute("guilds", "111111111111111111"), nil); err != nil {
		t.Fatalf("Request() = %v", err)
	}
	m.invalid.mu.Lock()
	count := m.invalid.count
	m.invalid.mu.Unlock()
	if count != 0 {
		t.Errorf("invalid count = %d after shared 429, want 0", count)
	}
}
