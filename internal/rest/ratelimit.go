// ratelimit.go is the coordinator between server rate-limit headers and the
// per-bucket handlers.
//
// The server speaks in seconds with millisecond fractions. Those fractions
// matter — a reset of 1.249s rounded down re-fires the limit — so the header
// values go through decimal arithmetic rather than float64 before they
// become deadlines.
package rest

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// reactionResetPad covers the server-side coalescing window on reaction
// routes when only the coarse reset header is available.
const reactionResetPad = 250 * time.Millisecond

// invalidWindow is the roll-over period of the invalid-request counter.
const invalidWindow = 10 * time.Minute

// headerInfo is the rate-limit view of one response.
type headerInfo struct {
	Bucket     string // x-ratelimit-bucket hash, empty when absent
	Limit      int
	HasLimit   bool
	Remaining  int
	HasRemain  bool
	ResetAt    time.Time // zero when the response carried no reset
	RetryAfter time.Duration
	Scope      string // "", "global", "shared", "user"
	Global     bool   // x-ratelimit-global present
}

// parseSeconds converts a decimal-seconds header to a duration.
func parseSeconds(value string) (time.Duration, bool) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, false
	}
	ms := d.Mul(decimal.NewFromInt(1000)).IntPart()
	return time.Duration(ms) * time.Millisecond, true
}

// parseHeaders extracts rate-limit bookkeeping from response headers.
// reaction routes get extra reset padding when only the absolute reset
// header is present.
func parseHeaders(h http.Header, reaction bool, now time.Time) headerInfo {
	var info headerInfo
	info.Bucket = h.Get("x-ratelimit-bucket")
	info.Scope = h.Get("x-ratelimit-scope")
	info.Global = h.Get("x-ratelimit-global") != ""

	if v := h.Get("x-ratelimit-limit"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			info.Limit = int(d.IntPart())
			info.HasLimit = true
		}
	}
	if v := h.Get("x-ratelimit-remaining"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			info.Remaining = int(d.IntPart())
			info.HasRemain = true
		}
	}
	if v := h.Get("retry-after"); v != "" {
		if dur, ok := parseSeconds(v); ok {
			info.RetryAfter = dur
		}
	}

	// Prefer reset-after: it is relative, so client clock skew cannot touch
	// it. Fall back to the absolute reset corrected by the server date.
	if v := h.Get("x-ratelimit-reset-after"); v != "" {
		if dur, ok := parseSeconds(v); ok {
			info.ResetAt = now.Add(dur)
			return info
		}
	}
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if at, ok := parseSeconds(v); ok {
			reset := time.UnixMilli(at.Milliseconds())
			if serverDate, err := http.ParseTime(h.Get("date")); err == nil {
				reset = reset.Add(now.Sub(serverDate))
			}
			if reaction {
				reset = reset.Add(reactionResetPad)
			}
			info.ResetAt = reset
		}
	}
	return info
}

// rateLimitBody is the JSON fallback when a 429 arrives without usable
// headers.
type rateLimitBody struct {
	Global     bool    `json:"global"`
	RetryAfter float64 `json:"retry_after"`
	Message    string  `json:"message"`
	Code       int     `json:"code"`
}

// resolve429 returns the wait and whether the limit is global, consulting
// the body when the header came back empty.
func resolve429(info headerInfo, body []byte) (wait time.Duration, global bool) {
	wait = info.RetryAfter
	global = info.Global || info.Scope == "global"
	if wait > 0 {
		return wait, global
	}
	var parsed rateLimitBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.RetryAfter > 0 {
			wait = time.Duration(parsed.RetryAfter * float64(time.Second))
		}
		global = global || parsed.Global
	}
	return wait, global
}

// backoff429 and backoff5xx compute the retry delay: exponential with the
// exponent capped at 5, a hard ceiling, and up to 20% uniform jitter.
func backoff429(retries int) time.Duration {
	return expBackoff(retries, 125*time.Millisecond, 1500*time.Millisecond)
}

func backoff5xx(retries int) time.Duration {
	return expBackoff(retries, 200*time.Millisecond, 3*time.Second)
}

func expBackoff(retries int, base, ceil time.Duration) time.Duration {
	if retries > 5 {
		retries = 5
	}
	d := base << retries
	if d > ceil {
		d = ceil
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// ————————————————————————————————————————————————————————————————————————
// Global window
// ————————————————————————————————————————————————————————————————————————

// globalState tracks the client-wide request budget. Webhook requests
// bypass it entirely.
type globalState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	offset    time.Duration // restTimeOffset applied to every wait
	delay     chan struct{} // coalesced expiry signal, nil when nobody waits
}

func newGlobalState(limit int, offset time.Duration) *globalState {
	return &globalState{limit: limit, remaining: limit, offset: offset}
}

// limitedFor returns how long the global window blocks requests right now,
// zero when requests may proceed.
func (g *globalState) limitedFor(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remaining > 0 || !now.Before(g.resetAt) {
		return 0
	}
	return g.resetAt.Add(g.offset).Sub(now)
}

// markUsage refreshes the one-second window when it lapsed and spends one
// request from it.
func (g *globalState) markUsage(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resetAt.Before(now) {
		g.resetAt = now.Add(time.Second)
		g.remaining = g.limit
	}
	g.remaining--
}

// hitGlobal records a server-declared global rate limit.
func (g *globalState) hitGlobal(now time.Time, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = 0
	g.resetAt = now.Add(retryAfter)
}

// wait blocks until the global window opens. Concurrent waiters share one
// timer; none of them arms a second one.
func (g *globalState) wait(ctx context.Context) error {
	g.mu.Lock()
	remaining := g.resetAt.Add(g.offset).Sub(time.Now())
	if g.remaining > 0 || remaining <= 0 {
		g.mu.Unlock()
		return nil
	}
	if g.delay == nil {
		ch := make(chan struct{})
		g.delay = ch
		time.AfterFunc(remaining, func() {
			g.mu.Lock()
			g.delay = nil
			g.mu.Unlock()
			close(ch)
		})
	}
	ch := g.delay
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Invalid-request circuit breaker
// ————————————————————————————————————————————————————————————————————————

// invalidCounter counts 401/403/non-shared-429 responses over a 10-minute
// window that restarts with the first invalid response after it lapses. Enough of them and the server bans the client's IP, so
// the breaker slows the pipeline down well before that.
type invalidCounter struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// record registers one invalid response and reports the window count and
// time left in the window.
func (c *invalidCounter) record(now time.Time) (count int, remaining time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.resetAt) {
		c.count = 0
		c.resetAt = now.Add(invalidWindow)
	}
	c.count++
	return c.count, c.resetAt.Sub(now)
}

// reset clears the window. Test hook.
func (c *invalidCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
	c.resetAt = time.Time{}
}

// breakerSleep maps the window count to the slow-down tier.
func breakerSleep(count int) time.Duration {
	switch {
	case count >= 9000:
		return 5 * time.Second
	case count >= 5000:
		return 1500 * time.Millisecond
	case count >= 2500:
		return 500 * time.Millisecond
	default:
		return 0
	}
}
