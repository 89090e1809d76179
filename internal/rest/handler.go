// handler.go is the per-bucket request worker.
//
// One handler owns the FIFO queue for one rate-limit bucket and keeps at
// most one HTTP call in flight. The loop consults the coordinator before
// each attempt, applies response headers after, and drives the retry
// ladders: 429 scopes, captcha challenges, second-factor demands, and 5xx
// backoff.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"discord-session/pkg/types"
)

const handlerQueueSize = 512

// knownCaptchaKeys is the closed set of server captcha messages the retry
// loop recognizes. Anything else surfaces as a plain API error.
var knownCaptchaKeys = map[string]bool{
	"incorrect-captcha":           true,
	"response-already-used":       true,
	"captcha-required":            true,
	"invalid-input-response":      true,
	"invalid-response":            true,
	"needs-update":                true,
	"response-already-used-error": true,
	"rqkey-mismatch":              true,
	"sitekey-secret-mismatch":     true,
}

type handler struct {
	m   *Manager
	key string

	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time

	queue    chan *apiRequest
	quit     chan struct{}
	lastUsed atomic.Int64 // unix nano
}

func newHandler(m *Manager, key string) *handler {
	h := &handler{
		m:         m,
		key:       key,
		limit:     -1,
		remaining: -1,
		queue:     make(chan *apiRequest, handlerQueueSize),
		quit:      make(chan struct{}),
	}
	h.lastUsed.Store(time.Now().UnixNano())
	go h.run()
	return h
}

func (h *handler) run() {
	for {
		select {
		case req := <-h.queue:
			h.process(req)
		case <-h.quit:
			// Swept. Anything that raced into the queue goes back through
			// the manager, which owns a fresh handler by now.
			for {
				select {
				case req := <-h.queue:
					h.m.redispatch(req)
				default:
					return
				}
			}
		}
	}
}

func (h *handler) idleSince() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// limitedFor returns how long the bucket blocks requests right now.
func (h *handler) limitedFor(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remaining != 0 || !now.Before(h.resetAt) {
		return 0
	}
	return h.resetAt.Add(h.m.cfg.TimeOffset).Sub(now)
}

// applyHeaders folds a response's rate-limit view into the bucket state.
func (h *handler) applyHeaders(info headerInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info.HasLimit {
		h.limit = info.Limit
	}
	if info.HasRemain {
		h.remaining = info.Remaining
	}
	if !info.ResetAt.IsZero() {
		h.resetAt = info.ResetAt
	}
}

func (h *handler) process(req *apiRequest) {
	h.lastUsed.Store(time.Now().UnixNano())
	body, err := h.attempt(req)
	req.result <- apiResult{body: body, err: err}
	h.lastUsed.Store(time.Now().UnixNano())
}

func (h *handler) attempt(req *apiRequest) ([]byte, error) {
	m := h.m
	var rlRetries, netRetries, srvRetries, captchaRetries, mfaRetries int

	for {
		if err := h.waitForLimits(req); err != nil {
			return nil, err
		}

		if !req.opts.Webhook {
			m.global.markUsage(time.Now())
		}

		r, path, err := m.buildRequest(req)
		if err != nil {
			return nil, err
		}
		if m.bus.HasSubscribers(types.EventAPIRequest) {
			m.bus.Emit(types.EventAPIRequest, -1, types.APIRequestEvent{
				Method: req.method, Path: path, Route: req.route.Bucket(),
			})
		}

		resp, err := execute(r, req.method, path)
		if err != nil {
			if req.ctx.Err() != nil {
				return nil, req.ctx.Err()
			}
			netRetries++
			if netRetries > m.cfg.RetryLimit {
				return nil, &HTTPError{Method: req.method, Path: path, Cause: err}
			}
			continue
		}

		status := resp.StatusCode()
		body := append([]byte(nil), resp.Body()...)
		now := time.Now()

		if m.bus.HasSubscribers(types.EventAPIResponse) {
			m.bus.Emit(types.EventAPIResponse, -1, types.APIResponseEvent{
				Method: req.method, Path: path, Route: req.route.Bucket(),
				Status: status, Body: append([]byte(nil), body...),
			})
		}

		info := parseHeaders(resp.Header(), req.route.IsReaction(), now)
		h.applyHeaders(info)
		if info.Bucket != "" {
			m.bindBucket(req.route.Key(req.method), info.Bucket, h)
		}

		// Invalid requests burn toward a server-side ban; slow down before
		// the server does it for us.
		if status == http.StatusUnauthorized || status == http.StatusForbidden ||
			(status == http.StatusTooManyRequests && info.Scope != "shared") {
			count, remaining := m.invalid.record(now)
			if ivl := m.cfg.InvalidRequestWarningInterval; ivl > 0 && count%ivl == 0 {
				m.bus.Emit(types.EventInvalidRequestWarning, -1, types.InvalidRequestWarning{
					Count: count, RemainingTime: remaining,
				})
			}
			if d := breakerSleep(count); d > 0 {
				if err := sleepCtx(req.ctx, d); err != nil {
					return nil, err
				}
			}
		}

		switch {
		case status >= 200 && status < 400:
			return body, nil

		case status == http.StatusTooManyRequests:
			wait, global := resolve429(info, body)
			if wait <= 0 {
				wait = backoff429(rlRetries)
			}
			rlRetries++
			m.logger.Warn("rate limited", "method", req.method, "path", path,
				"scope", info.Scope, "retry_after", wait, "global", global)
			switch {
			case global:
				m.global.hitGlobal(now, wait)
				// The loop re-enters waitForLimits, which shares the global
				// delay with every other waiter.
			default:
				// Shared limits and route sublimits both sleep locally
				// without touching the bucket's route-wide state.
				if err := sleepCtx(req.ctx, wait); err != nil {
					return nil, err
				}
			}
			continue

		case status >= 400 && status < 500:
			if challenge, ok := parseCaptcha(body); ok &&
				m.cfg.CaptchaSolver != nil && captchaRetries < m.cfg.CaptchaRetryLimit {
				solution, err := m.cfg.CaptchaSolver(req.ctx, challenge, m.cfg.UserAgent)
				if err != nil {
					return nil, fmt.Errorf("captcha solver: %w", err)
				}
				if req.extraHeaders == nil {
					req.extraHeaders = make(map[string]string)
				}
				req.extraHeaders["X-Captcha-Key"] = solution
				if challenge.RqToken != "" {
					req.extraHeaders["X-Captcha-Rqtoken"] = challenge.RqToken
				}
				captchaRetries++
				m.logger.Info("retrying with captcha solution", "attempt", captchaRetries)
				continue
			}
			if challenge := parseMFA(body); challenge != nil &&
				req.opts.AuthEnabled() && m.cfg.TOTPKey != "" &&
				mfaRetries < 1 && challenge.offersTOTP() {
				token, err := m.completeMFA(req.ctx, challenge)
				if err != nil {
					return nil, err
				}
				if req.extraHeaders == nil {
					req.extraHeaders = make(map[string]string)
				}
				req.extraHeaders["X-Discord-Mfa-Authorization"] = token
				mfaRetries++
				m.logger.Info("retrying with second factor")
				continue
			}
			return nil, newAPIError(status, body, req.method, path)

		default: // 5xx
			srvRetries++
			if srvRetries > m.cfg.RetryLimit {
				return nil, &HTTPError{Status: status, Method: req.method, Path: path}
			}
			if err := sleepCtx(req.ctx, backoff5xx(srvRetries)); err != nil {
				return nil, err
			}
			continue
		}
	}
}

// waitForLimits blocks until neither the global window nor this bucket is
// limiting, honoring the caller's reject policy.
func (h *handler) waitForLimits(req *apiRequest) error {
	m := h.m
	for {
		now := time.Now()
		var gWait time.Duration
		if !req.opts.Webhook {
			gWait = m.global.limitedFor(now)
		}
		bWait := h.limitedFor(now)
		if gWait <= 0 && bWait <= 0 {
			return nil
		}

		global := gWait > 0
		timeout := gWait
		limit := m.cfg.GlobalLimit
		if !global {
			timeout = bWait
			h.mu.Lock()
			limit = h.limit
			h.mu.Unlock()
		}
		info := types.RateLimitInfo{
			Timeout: timeout,
			Limit:   limit,
			Method:  req.method,
			Path:    req.route.Path(),
			Route:   req.route.Bucket(),
			Global:  global,
		}
		m.bus.Emit(types.EventRateLimit, -1, info)
		if m.cfg.RejectOnRateLimit != nil && m.cfg.RejectOnRateLimit(info) {
			return &RateLimitError{
				Timeout: info.Timeout, Limit: info.Limit, Method: info.Method,
				Path: info.Path, Route: info.Route, Global: info.Global,
			}
		}

		if global {
			if err := m.global.wait(req.ctx); err != nil {
				return err
			}
		} else if err := sleepCtx(req.ctx, bWait); err != nil {
			return err
		}
	}
}

// parseCaptcha reports whether the body is a recognized captcha demand.
func parseCaptcha(body []byte) (CaptchaChallenge, bool) {
	var c CaptchaChallenge
	if err := json.Unmarshal(body, &c); err != nil || len(c.Key) == 0 {
		return CaptchaChallenge{}, false
	}
	for _, key := range c.Key {
		if !knownCaptchaKeys[key] {
			return CaptchaChallenge{}, false
		}
	}
	return c, true
}

// parseMFA returns the second-factor challenge when the body carries error
// code 60003.
func parseMFA(body []byte) *mfaChallenge {
	var c mfaChallenge
	if err := json.Unmarshal(body, &c); err != nil || c.Code != mfaErrorCode {
		return nil
	}
	return &c
}

func newAPIError(status int, body []byte, method, path string) *APIError {
	apiErr := &APIError{Status: status, Body: body, Method: method, Path: path}
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
	}
	return apiErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
