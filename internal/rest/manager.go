// manager.go owns the REST pipeline: the handler registry, the discovered
// route→bucket bindings, the client-wide counters, and the caches that
// back every request (super-properties, auth token, MFA token, cookies).
package rest

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"discord-session/internal/events"
	"discord-session/pkg/types"
)

// Manager is the REST half of the client. One Manager serves all routes and
// owns the global rate-limit window.
type Manager struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	http   *resty.Client
	jar    http.CookieJar

	global  *globalState
	invalid invalidCounter

	mu       sync.Mutex
	handlers map[string]*handler
	hashes   map[string]string // "METHOD /bucket/route" → server bucket hash

	cacheMu       sync.Mutex
	propsVersion  int
	cachedProps   string
	cachedPropsV  int
	cachedPropsUA string
	cachedToken   string
	cachedTokenIn string
	mfaToken      string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager builds the pipeline. The resty client carries the pieces the
// request builder does not set per call: base URL, timeout, cookie jar,
// proxy, and the TLS cipher preference.
func NewManager(cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	jar, _ := cookiejar.New(nil)
	client := resty.New().
		SetBaseURL(cfg.APIBase).
		SetTimeout(cfg.RequestTimeout).
		SetCookieJar(jar)
	if cfg.Agent != "" {
		client.SetProxy(cfg.Agent)
	}
	if len(cfg.TLSCiphers) > 0 {
		client.SetTLSClientConfig(&tls.Config{CipherSuites: cfg.TLSCiphers})
	}

	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With("component", "rest"),
		http:     client,
		jar:      jar,
		global:   newGlobalState(cfg.GlobalLimit, cfg.TimeOffset),
		handlers: make(map[string]*handler),
		hashes:   make(map[string]string),
		stop:     make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

// Close stops the sweeper and every handler goroutine.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, h := range m.handlers {
		close(h.quit)
		delete(m.handlers, key)
	}
}

// Jar exposes the cookie jar for persistence.
func (m *Manager) Jar() http.CookieJar { return m.jar }

// APIBase returns the configured API base URL.
func (m *Manager) APIBase() string { return m.cfg.APIBase }

// Request queues a REST call on its bucket's handler and waits for the
// outcome. The returned bytes are the raw response body.
func (m *Manager) Request(ctx context.Context, method string, route Route, opts *types.RequestOptions) ([]byte, error) {
	if opts == nil {
		opts = &types.RequestOptions{}
	}
	req := &apiRequest{
		ctx:    ctx,
		method: strings.ToUpper(method),
		route:  route,
		opts:   opts,
		result: make(chan apiResult, 1),
	}

	h := m.handlerFor(route.Key(method))
	select {
	case h.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.result:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handlerFor resolves the handler for a pre-discovery key, preferring the
// server-assigned bucket hash once one is known.
func (m *Manager) handlerFor(key string) *handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash, ok := m.hashes[key]; ok {
		key = "hash:" + hash
	}
	h, ok := m.handlers[key]
	if !ok {
		h = newHandler(m, key)
		m.handlers[key] = h
	}
	return h
}

// bindBucket memoizes a discovered bucket hash and re-registers the handler
// under it, so every route sharing the hash shares the queue.
func (m *Manager) bindBucket(routeKey, hash string, h *handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[routeKey] == hash {
		return
	}
	m.hashes[routeKey] = hash
	m.logger.Debug("bucket discovered", "route", routeKey, "hash", hash)

	hashKey := "hash:" + hash
	if _, exists := m.handlers[hashKey]; !exists {
		m.handlers[hashKey] = h
	}
	if m.handlers[routeKey] == h {
		delete(m.handlers, routeKey)
	}
}

// redispatch requeues a request that raced into a swept handler.
func (m *Manager) redispatch(req *apiRequest) {
	select {
	case <-m.stop:
		req.result <- apiResult{err: context.Canceled}
		return
	default:
	}
	h := m.handlerFor(req.route.Key(req.method))
	go func() {
		select {
		case h.queue <- req:
		case <-req.ctx.Done():
			req.result <- apiResult{err: req.ctx.Err()}
		}
	}()
}

// sweepLoop drops handlers that sat idle for a full sweep interval, plus
// bucket bindings whose handler went with them.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for key, h := range m.handlers {
		if len(h.queue) == 0 && now.Sub(h.idleSince()) > m.cfg.SweepInterval {
			close(h.quit)
			delete(m.handlers, key)
			swept++
		}
	}
	for routeKey, hash := range m.hashes {
		if _, ok := m.handlers["hash:"+hash]; !ok {
			delete(m.hashes, routeKey)
		}
	}
	if swept > 0 {
		m.logger.Debug("swept handlers", "count", swept)
	}
}

// ResetInvalidCount clears the invalid-request window. Test hook.
func (m *Manager) ResetInvalidCount() {
	m.invalid.reset()
}

// ————————————————————————————————————————————————————————————————————————
// Caches
// ————————————————————————————————————————————————————————————————————————

// SetProperties swaps the client properties. The super-properties blob is
// rebuilt lazily on the next request.
func (m *Manager) SetProperties(props map[string]any) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cfg.Properties = props
	m.propsVersion++
}

// SetCaptchaSolver installs or replaces the captcha callback.
func (m *Manager) SetCaptchaSolver(solver CaptchaSolver) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cfg.CaptchaSolver = solver
}

// SetToken swaps the credential; the resolved token cache invalidates.
func (m *Manager) SetToken(token string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cfg.Token = token
}

// superProperties returns the cached base64 super-properties header,
// rebuilding when the properties version or the user agent moved.
func (m *Manager) superProperties() string {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cachedProps != "" && m.cachedPropsV == m.propsVersion && m.cachedPropsUA == m.cfg.UserAgent {
		return m.cachedProps
	}

	props := m.cfg.Properties
	if props == nil {
		props = map[string]any{
			"os":                 platformLabel(m.cfg.OS),
			"browser":            "Chrome",
			"device":             "",
			"system_locale":      m.cfg.Locale,
			"browser_user_agent": m.cfg.UserAgent,
			"browser_version":    browserMajor(m.cfg.UserAgent),
			"release_channel":    "stable",
		}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		m.logger.Error("encode super properties", "error", err)
		return ""
	}
	m.cachedProps = base64.StdEncoding.EncodeToString(raw)
	m.cachedPropsV = m.propsVersion
	m.cachedPropsUA = m.cfg.UserAgent
	return m.cachedProps
}

// authToken returns the resolved credential, stripping a Bot prefix.
func (m *Manager) authToken() string {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cachedTokenIn == m.cfg.Token && m.cachedToken != "" {
		return m.cachedToken
	}
	m.cachedTokenIn = m.cfg.Token
	m.cachedToken = strings.TrimPrefix(strings.TrimSpace(m.cfg.Token), "Bot ")
	return m.cachedToken
}

func (m *Manager) setMFAToken(token string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.mfaToken = token
}

func (m *Manager) cachedMFAToken() string {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.mfaToken
}

// GatewayBot fetches the socket URL and identify budget for this credential.
func (m *Manager) GatewayBot(ctx context.Context) (*types.GatewayBotResponse, error) {
	body, err := m.Request(ctx, http.MethodGet, NewRoute("gateway", "bot"), nil)
	if err != nil {
		return nil, err
	}
	var resp types.GatewayBotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode gateway/bot: %w", err)
	}
	return &resp, nil
}
