// Package client wires the connection substrate together: the REST manager,
// the gateway shards, the shared event bus, and the persisted cookie jar.
// It is the orchestrator the application talks to — everything else lives
// behind the Connect/Request/Subscribe/Destroy surface.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"discord-session/internal/config"
	"discord-session/internal/events"
	"discord-session/internal/gateway"
	"discord-session/internal/rest"
	"discord-session/internal/store"
	"discord-session/pkg/types"
)

// Client is one authenticated session against the chat service.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     *events.Bus
	rest    *rest.Manager
	cookies *store.CookieStore
	apiURL  *url.URL

	mu        sync.Mutex
	shards    []*gateway.Shard
	destroyed bool
}

// New builds the client from configuration. No connection is opened yet.
func New(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	apiURL, err := url.Parse(cfg.HTTP.API)
	if err != nil {
		return nil, fmt.Errorf("parse http.api: %w", err)
	}

	bus := events.NewBus(logger)

	restCfg := rest.Config{
		Token:                         cfg.Token,
		APIBase:                       cfg.HTTP.API,
		Version:                       cfg.HTTP.Version,
		UserAgent:                     cfg.HTTP.UserAgent,
		Headers:                       cfg.HTTP.Headers,
		Locale:                        cfg.HTTP.Locale,
		OS:                            cfg.WS.Properties.OS,
		Timezone:                      cfg.HTTP.Timezone,
		InstallationID:                cfg.HTTP.InstallationID,
		Agent:                         cfg.HTTP.Agent,
		GlobalLimit:                   cfg.Rest.GlobalRateLimit,
		RequestTimeout:                cfg.Rest.RequestTimeout,
		TimeOffset:                    cfg.Rest.TimeOffset,
		SweepInterval:                 cfg.Rest.SweepInterval,
		RetryLimit:                    cfg.Rest.RetryLimit,
		InvalidRequestWarningInterval: cfg.Rest.InvalidRequestWarningInterval,
		CaptchaRetryLimit:             cfg.Rest.CaptchaRetryLimit,
		TOTPKey:                       cfg.Rest.TOTPKey,
	}
	if len(cfg.Rest.RejectOnRateLimit) > 0 {
		restCfg.RejectOnRateLimit = rest.RejectRoutePrefixes(cfg.Rest.RejectOnRateLimit...)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		rest:   rest.NewManager(restCfg, bus, logger),
		apiURL: apiURL,
	}

	if cfg.Store.DataDir != "" {
		cs, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return nil, err
		}
		c.cookies = cs
		cookies, err := cs.Load(apiURL.Host)
		if err != nil {
			logger.Warn("restoring cookies failed", "error", err)
		} else if len(cookies) > 0 {
			c.rest.Jar().SetCookies(apiURL, cookies)
			logger.Debug("restored cookies", "count", len(cookies))
		}
	}
	return c, nil
}

// SetCaptchaSolver installs the application's captcha callback. Must be
// called before Connect.
func (c *Client) SetCaptchaSolver(solver rest.CaptchaSolver) {
	c.rest.SetCaptchaSolver(solver)
}

// Connect brings every shard up, discovering the gateway URL through the
// REST API when the configuration does not pin one. It blocks until all
// shards reach READY.
func (c *Client) Connect(ctx context.Context) error {
	gatewayURL := c.cfg.WS.Gateway
	if gatewayURL == "" {
		gb, err := c.rest.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("discover gateway: %w", err)
		}
		gatewayURL = gb.URL
		c.logger.Info("gateway discovered", "url", gb.URL,
			"recommended_shards", gb.Shards,
			"identify_remaining", gb.SessionStartLimit.Remaining)
	}

	shardCfg := gateway.Config{
		Token:      c.cfg.Token,
		GatewayURL: gatewayURL,
		Version:    c.cfg.WS.Version,
		Encoding:   c.cfg.WS.Encoding,
		Compress:   c.cfg.WS.Compress,
		Properties: gateway.Properties{
			OS:      c.cfg.WS.Properties.OS,
			Browser: c.cfg.WS.Properties.Browser,
			Device:  c.cfg.WS.Properties.Device,
		},
		Intents:          c.cfg.Intents,
		UseQosHeartbeat:  c.cfg.WS.UseQosHeartbeat,
		WaitGuildTimeout: c.cfg.WaitGuildTimeout,
		CloseTimeout:     c.cfg.CloseTimeout,
		Scheduler: gateway.SchedulerConfig{
			Capacity:       c.cfg.WS.GatewayScheduler.Capacity,
			Window:         c.cfg.WS.GatewayScheduler.Window,
			ImportantBurst: c.cfg.WS.GatewayScheduler.ImportantBurst,
		},
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return gateway.ErrDestroyed
	}
	if len(c.shards) == 0 {
		for i := 0; i < c.cfg.WS.ShardCount; i++ {
			c.shards = append(c.shards, gateway.NewShard(i, shardCfg, c.bus, c.logger))
		}
	}
	shards := c.shards
	c.mu.Unlock()

	for _, s := range shards {
		if err := s.Connect(ctx); err != nil {
			return fmt.Errorf("shard %d: %w", s.ID(), err)
		}
	}
	return nil
}

// Subscribe attaches a listener for one event kind.
func (c *Client) Subscribe(kind types.EventKind, buffer int) (<-chan events.Event, func()) {
	return c.bus.Subscribe(kind, buffer)
}

// Request issues a REST call through the rate-limited pipeline.
func (c *Client) Request(ctx context.Context, method string, route rest.Route, opts *types.RequestOptions) ([]byte, error) {
	return c.rest.Request(ctx, method, route, opts)
}

// Rest exposes the REST manager for advanced callers.
func (c *Client) Rest() *rest.Manager { return c.rest }

// Shard returns shard i, nil when not created yet.
func (c *Client) Shard(i int) *gateway.Shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.shards) {
		return nil
	}
	return c.shards[i]
}

// Destroy tears everything down: shards, the REST pipeline, and the event
// bus. Session cookies are flushed to the store so the next run resumes
// with the same identity.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	shards := c.shards
	c.mu.Unlock()

	for _, s := range shards {
		s.Destroy()
	}
	if c.cookies != nil {
		if err := c.cookies.Save(c.apiURL.Host, c.rest.Jar().Cookies(c.apiURL)); err != nil {
			c.logger.Warn("saving cookies failed", "error", err)
		}
	}
	c.rest.Close()
	c.bus.Close()
}
