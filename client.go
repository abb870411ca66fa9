/************************************************************************************
 *
 * wyre, a lightweight Go client for the Discord gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The Wyre Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyre

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
)

const defaultAPIVersion = "10"
const defaultRESTBaseURL = "https://discord.com/api"

// Client wires the REST router (C3, over C1/C2) and the shard supervisor
// (C6, over C4/C5) together behind one configuration surface. Event
// delivery goes entirely through Bus rather than a fixed dispatcher.
type Client struct {
	ctx context.Context

	Logger     Logger
	Bus        *EventBus
	Router     *Router
	Supervisor *Supervisor

	token           string
	intents         GatewayIntent
	workerPool      WorkerPool
	identifyLimiter ShardsIdentifyRateLimiter

	httpClient        *http.Client
	restBaseURL       string
	apiVersion        string
	customGatewayURL  string
	shardCount        int
	shardIDs          []int
	maxConcurrency    int
	disableRateLimits bool
	gatewayCompressed bool
	routerConfig      RouterConfig
}

// ClientOption configures a Client during construction.
type ClientOption func(*Client)

// WithToken sets the bot token. Logs fatal and exits if the token looks
// obviously invalid; strips a leading "Bot " prefix if present.
func WithToken(token string) ClientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	if len(token) < 50 {
		log.Fatal("WithToken: token invalid")
	}
	if strings.HasPrefix(token, "Bot ") {
		token = strings.SplitN(token, " ", 2)[1]
	}
	return func(c *Client) { c.token = token }
}

// WithLogger sets a custom Logger. Logs fatal and exits if nil.
func WithLogger(logger Logger) ClientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) { c.Logger = logger }
}

// WithWorkerPool sets a custom WorkerPool backing the EventBus. Logs
// fatal and exits if nil.
func WithWorkerPool(workerPool WorkerPool) ClientOption {
	if workerPool == nil {
		log.Fatal("WithWorkerPool: workerPool must not be nil")
	}
	return func(c *Client) { c.workerPool = workerPool }
}

// WithShardsIdentifyRateLimiter sets a custom ShardsIdentifyRateLimiter.
// Logs fatal and exits if nil.
func WithShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) ClientOption {
	if rateLimiter == nil {
		log.Fatal("WithShardsIdentifyRateLimiter: rateLimiter must not be nil")
	}
	return func(c *Client) { c.identifyLimiter = rateLimiter }
}

// WithIntents sets the Gateway intents every shard identifies with.
func WithIntents(intents ...GatewayIntent) ClientOption {
	total := BitFieldAdd(GatewayIntent(0), intents...)
	return func(c *Client) { c.intents = total }
}

// WithShardCount overrides the platform-recommended shard count.
func WithShardCount(n int) ClientOption {
	return func(c *Client) { c.shardCount = n }
}

// WithShardRange restricts this process to spawning only the given
// shard ids, for running a bot split across multiple processes.
func WithShardRange(ids ...int) ClientOption {
	return func(c *Client) { c.shardIDs = ids }
}

// WithMaxConcurrency overrides the platform's session-start concurrency
// bucket width.
func WithMaxConcurrency(n int) ClientOption {
	return func(c *Client) { c.maxConcurrency = n }
}

// WithRateLimitsDisabled bypasses the REST bucket table entirely; every
// request calls the transport directly and a 429 surfaces as an error
// instead of being retried.
func WithRateLimitsDisabled() ClientOption {
	return func(c *Client) { c.disableRateLimits = true }
}

// WithGatewayCompression enables zlib-stream payload compression on the
// gateway connection.
func WithGatewayCompression() ClientOption {
	return func(c *Client) { c.gatewayCompressed = true }
}

// WithRESTBaseURL overrides the REST API base URL (useful for a proxy or
// a test double).
func WithRESTBaseURL(url string) ClientOption {
	return func(c *Client) { c.restBaseURL = url }
}

// WithAPIVersion overrides the REST API version used in request URLs.
// Defaults to "10". The gateway connection always uses gatewayVersion.
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) { c.apiVersion = version }
}

// WithHTTPClient overrides the *http.Client the REST transport uses.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCustomGatewayURL overrides the gateway WebSocket URL (useful for a
// test double gateway).
func WithCustomGatewayURL(url string) ClientOption {
	return func(c *Client) { c.customGatewayURL = url }
}

// WithRouterConfig overrides REST router tuning (global per-second
// budget, 5xx retry cap, sweep interval).
func WithRouterConfig(cfg RouterConfig) ClientOption {
	return func(c *Client) { c.routerConfig = cfg }
}

// New builds a Client from options. Call Start to connect.
func New(ctx context.Context, options ...ClientOption) *Client {
	if ctx == nil {
		ctx = context.Background()
	}

	c := &Client{
		ctx:    ctx,
		Logger: NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
		restBaseURL: defaultRESTBaseURL,
		apiVersion:  defaultAPIVersion,
	}

	for _, option := range options {
		option(c)
	}

	if c.workerPool == nil {
		c.workerPool = NewDefaultWorkerPool(c.Logger)
	}

	transport := newHTTPTransport(c.httpClient, c.token, c.restBaseURL, c.apiVersion)
	routerCfg := c.routerConfig
	routerCfg.DisableRateLimits = c.disableRateLimits
	c.Router = NewRouter(transport, c.Logger, routerCfg)

	c.Bus = NewEventBus(c.Logger, c.workerPool)

	c.Supervisor = NewSupervisor(SupervisorConfig{
		Token:           c.token,
		Intents:         c.intents,
		Logger:          c.Logger,
		Bus:             c.Bus,
		Router:          c.Router,
		IdentifyLimiter: c.identifyLimiter,
		Compression:     c.gatewayCompressed,
		GatewayURL:      c.customGatewayURL,
		ShardCount:      c.shardCount,
		ShardIDs:        c.shardIDs,
		MaxConcurrency:  c.maxConcurrency,
	})

	return c
}

// Start connects the shard supervisor and blocks until ctx (passed to
// New) is cancelled, then shuts the client down. Pass a cancellable
// context to New for controlled lifetimes: with context.Background(),
// Start never returns after a successful connect, and calling Shutdown
// from elsewhere stops the shards but does not make Start return.
func (c *Client) Start() error {
	if err := c.Supervisor.Connect(c.ctx); err != nil {
		return err
	}

	<-c.ctx.Done()
	if err := c.ctx.Err(); err != nil {
		c.Logger.WithField("err", err).Error("client shutting down due to context error")
	}
	c.Shutdown()
	return nil
}

// Shutdown stops all shards and releases REST transport resources.
func (c *Client) Shutdown() {
	c.Logger.Info("client shutting down")
	c.Supervisor.Shutdown()
	c.Router.Close()
	c.workerPool.Shutdown()
}
