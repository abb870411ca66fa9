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
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

const (
	// discordEpochMs is the platform snowflake epoch (2015-01-01T00:00:00Z),
	// used to recover a message's creation time from its id.
	discordEpochMs = 1420070400000
	// oldMessageThresholdMs is the age beyond which a bulk-delete-shaped
	// single message DELETE moves to its own canonical bucket (P3).
	oldMessageThresholdMs = 1209600000

	defaultSweepInterval  = 300000 * time.Millisecond
	defaultCode500Retries = 3
	defaultGlobalPerSec   = 50
)

var (
	idRunRegex      = regexp.MustCompile(`\d{16,19}`)
	reactionRegex   = regexp.MustCompile(`/reactions/.*$`)
	majorParamRegex = regexp.MustCompile(`^/(channels|guilds|webhooks)/(\d{16,19})`)
	oldMessageRegex = regexp.MustCompile(`^/channels/\d{16,19}/messages/(\d{16,19})$`)
)

// canonicalizeRoute implements the route canonicalization of P1/P2/P3:
// digit runs of 16-19 digits collapse to ":id", everything past
// "/reactions/" collapses to ":reaction", and a DELETE against a message
// older than the bulk-delete window gets an "/old-message" suffix so it
// shares a (much stricter) bucket from the one used for recent deletes.
//
// Applying canonicalizeRoute to an already-canonicalized route_hash is a
// no-op (I5): there are no digit runs left to rewrite, and with no digits
// left to recover a message id from, the old-message check never fires a
// second time.
func canonicalizeRoute(method, path string) (routeHash, majorParam string) {
	majorParam = "global"
	if m := majorParamRegex.FindStringSubmatch(path); m != nil {
		majorParam = m[2]
	}

	canonical := idRunRegex.ReplaceAllString(path, ":id")
	canonical = reactionRegex.ReplaceAllString(canonical, "/reactions/:reaction")

	if method == http.MethodDelete && !strings.HasSuffix(canonical, "/old-message") {
		if m := oldMessageRegex.FindStringSubmatch(path); m != nil {
			// m[1] is pre-validated all-digits by oldMessageRegex, so the
			// branchless parse's "garbage on non-digit input" caveat never
			// applies here.
			msgID := parseUint64Branchless(m[1])
			createdMs := int64(msgID>>22) + discordEpochMs
			if nowMillis()-createdMs > oldMessageThresholdMs {
				canonical += "/old-message"
			}
		}
	}

	return method + ";" + canonical, majorParam
}

// responseTally counts REST responses by HTTP status for observability.
// It never influences routing or retry decisions.
type responseTally struct {
	mu     sync.Mutex
	counts map[int]int64
}

func newResponseTally() *responseTally {
	return &responseTally{counts: make(map[int]int64)}
}

func (t *responseTally) incr(status int) {
	t.mu.Lock()
	t.counts[status]++
	t.mu.Unlock()
}

// Snapshot returns a copy of the current status->count tally.
func (t *responseTally) Snapshot() map[int]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// RouterConfig tunes the REST router (C3).
type RouterConfig struct {
	// GlobalPerSecond is the platform-wide request budget per rolling
	// second, independent of any single bucket's limit. Defaults to 50.
	GlobalPerSecond int32
	// Code500Retries is how many times a bucket retries a 5xx response
	// before giving up (so up to Code500Retries+1 attempts total).
	// Defaults to 3.
	Code500Retries int
	// RatelimitPause is added on top of a bucket/global reset wait as a
	// small safety margin against clock skew with the platform's clock.
	RatelimitPause time.Duration
	// DisableRateLimits bypasses the bucket table entirely and calls the
	// transport directly; a 429 then surfaces as an error instead of
	// being retried (see the Open Questions resolution in DESIGN.md).
	DisableRateLimits bool
	// SweepInterval is how often idle buckets are evicted from the
	// bucket table. Zero uses the default (300000ms); negative disables
	// sweeping entirely.
	SweepInterval time.Duration
}

// Router is the REST engine (C3): it canonicalizes routes, maintains the
// route_hash -> bucket_hash cache and the bucket table, tracks the
// platform-wide global counter, and periodically sweeps idle buckets.
type Router struct {
	transport *httpTransport
	logger    Logger

	buckets    *PartitionedMap[string, *rateBucket]
	routeCache *PartitionedMap[string, string]

	globalRemaining atomic.Int32
	globalResetAtMs atomic.Int64
	globalPerSecond int32

	code500Retries int
	ratelimitPause time.Duration

	disableRateLimits bool

	tally *responseTally

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// NewRouter builds a Router around transport. Call Close when done with
// it to stop the background sweeper goroutine.
func NewRouter(transport *httpTransport, logger Logger, cfg RouterConfig) *Router {
	perSec := cfg.GlobalPerSecond
	if perSec <= 0 {
		perSec = defaultGlobalPerSec
	}
	code500 := cfg.Code500Retries
	if code500 <= 0 {
		code500 = defaultCode500Retries
	}
	sweep := cfg.SweepInterval
	if sweep == 0 {
		sweep = defaultSweepInterval
	}

	r := &Router{
		transport:         transport,
		logger:            logger,
		buckets:           NewStringPartitionedMap[*rateBucket](),
		routeCache:        NewStringPartitionedMap[string](),
		globalPerSecond:   perSec,
		code500Retries:    code500,
		ratelimitPause:    cfg.RatelimitPause,
		disableRateLimits: cfg.DisableRateLimits,
		tally:             newResponseTally(),
		sweepInterval:     sweep,
	}
	r.globalRemaining.Store(perSec)
	r.globalResetAtMs.Store(nowMillis() + 1000)

	if sweep > 0 {
		r.stopSweep = make(chan struct{})
		r.sweepDone = make(chan struct{})
		go r.sweepLoop()
	}
	return r
}

func (r *Router) rolloverGlobalWindow() {
	now := nowMillis()
	resetAt := r.globalResetAtMs.Load()
	if now >= resetAt {
		if r.globalResetAtMs.CompareAndSwap(resetAt, now+1000) {
			r.globalRemaining.Store(r.globalPerSecond)
		}
	}
}

func (r *Router) setGlobalExhausted(d time.Duration) {
	r.globalRemaining.Store(0)
	r.globalResetAtMs.Store(nowMillis() + d.Milliseconds())
}

func (r *Router) publishBucketHash(routeHash, bucketHash string) {
	r.routeCache.Set(routeHash, bucketHash)
}

// Request routes spec through canonicalization, the bucket table, and the
// retry policy of 4.2, returning the decoded response body. When
// DisableRateLimits is set, it calls the transport once directly.
func (r *Router) Request(ctx context.Context, spec requestSpec) ([]byte, error) {
	routeHash, majorParam := canonicalizeRoute(spec.Method, spec.Route)

	if r.disableRateLimits {
		return r.requestWithoutBuckets(ctx, spec)
	}

	bucketHash, ok := r.routeCache.Get(routeHash)
	if !ok {
		bucketHash = "global;" + routeHash
	}
	bucketID := bucketHash + "(" + majorParam + ")"

	bucket, _ := r.buckets.GetOrSet(bucketID, newRateBucket(r, bucketID, bucketHash, majorParam))

	body, err := bucket.request(ctx, routeHash, spec)
	if err != nil {
		return nil, r.translateError(spec, err)
	}
	return body, nil
}

// requestWithoutBuckets skips the bucket table and global counter
// entirely, per RouterConfig.DisableRateLimits. A 429 is not retried; it
// surfaces to the caller like any other non-success status.
func (r *Router) requestWithoutBuckets(ctx context.Context, spec requestSpec) ([]byte, error) {
	resp, err := r.transport.do(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.tally.incr(resp.Status)
	if resp.Status >= 200 && resp.Status < 400 {
		return resp.Body, nil
	}
	return nil, r.formatRestError(spec, resp)
}

// translateError turns an error from rateBucket.request into its final
// public shape: a *routerVisibleStatus becomes a formatted *RestError;
// anything else (context cancellation, transport/network failure, an
// already-formed *RestError from the transport's decode check) passes
// through unchanged.
func (r *Router) translateError(spec requestSpec, err error) error {
	if vis, ok := err.(*routerVisibleStatus); ok {
		return r.formatRestError(spec, vis.resp)
	}
	return err
}

// discordErrorBody mirrors the platform's JSON error envelope:
// {"code": int, "message": string, "errors": {nested "_errors" arrays}}.
type discordErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

func (r *Router) formatRestError(spec requestSpec, resp *restResponse) *RestError {
	message := ""
	var details []DiscordErrorDetail

	if len(resp.Body) > 0 {
		var body discordErrorBody
		if err := sonic.Unmarshal(resp.Body, &body); err == nil {
			message = body.Message
			if len(body.Errors) > 0 {
				var nested map[string]any
				if err := sonic.Unmarshal(body.Errors, &nested); err == nil {
					details = flattenDiscordErrors("", nested)
				}
			}
		}
	}

	return newRestRequestError(spec.Method, spec.Route, resp.Status, message, details, resp.Body)
}

// flattenDiscordErrors walks a nested `errors` object, collecting every
// "_errors" array entry with a dotted path, e.g.
// "embeds.0.fields.2.value".
func flattenDiscordErrors(path string, node map[string]any) []DiscordErrorDetail {
	var out []DiscordErrorDetail
	if raw, ok := node["_errors"]; ok {
		if arr, ok := raw.([]any); ok {
			for _, e := range arr {
				entry, ok := e.(map[string]any)
				if !ok {
					continue
				}
				code, _ := entry["code"].(string)
				msg, _ := entry["message"].(string)
				out = append(out, DiscordErrorDetail{Path: path, Code: code, Message: msg})
			}
		}
	}
	for k, v := range node {
		if k == "_errors" {
			continue
		}
		child, ok := v.(map[string]any)
		if !ok {
			continue
		}
		childPath := k
		if path != "" {
			childPath = path + "." + k
		}
		out = append(out, flattenDiscordErrors(childPath, child)...)
	}
	return out
}

// Tally returns a snapshot of the response-code tally.
func (r *Router) Tally() map[int]int64 { return r.tally.Snapshot() }

func (r *Router) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepIdleBuckets()
		case <-r.stopSweep:
			return
		}
	}
}

// sweepIdleBuckets evicts buckets that are not currently serving a
// locally-rate-limited window and have not been touched since the last
// sweep. It never removes a bucket with a request in flight: the FIFO
// turnstile token is only returned to the channel after the in-flight
// request completes, so a bucket whose token is taken is always kept.
func (r *Router) sweepIdleBuckets() {
	now := nowMillis()
	var toDelete []string
	r.buckets.Range(func(id string, b *rateBucket) bool {
		if b.active.Swap(false) || len(b.fifo) == 0 {
			return true
		}
		if !b.locallyRateLimited(now) {
			toDelete = append(toDelete, id)
		}
		return true
	})
	for _, id := range toDelete {
		r.buckets.Delete(id)
	}
}

// Close stops the sweeper goroutine and releases idle connections.
func (r *Router) Close() {
	if r.stopSweep != nil {
		close(r.stopSweep)
		<-r.sweepDone
	}
	r.transport.closeIdleConnections()
}
