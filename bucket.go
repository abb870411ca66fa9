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
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	headerRetryAfter = "Retry-After"
	headerGlobal     = "X-RateLimit-Global"
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerScope      = "X-RateLimit-Scope"
	headerReason     = "X-Audit-Log-Reason"
)

// rateBucket serializes and paces requests sharing one platform-side
// rate-limit bucket (C2). At most one request is in flight per bucket;
// waiters form a strict FIFO so completion order equals submission order
// (invariant I1).
type rateBucket struct {
	id         string
	router     *Router
	mu         sync.Mutex
	bucketHash string
	majorParam string

	allowedPerWindow int
	remaining        int
	resetAtMs        int64

	active atomic.Bool // cleared by the sweeper when idle and not locally limited

	fifo chan struct{} // capacity-1 turnstile token
}

func newRateBucket(router *Router, id, bucketHash, majorParam string) *rateBucket {
	b := &rateBucket{
		id:         id,
		router:     router,
		bucketHash: bucketHash,
		majorParam: majorParam,
		remaining:  1,
		fifo:       make(chan struct{}, 1),
	}
	b.fifo <- struct{}{}
	b.active.Store(true)
	return b
}

func (b *rateBucket) locallyRateLimited(nowMs int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining <= 0 && nowMs < b.resetAtMs
}

// request appends a waiter to the bucket's FIFO, blocks until its turn,
// then drives the retry loop of 4.2 to completion. ctx cancellation
// unwinds cleanly without leaving the turnstile permanently held.
//
// routeHash is the canonical route that resolved to this bucket for THIS
// call; a bucket is shared by every route_hash the platform maps to the
// same bucket_hash, so it cannot be cached on the bucket itself.
func (b *rateBucket) request(ctx context.Context, routeHash string, spec requestSpec) ([]byte, error) {
	select {
	case <-b.fifo:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { b.fifo <- struct{}{} }()

	b.active.Store(true)

	retries5xx := 0
	code500Cap := b.router.code500Retries

	for {
		if err := b.waitUntilUnblocked(ctx); err != nil {
			return nil, err
		}

		b.router.rolloverGlobalWindow()
		b.router.globalRemaining.Add(-1)

		resp, err := b.router.transport.do(ctx, spec)
		if err != nil {
			return nil, err
		}
		b.router.tally.incr(resp.Status)
		b.updateFromHeaders(resp.Headers, routeHash)

		if resp.Status == 429 {
			retryAfter := parseRetryAfter(resp.Headers.Get(headerRetryAfter))
			if resp.Headers.Get(headerGlobal) == "true" && retryAfter > 0 {
				b.router.setGlobalExhausted(retryAfter)
			}
			continue
		}

		if resp.Status >= 500 && resp.Status < 600 {
			retries5xx++
			if retries5xx > code500Cap {
				return nil, &routerVisibleStatus{resp: resp}
			}
			continue
		}

		if resp.Status >= 200 && resp.Status < 400 {
			return resp.Body, nil
		}

		// Any other 4xx: the router formats the user-visible message from
		// resp (an exhausted 5xx budget returns the same way above).
		return nil, &routerVisibleStatus{resp: resp}
	}
}

// routerVisibleStatus is an internal marker wrapping a non-retryable,
// non-2xx/3xx response so Router.Request can format it into a RestError
// using the documented `_errors` convention (4.2 contract: "the router,
// not this component, formats the message").
type routerVisibleStatus struct {
	resp *restResponse
}

func (e *routerVisibleStatus) Error() string { return "wyre: non-success status" }

// waitUntilUnblocked loops sleeping on local/global rate limits until
// neither is in effect, honoring ctx cancellation.
func (b *rateBucket) waitUntilUnblocked(ctx context.Context) error {
	for {
		nowMs := nowMillis()
		b.mu.Lock()
		localReset := b.resetAtMs
		blocked := b.remaining <= 0 && nowMs < localReset
		b.mu.Unlock()

		globalReset := b.router.globalResetAtMs.Load()
		globalBlocked := nowMs < globalReset && b.router.globalRemaining.Load() <= 0

		if !blocked && !globalBlocked {
			return nil
		}

		wait := localReset
		if globalReset > wait {
			wait = globalReset
		}
		sleepFor := time.Duration(wait-nowMs)*time.Millisecond + b.router.ratelimitPause
		if sleepFor <= 0 {
			return nil
		}

		timer := time.NewTimer(sleepFor)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// updateFromHeaders applies x-ratelimit-* headers to the bucket's state
// (never speculatively decremented before a response, per the bucket
// invariant in §3) and republishes a changed bucket hash to the router's
// route-hash cache so subsequent requests for the same route move to it.
func (b *rateBucket) updateFromHeaders(h httpHeaderGetter, routeHash string) {
	nowMs := nowMillis()

	b.mu.Lock()
	if limit := h.Get(headerLimit); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			b.allowedPerWindow = n
		}
	}
	if rem := h.Get(headerRemaining); rem != "" {
		if n, err := strconv.Atoi(rem); err == nil {
			b.remaining = n
		}
	}
	if resetAfter := h.Get(headerResetAfter); resetAfter != "" {
		if dur, err := strconv.ParseFloat(resetAfter, 64); err == nil {
			b.resetAtMs = nowMs + int64(dur*1000)
		}
	}
	b.mu.Unlock()

	if newHash := h.Get(headerBucket); newHash != "" && newHash != b.bucketHash {
		b.bucketHash = newHash
		b.router.publishBucketHash(routeHash, newHash)
	}
}

// httpHeaderGetter is the minimal surface bucket needs from http.Header;
// defined so tests can pass a plain map without importing net/http.
type httpHeaderGetter interface {
	Get(string) string
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	whole, frac := math.Modf(sec)
	return time.Duration(whole)*time.Second + time.Duration(frac*1000)*time.Millisecond
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
