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
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const shardSpawnCooldown = 5 * time.Second

// SupervisorConfig configures the shard supervisor (C6).
type SupervisorConfig struct {
	Token   string
	Intents GatewayIntent

	Logger Logger
	Bus    *EventBus
	Router *Router

	IdentifyLimiter ShardsIdentifyRateLimiter
	Compression     bool
	GatewayURL      string

	// ShardCount overrides the platform-recommended shard count. Zero
	// uses the value FetchGatewayBot returns.
	ShardCount int
	// ShardIDs restricts which shard ids THIS process spawns, for
	// running a bot split across multiple processes. Nil spawns every
	// id in [0, total shards), where total shards is ShardCount or, when
	// that is zero, the platform-recommended count.
	ShardIDs []int
	// MaxConcurrency overrides the platform's session-start concurrency
	// bucket width. Zero uses the value FetchGatewayBot returns.
	MaxConcurrency int
}

// Supervisor is the shard supervisor (C6): it resolves sharding options
// against the platform's gateway bot descriptor, fail-fasts against the
// session start limit, and spawns shards in ascending, concurrency-
// bucketed, cooldown-paced waves.
type Supervisor struct {
	cfg SupervisorConfig

	mu     sync.RWMutex
	shards map[int]*Shard
}

// NewSupervisor builds a Supervisor. Call Connect to actually spawn
// shards.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{cfg: cfg, shards: make(map[int]*Shard)}
}

// fetchGatewayBot issues the one REST call the supervisor needs: the
// platform's recommended shard count and session-start limit.
func fetchGatewayBot(ctx context.Context, router *Router) (*GatewayBot, error) {
	body, err := router.Request(ctx, requestSpec{
		Method: http.MethodGet,
		Route:  "/gateway/bot",
	})
	if err != nil {
		return nil, err
	}
	var gb GatewayBot
	if err := sonic.Unmarshal(body, &gb); err != nil {
		return nil, newRestDecodeError(http.MethodGet, "/gateway/bot", err)
	}
	return &gb, nil
}

// Connect fetches the gateway descriptor, resolves sharding options, and
// spawns every configured shard id in ascending, concurrency-bucketed
// waves, pausing shardSpawnCooldown between waves. It fails fast if the
// session start limit cannot cover the shards about to be spawned.
func (sv *Supervisor) Connect(ctx context.Context) error {
	gb, err := fetchGatewayBot(ctx, sv.cfg.Router)
	if err != nil {
		return err
	}

	totalShards := sv.cfg.ShardCount
	if totalShards <= 0 {
		totalShards = gb.Shards
	}
	if totalShards <= 0 {
		totalShards = 1
	}

	maxConcurrency := sv.cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = gb.SessionStartLimit.MaxConcurrency
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	ids := sv.cfg.ShardIDs
	if ids == nil {
		ids = make([]int, totalShards)
		for i := range ids {
			ids[i] = i
		}
	}

	if gb.SessionStartLimit.Remaining < len(ids) {
		return newGatewayError("Supervisor", ErrKindSessionStartLimit, nil)
	}

	limiter := sv.cfg.IdentifyLimiter
	if limiter == nil {
		limiter = NewDefaultShardsRateLimiter(maxConcurrency, shardSpawnCooldown)
	}

	waves := bucketByConcurrency(ids, maxConcurrency)
	for i, wave := range waves {
		var wg sync.WaitGroup
		errs := make(chan error, len(wave))
		for _, id := range wave {
			shard := newShard(ShardConfig{
				ID:              id,
				TotalShards:     totalShards,
				Token:           sv.cfg.Token,
				Intents:         sv.cfg.Intents,
				Logger:          sv.cfg.Logger,
				Bus:             sv.cfg.Bus,
				IdentifyLimiter: limiter,
				Compression:     sv.cfg.Compression,
				GatewayURL:      sv.cfg.GatewayURL,
			})
			sv.mu.Lock()
			sv.shards[id] = shard
			sv.mu.Unlock()

			wg.Add(1)
			go func(sh *Shard) {
				defer wg.Done()
				if err := sh.spawn(ctx); err != nil {
					errs <- err
				}
			}(shard)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			return err
		}

		if i < len(waves)-1 {
			select {
			case <-time.After(shardSpawnCooldown):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if sv.cfg.Bus != nil {
		sv.cfg.Bus.publishShardsReady(ShardsReadyEvent{TotalShards: totalShards, ShardIDs: ids})
	}
	return nil
}

// bucketByConcurrency groups shard ids sharing a session-start
// concurrency key (id % maxConcurrency) so shards in the same bucket can
// identify at the same time, ascending by key.
func bucketByConcurrency(ids []int, maxConcurrency int) [][]int {
	groups := make(map[int][]int)
	for _, id := range ids {
		key := id % maxConcurrency
		groups[key] = append(groups[key], id)
	}
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	waves := make([][]int, 0, len(keys))
	for _, k := range keys {
		wave := groups[k]
		sort.Ints(wave)
		waves = append(waves, wave)
	}
	return waves
}

// Shard returns the shard managed for id, if any.
func (sv *Supervisor) Shard(id int) (*Shard, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	sh, ok := sv.shards[id]
	return sh, ok
}

// Shards returns every shard this supervisor manages.
func (sv *Supervisor) Shards() []*Shard {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]*Shard, 0, len(sv.shards))
	for _, sh := range sv.shards {
		out = append(out, sh)
	}
	return out
}

// Broadcast sends opcode/data to every managed shard.
func (sv *Supervisor) Broadcast(opcode gatewayOpcode, data any) {
	for _, sh := range sv.Shards() {
		go sh.send(opcode, data)
	}
}

// Shutdown kills every managed shard.
func (sv *Supervisor) Shutdown() {
	var wg sync.WaitGroup
	for _, sh := range sv.Shards() {
		wg.Add(1)
		go func(s *Shard) {
			defer wg.Done()
			s.kill()
		}(sh)
	}
	wg.Wait()
}
