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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

/*******************************
 * Shards Identify Rate Limiter
 *******************************/

// ShardsIdentifyRateLimiter controls how frequently Identify payloads are
// sent across all shards a process manages (the platform limits this to
// one per max_concurrency bucket per ~5 seconds).
type ShardsIdentifyRateLimiter interface {
	// Wait blocks until the shard is allowed to send an Identify payload.
	Wait()
}

// DefaultShardsRateLimiter is a token bucket built on a buffered channel,
// refilled on a ticker.
type DefaultShardsRateLimiter struct {
	tokens chan struct{}
}

var _ ShardsIdentifyRateLimiter = (*DefaultShardsRateLimiter)(nil)

// NewDefaultShardsRateLimiter creates a limiter allowing r Identify
// payloads per interval.
func NewDefaultShardsRateLimiter(r int, interval time.Duration) *DefaultShardsRateLimiter {
	rl := &DefaultShardsRateLimiter{tokens: make(chan struct{}, r)}
	for range r {
		rl.tokens <- struct{}{}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
		refill:
			for range r {
				select {
				case rl.tokens <- struct{}{}:
				default:
					break refill
				}
			}
		}
	}()
	return rl
}

// Wait blocks until a token is available.
func (rl *DefaultShardsRateLimiter) Wait() {
	<-rl.tokens
}

/*************************************
 * ShardState
 *************************************/

// ShardState is the shard connection lifecycle state machine. Transitions
// are monotonic along the documented paths: any running state can fall
// back to Disconnected, and only Idle can be entered via an explicit
// kill().
type ShardState int

const (
	ShardStateIdle ShardState = iota
	ShardStateConnecting
	ShardStateIdentifying
	ShardStateResuming
	ShardStateRunning
	ShardStateGuildsReady
	ShardStateDisconnected
)

func (s ShardState) String() string {
	switch s {
	case ShardStateIdle:
		return "idle"
	case ShardStateConnecting:
		return "connecting"
	case ShardStateIdentifying:
		return "identifying"
	case ShardStateResuming:
		return "resuming"
	case ShardStateRunning:
		return "running"
	case ShardStateGuildsReady:
		return "guilds_ready"
	case ShardStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	defaultGatewayURL  = "wss://gateway.discord.gg"
	gatewayVersion     = "10"
	guildsReadyTimeout = 10 * time.Second
	sendQueueDrain     = 50 * time.Millisecond

	// spawnMaxAttempts bounds how many dial+handshake attempts spawn
	// makes before giving up with ErrKindMaxSpawnAttempts.
	spawnMaxAttempts = 5
	// spawnTimeout bounds a single dial+handshake attempt, from socket
	// open through the shard reaching Running.
	spawnTimeout = 30 * time.Second
	// spawnPollInterval is how often spawn checks the shard's state
	// machine while racing it toward Running.
	spawnPollInterval = 50 * time.Millisecond
)

// pendingSend is one queued outbound frame awaiting the socket to open or
// a turn to be written.
type pendingSend struct {
	opcode  gatewayOpcode
	payload []byte
	done    chan error
}

// Shard drives a single WebSocket connection through the gateway
// handshake, heartbeats, and reconnection, publishing everything it
// observes through an EventBus rather than calling back into a fixed
// dispatcher (replacing the teacher's dynamic string-keyed dispatch).
type Shard struct {
	id          int
	totalShards int
	token       string
	intents     GatewayIntent
	compression bool
	gatewayURL  string

	logger          Logger
	bus             *EventBus
	identifyLimiter ShardsIdentifyRateLimiter

	mu    sync.RWMutex
	state ShardState
	conn  *wsConn

	seq       atomic.Int64
	sessionID atomic.Value // string
	resumeURL atomic.Value // string

	heartbeatIntervalMs atomic.Int64
	heartbeatAwaitingAt atomic.Int64 // nanotime when the outstanding heartbeat was sent; 0 if none outstanding
	pingMs              atomic.Int64
	heartbeatStop       chan struct{}

	sendMu    sync.Mutex
	sendQueue []pendingSend

	expectedGuilds *Collection[string, struct{}]
	guildsReadyAt  *time.Timer

	killed     atomic.Bool
	connecting atomic.Bool

	wg sync.WaitGroup
}

// ShardConfig configures a new Shard.
type ShardConfig struct {
	ID, TotalShards int
	Token           string
	Intents         GatewayIntent
	Logger          Logger
	Bus             *EventBus
	IdentifyLimiter ShardsIdentifyRateLimiter
	Compression     bool
	GatewayURL      string // overrides the default "wss://gateway.discord.gg"
}

func newShard(cfg ShardConfig) *Shard {
	gw := cfg.GatewayURL
	if gw == "" {
		gw = defaultGatewayURL
	}
	s := &Shard{
		id:              cfg.ID,
		totalShards:     cfg.TotalShards,
		token:           cfg.Token,
		intents:         cfg.Intents,
		compression:     cfg.Compression,
		gatewayURL:      gw,
		logger:          cfg.Logger,
		bus:             cfg.Bus,
		identifyLimiter: cfg.IdentifyLimiter,
		state:           ShardStateIdle,
		expectedGuilds:  NewCollection[string, struct{}](),
	}
	s.sessionID.Store("")
	s.resumeURL.Store("")
	return s
}

func (s *Shard) setState(to ShardState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	if s.bus != nil {
		s.bus.publishStateChange(StateChangeEvent{ShardID: s.id, From: from, To: to})
	}
}

// State returns the shard's current lifecycle state.
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// spawn connects the shard and blocks until it actually reaches Running,
// retrying dial/handshake failures up to spawnMaxAttempts times with a
// spawnTimeout budget per attempt. It checks for a kill interrupt at
// every attempt boundary and resumes automatically when a session id and
// sequence are present from a prior connection.
func (s *Shard) spawn(ctx context.Context) error {
	if !s.connecting.CompareAndSwap(false, true) {
		return newGatewayError(s.system(), ErrKindShardAlreadyConnecting, nil)
	}
	defer s.connecting.Store(false)

	for attempt := 1; attempt <= spawnMaxAttempts; attempt++ {
		if s.killed.Load() {
			return newGatewayError(s.system(), ErrKindInterruptFromKill, nil)
		}
		select {
		case <-ctx.Done():
			return newGatewayError(s.system(), ErrKindClosedDuringInit, ctx.Err())
		default:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
		err := s.dialAndWaitRunning(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if s.killed.Load() {
			return newGatewayError(s.system(), ErrKindInterruptFromKill, nil)
		}
		s.debugf("spawn attempt %d/%d failed: %v", attempt, spawnMaxAttempts, err)
	}
	return newGatewayError(s.system(), ErrKindMaxSpawnAttempts, nil)
}

// dialAndWaitRunning opens the socket, launches the read loop, and races
// the shard's own state machine until it reaches Running, falls back to
// a terminal Disconnected/Idle state, or attemptCtx expires. On any
// outcome other than success it tears down the connection it opened so
// the next spawn attempt starts clean.
func (s *Shard) dialAndWaitRunning(attemptCtx context.Context) error {
	s.setState(ShardStateConnecting)

	// A resume_gateway_url from READY is used unless a custom gateway URL
	// was configured, which takes precedence.
	url := s.gatewayURL
	if resume := s.resumeURL.Load().(string); resume != "" && s.gatewayURL == defaultGatewayURL {
		url = resume
	}
	url += "/?v=" + gatewayVersion + "&encoding=json"
	if s.compression {
		url += "&compress=zlib-stream"
	}

	conn, err := newWSConn(attemptCtx, url, s.compression)
	if err != nil {
		s.setState(ShardStateDisconnected)
		return newGatewayError(s.system(), ErrKindClosedDuringInit, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)

	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.terminate()
	}()

	ticker := time.NewTicker(spawnPollInterval)
	defer ticker.Stop()
	for {
		switch s.State() {
		case ShardStateRunning, ShardStateGuildsReady:
			succeeded = true
			return nil
		case ShardStateDisconnected, ShardStateIdle:
			return newGatewayError(s.system(), ErrKindClosedDuringInit, errors.New("connection closed before reaching running"))
		}
		select {
		case <-ticker.C:
		case <-attemptCtx.Done():
			return newGatewayError(s.system(), ErrKindClosedDuringInit, attemptCtx.Err())
		}
	}
}

// restart tears down the current connection (if any) and spawns a fresh
// one, preserving session_id/seq so the platform may resume it.
func (s *Shard) restart(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.terminate()
	}
	s.stopHeartbeat()
	return s.spawn(ctx)
}

// kill closes the shard permanently; it will not reconnect, and a
// queued send flush is forced before the socket closes.
func (s *Shard) kill() {
	s.killed.Store(true)
	s.stopHeartbeat()

	s.sendMu.Lock()
	queued := s.sendQueue
	s.sendQueue = nil
	s.sendMu.Unlock()
	for _, p := range queued {
		p.done <- newGatewayError(s.system(), ErrKindSendQueueFlushed, nil)
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.close(ws.StatusNormalClosure, "client shutdown")
	}
	s.setState(ShardStateIdle)
	s.wg.Wait()
}

// send serializes a gateway payload and writes it to the socket at once,
// returning when the write completes. It does not append to sendQueue:
// with no open socket it returns ErrKindSendWithoutOpenSocket instead of
// waiting for one.
func (s *Shard) send(opcode gatewayOpcode, data any) error {
	body, err := json.Marshal(map[string]any{"op": opcode, "d": data})
	if err != nil {
		return err
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return newGatewayError(s.system(), ErrKindSendWithoutOpenSocket, nil)
	}

	if err := conn.send(body); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.publishSent(SentEvent{ShardID: s.id, Opcode: opcode})
	}
	return nil
}

func (s *Shard) system() string {
	return "Gateway Shard " + strconv.Itoa(s.id)
}

func (s *Shard) readLoop(conn *wsConn) {
	defer s.wg.Done()
	for {
		msg, err := conn.read()
		if err != nil {
			s.onSocketClosed(conn, err)
			return
		}
		if msg == nil {
			continue // partial zlib-stream frame
		}

		var payload gatewayPayload
		if err := json.Unmarshal(msg, &payload); err != nil {
			s.debugf("unmarshal error: %v", err)
			continue
		}
		s.handlePayload(conn, payload)
	}
}

func (s *Shard) onSocketClosed(conn *wsConn, err error) {
	s.stopHeartbeat()
	if s.killed.Load() {
		return
	}

	code := closeCodeFromErr(err)
	s.setState(ShardStateDisconnected)

	if !isReconnectableCloseCode(code) {
		s.debugf("non-reconnectable close code %d, giving up", code)
		s.sessionID.Store("")
		s.seq.Store(0)
		s.resumeURL.Store("")
		return
	}

	// session_id/seq/resume_url are left untouched here so the Hello
	// handler's resume gate (handlePayload, gatewayOpcodeHello) sees
	// them on the reconnect and issues Resume instead of re-Identifying.
	go func() {
		if err := s.restart(context.Background()); err != nil {
			s.debugf("reconnect failed: %v", err)
		}
	}()
}

func (s *Shard) handlePayload(conn *wsConn, payload gatewayPayload) {
	switch payload.Op {
	case gatewayOpcodeDispatch:
		s.seq.Store(payload.S)
		if s.bus != nil {
			s.bus.publishDispatch(DispatchEvent{ShardID: s.id, Name: payload.T, Seq: payload.S, Data: payload.D})
		}
		s.handleDispatchSideEffects(payload)

	case gatewayOpcodeHeartbeat:
		s.sendHeartbeat()

	case gatewayOpcodeReconnect:
		conn.close(ws.StatusNormalClosure, "reconnect requested")

	case gatewayOpcodeInvalidSession:
		var resumable bool
		json.Unmarshal(payload.D, &resumable)
		time.Sleep(time.Duration(1+randJitterMs(1000)) * time.Millisecond)
		if resumable {
			s.setState(ShardStateResuming)
			s.sendResume()
		} else {
			s.sessionID.Store("")
			s.seq.Store(0)
			s.setState(ShardStateIdentifying)
			s.sendIdentify()
		}

	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatIntervalMs int64 `json:"heartbeat_interval"`
		}
		json.Unmarshal(payload.D, &hello)
		s.heartbeatIntervalMs.Store(hello.HeartbeatIntervalMs)
		s.startHeartbeat(time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond)

		if s.sessionID.Load().(string) != "" && s.seq.Load() > 0 {
			s.setState(ShardStateResuming)
			s.sendResume()
		} else {
			s.setState(ShardStateIdentifying)
			s.sendIdentify()
		}

	case gatewayOpcodeHeartbeatACK:
		sentAt := s.heartbeatAwaitingAt.Swap(0)
		if sentAt != 0 {
			s.pingMs.Store(MonotonicSinceMs(sentAt))
		}
	}
}

// handleDispatchSideEffects captures the two Dispatch events the shard
// itself needs to observe: READY (session/resume bookkeeping, and the
// guild list this session expects to receive GUILD_CREATE for) and
// GUILD_CREATE/GUILD_DELETE (tracking toward GuildsReady).
func (s *Shard) handleDispatchSideEffects(payload gatewayPayload) {
	switch payload.T {
	case "READY":
		var ready struct {
			SessionID string `json:"session_id"`
			ResumeURL string `json:"resume_gateway_url"`
			Guilds    []struct {
				ID string `json:"id"`
			} `json:"guilds"`
		}
		if err := json.Unmarshal(payload.D, &ready); err != nil {
			return
		}
		s.sessionID.Store(ready.SessionID)
		s.resumeURL.Store(ready.ResumeURL)
		s.expectedGuilds.Clear()
		for _, g := range ready.Guilds {
			s.expectedGuilds.Set(g.ID, struct{}{})
		}
		s.setState(ShardStateRunning)
		s.armGuildsReadyTimeout()

	case "RESUMED":
		s.setState(ShardStateRunning)

	case "GUILD_CREATE", "GUILD_DELETE":
		var g struct {
			ID string `json:"id"`
		}
		json.Unmarshal(payload.D, &g)
		s.expectedGuilds.Delete(g.ID)
		if s.expectedGuilds.Size() == 0 {
			s.setState(ShardStateGuildsReady)
		}
	}
}

// armGuildsReadyTimeout declares GuildsReady once no more GUILD_CREATE
// events are expected within the timeout, even if some guilds were
// unavailable at READY and never resolved (a large bot waiting forever
// on a single outage-affected guild would never leave Running).
func (s *Shard) armGuildsReadyTimeout() {
	if s.expectedGuilds.Size() == 0 {
		s.setState(ShardStateGuildsReady)
		return
	}
	time.AfterFunc(guildsReadyTimeout, func() {
		if s.State() == ShardStateRunning {
			s.setState(ShardStateGuildsReady)
		}
	})
}

func (s *Shard) sendIdentify() error {
	s.identifyLimiter.Wait()
	return s.send(gatewayOpcodeIdentify, map[string]any{
		"token": s.token,
		"properties": map[string]string{
			"os":      "linux",
			"browser": LIB_NAME,
			"device":  LIB_NAME,
		},
		"shards":  [2]int{s.id, s.totalShards},
		"intents": s.intents,
	})
}

func (s *Shard) sendResume() error {
	return s.send(gatewayOpcodeResume, map[string]any{
		"token":      s.token,
		"session_id": s.sessionID.Load().(string),
		"seq":        s.seq.Load(),
	})
}

func (s *Shard) sendHeartbeat() error {
	s.heartbeatAwaitingAt.Store(MonotonicNow())
	seq := s.seq.Load()
	var payload any
	if seq > 0 {
		payload = seq
	}
	return s.send(gatewayOpcodeHeartbeat, payload)
}

// startHeartbeat begins the heartbeat loop. A missed ACK (the shard is
// still awaiting one when the next tick fires, i.e. a zombied
// connection) closes the socket with code 4009 so readLoop's
// onSocketClosed drives the reconnect.
func (s *Shard) startHeartbeat(interval time.Duration) {
	s.stopHeartbeat()
	stop := make(chan struct{})
	s.heartbeatStop = stop

	// The first beat fires at half the interval, per Hello's documented
	// jitter; the InvalidSession reconnect delay has its own, separate
	// use of randJitterMs.
	jitter := interval / 2
	go func() {
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-stop:
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if s.heartbeatAwaitingAt.Load() != 0 {
				s.mu.RLock()
				conn := s.conn
				s.mu.RUnlock()
				if conn != nil {
					conn.close(ws.StatusCode(GatewayCloseEventCodeSessionTimedOut), "zombied connection")
				}
				return
			}
			s.sendHeartbeat()

			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
}

func (s *Shard) stopHeartbeat() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.heartbeatAwaitingAt.Store(0)
}

// Latency returns the most recently measured heartbeat round-trip in
// milliseconds.
func (s *Shard) Latency() int64 { return s.pingMs.Load() }

func (s *Shard) debugf(format string, args ...any) {
	if s.bus == nil {
		return
	}
	s.bus.publishDebug(DebugEvent{System: s.system(), Message: fmt.Sprintf(format, args...)})
}

// closeCodeFromErr best-effort extracts a WS close status code from a
// read error. wsutil surfaces a received close frame as a
// *wsutil.ClosedError; anything else (TCP reset, timeout, EOF) is
// treated as reconnectable by returning a code outside the platform's
// documented close-code range.
func closeCodeFromErr(err error) int {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		return int(ce.Code)
	}
	return 0
}

// randJitterMs returns a small pseudo-random delay in [0, n) derived from
// the monotonic clock; the InvalidSession handler uses it to spread its
// Identify/Resume retries across shards. Not cryptographically random;
// that is not a requirement here.
func randJitterMs(n int) int64 {
	if n <= 0 {
		return 0
	}
	return MonotonicNow() % int64(n)
}
