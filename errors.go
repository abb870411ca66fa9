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
	"errors"
	"fmt"
)

// GatewayErrorKind enumerates the gateway/shard failure taxonomy.
type GatewayErrorKind string

const (
	ErrKindAlreadyConnected       GatewayErrorKind = "gateway-already-connected"
	ErrKindNoShard                GatewayErrorKind = "gateway-no-shard"
	ErrKindMemberNonceTooBig      GatewayErrorKind = "gateway-member-nonce-too-big"
	ErrKindInvalidRESTResponse    GatewayErrorKind = "gateway-invalid-rest-response"
	ErrKindInvalidShardConfig     GatewayErrorKind = "gateway-invalid-shard-config"
	ErrKindSessionStartLimit      GatewayErrorKind = "gateway-session-start-limit-reached"
	ErrKindShardAlreadyConnecting GatewayErrorKind = "shard-already-connecting"
	ErrKindInterruptFromKill      GatewayErrorKind = "shard-interrupt-from-kill"
	ErrKindClosedDuringInit       GatewayErrorKind = "shard-closed-during-socket-init"
	ErrKindMaxSpawnAttempts       GatewayErrorKind = "shard-max-spawn-attempts-reached"
	ErrKindSendQueueFlushed       GatewayErrorKind = "shard-send-queue-force-flushed"
	ErrKindSendWithoutOpenSocket  GatewayErrorKind = "shard-send-without-open-socket"
)

// GatewayError is the error type surfaced by the shard state machine and
// the supervisor. System identifies the emitter for observability, e.g.
// "Gateway" or "Gateway Shard 3".
type GatewayError struct {
	Kind   GatewayErrorKind
	System string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.System, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.System, e.Kind)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is reports whether target is a *GatewayError with the same Kind, so
// callers can use errors.Is(err, &GatewayError{Kind: ErrKindInterruptFromKill}).
func (e *GatewayError) Is(target error) bool {
	var g *GatewayError
	if !errors.As(target, &g) {
		return false
	}
	return g.Kind == e.Kind
}

func newGatewayError(system string, kind GatewayErrorKind, cause error) *GatewayError {
	return &GatewayError{Kind: kind, System: system, Err: cause}
}

// RestErrorKind enumerates the REST engine failure taxonomy.
type RestErrorKind string

const (
	RestErrKindRequestError              RestErrorKind = "rest-request-error"
	RestErrKindUnableToParseResponseBody RestErrorKind = "rest-unable-to-parse-response-body"
	RestErrKindDisabledRatelimitsBucket  RestErrorKind = "rest-create-bucket-with-disabled-ratelimits"
)

// DiscordErrorDetail is one flattened `_errors` entry from a Discord JSON
// error body, e.g. {"username": {"_errors": [{"code": "...", "message": "..."}]}}.
type DiscordErrorDetail struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RestError is returned for any non-2xx/3xx REST response that is not
// recovered locally by bucket retry policy (4.2/4.3).
type RestError struct {
	Kind       RestErrorKind
	System     string
	Method     string
	Route      string
	Status     int
	Message    string
	Errors     []DiscordErrorDetail
	RawBody    []byte
	Underlying error
}

func (e *RestError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s", e.System, e.Underlying.Error())
	}
	msg := e.Message
	for _, d := range e.Errors {
		if d.Path != "" {
			msg += fmt.Sprintf("; %s: %s", d.Path, d.Message)
		} else {
			msg += "; " + d.Message
		}
	}
	return fmt.Sprintf("%d %s %s => %q", e.Status, e.Method, e.Route, msg)
}

func (e *RestError) Unwrap() error { return e.Underlying }

func (e *RestError) Is(target error) bool {
	var r *RestError
	if !errors.As(target, &r) {
		return false
	}
	return r.Kind == e.Kind
}

func newRestRequestError(method, route string, status int, message string, details []DiscordErrorDetail, raw []byte) *RestError {
	return &RestError{
		Kind:    RestErrKindRequestError,
		System:  "Rest",
		Method:  method,
		Route:   route,
		Status:  status,
		Message: message,
		Errors:  details,
		RawBody: raw,
	}
}

func newRestDecodeError(method, route string, cause error) *RestError {
	return &RestError{
		Kind:       RestErrKindUnableToParseResponseBody,
		System:     "Rest",
		Method:     method,
		Route:      route,
		Underlying: cause,
	}
}
